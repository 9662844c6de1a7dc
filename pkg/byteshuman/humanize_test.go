package byteshuman

import (
	"testing"

	"github.com/function61/gokit/assert"
)

func TestHumanize(t *testing.T) {
	for _, tc := range []struct {
		input  int64
		output string
	}{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1.00 kB"},
		{1500, "1.50 kB"},
		{2500000000000, "2.50 TB"},
		{12000000000000, "12.00 TB"},
		{3000000000000000000, "3000.00 PB"},
	} {
		t.Run(tc.output, func(t *testing.T) {
			assert.EqualString(t, Humanize(tc.input), tc.output)
		})
	}
}

func TestOccupation(t *testing.T) {
	assert.EqualString(t, Occupation(1250000000000, 2500000000000), "50.0 %")
	assert.EqualString(t, Occupation(100, 0), "")
}
