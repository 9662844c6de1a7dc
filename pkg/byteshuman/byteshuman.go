// Formats byte amounts the way tape capacities are quoted (decimal units, LTO-6 = 2.5 TB)
package byteshuman

import (
	"fmt"
)

var units = []string{"kB", "MB", "GB", "TB", "PB"}

func Humanize(num int64) string {
	if num < 1000 {
		return fmt.Sprintf("%d B", num)
	}

	value := float64(num)
	unit := ""
	for _, unit = range units {
		value /= 1000
		if value < 1000 {
			break
		}
	}

	return fmt.Sprintf("%.02f %s", value, unit)
}

// share of capacity used, "" if capacity is not known
func Occupation(used int64, capacity int64) string {
	if capacity <= 0 {
		return ""
	}

	return fmt.Sprintf("%.01f %%", 100*float64(used)/float64(capacity))
}
