package nauserver

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/function61/gokit/jsonfile"
	"github.com/function61/nauha/pkg/byteshuman"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/olekukonko/tablewriter"
)

// table for humans, JSON for pipes
func printTapes(w io.Writer, tapes []nautypes.Tape, asTable bool) error {
	if !asTable {
		return jsonfile.Marshal(w, tapes)
	}

	tbl := newTable(w, "Label", "Barcode", "Location", "Status", "Bucket", "Files", "Written", "Used", "Flags")

	for _, tape := range tapes {
		tbl.Append([]string{
			tape.Label,
			tape.Barcode,
			tape.Location.String(),
			string(tape.Status),
			tape.Bucket,
			strconv.Itoa(tape.FileCount),
			byteshuman.Humanize(tape.WrittenBytes),
			byteshuman.Occupation(tape.WrittenBytes, tape.CapacityBytes),
			tapeFlags(tape),
		})
	}

	tbl.Render()

	return nil
}

func printOfferLog(w io.Writer, entries []nautypes.OfferLogEntry, asTable bool) error {
	if !asTable {
		return jsonfile.Marshal(w, entries)
	}

	tbl := newTable(w, "Seq", "Time", "Action", "Bucket", "Object", "Tape", "File")

	for _, entry := range entries {
		tbl.Append([]string{
			strconv.FormatInt(entry.Sequence, 10),
			entry.Time.Format(time.RFC3339),
			string(entry.Action),
			entry.Bucket,
			entry.ObjectID,
			entry.TapeLabel,
			strconv.Itoa(entry.FilePosition),
		})
	}

	tbl.Render()

	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	tbl := tablewriter.NewWriter(w)
	tbl.SetAutoFormatHeaders(false)
	tbl.SetBorder(false)
	tbl.SetHeader(header)
	return tbl
}

func tapeFlags(tape nautypes.Tape) string {
	flags := []string{}
	if tape.Labeled {
		flags = append(flags, "labeled")
	}
	if tape.Full {
		flags = append(flags, "full")
	}
	if tape.EndOfLife {
		flags = append(flags, "retired")
	}
	if tape.Worm {
		flags = append(flags, "worm")
	}

	return strings.Join(flags, ",")
}
