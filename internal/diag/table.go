package diag

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

const tableTitle = `"FMS Model results"`

// WriteTo writes the schema in diag_table format. Field order within a file
// is preserved, since it drives record order in the history files.
func (s *Schema) WriteTo(w io.Writer) (int64, error) {
	return Encode(w, s.Calendar, s.Serialize())
}

// Encode writes serialized output files in diag_table format.
func Encode(w io.Writer, calendar bool, files []OutputFile) (int64, error) {
	var buf bytes.Buffer

	buf.WriteString(tableTitle + "\n")
	if calendar {
		buf.WriteString("0001 1 1 0 0 0\n")
	} else {
		buf.WriteString("0 0 0 0 0 0\n")
	}

	buf.WriteString("# = output files =\n")
	buf.WriteString("# file_name, output_freq, output_units, format, time_units, long_name\n")
	for _, f := range files {
		fmt.Fprintf(&buf, "%q, %d, %q, 1, %q, \"time\",\n", f.Name, f.Interval, string(f.Unit), string(f.TimeUnits))
	}

	buf.WriteString("\n# = diagnostic field entries =\n")
	buf.WriteString("# module_name, field_name, output_name, file_name, time_sampling, time_avg, other_opts, precision\n")
	for _, f := range files {
		for _, fr := range f.Fields {
			avg := ".false."
			if fr.TimeAvg {
				avg = ".true."
			}
			fmt.Fprintf(&buf, "%q, %q, %q, %q, \"all\", %s, \"none\", 2,\n", fr.Module, fr.Name, fr.Name, f.Name, avg)
		}
	}

	return buf.WriteTo(w)
}

// Render returns the diag_table text.
func (s *Schema) Render() string {
	var sb strings.Builder
	s.WriteTo(&sb)
	return sb.String()
}
