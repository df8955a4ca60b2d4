package namelist

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// WriteTo writes the set in Fortran namelist syntax:
//
//	&main_nml
//	    days = 0
//	    calendar = 'thirty_day'
//	/
func (s *Set) WriteTo(w io.Writer) (int64, error) {
	groups, err := s.Serialize()
	if err != nil {
		return 0, err
	}
	return Encode(w, groups)
}

// Encode writes already serialized groups in Fortran namelist syntax.
func Encode(w io.Writer, groups []Group) (int64, error) {
	var buf bytes.Buffer
	for i, g := range groups {
		if i > 0 {
			buf.WriteByte('\n')
		}
		fmt.Fprintf(&buf, "&%s\n", g.Name)
		for _, e := range g.Entries {
			if err := checkValue(e.Value); err != nil {
				return 0, &ConfigError{Group: g.Name, Key: e.Key, Err: err}
			}
			fmt.Fprintf(&buf, "    %s = %s\n", e.Key, FormatValue(e.Value))
		}
		buf.WriteString("/\n")
	}
	return buf.WriteTo(w)
}

// Render returns the Fortran namelist text.
func (s *Set) Render() (string, error) {
	var sb strings.Builder
	if _, err := s.WriteTo(&sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// FormatValue renders a supported value as a namelist literal. Floats use
// the shortest representation that parses back to the same float64.
func FormatValue(v any) string {
	switch t := v.(type) {
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return formatFloat(float64(t), 32)
	case float64:
		return formatFloat(t, 64)
	case bool:
		if t {
			return ".true."
		}
		return ".false."
	case string:
		return "'" + strings.ReplaceAll(t, "'", "''") + "'"
	case []int:
		parts := make([]string, len(t))
		for i, x := range t {
			parts[i] = strconv.Itoa(x)
		}
		return strings.Join(parts, ", ")
	case []int64:
		parts := make([]string, len(t))
		for i, x := range t {
			parts[i] = strconv.FormatInt(x, 10)
		}
		return strings.Join(parts, ", ")
	case []float64:
		parts := make([]string, len(t))
		for i, x := range t {
			parts[i] = formatFloat(x, 64)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(f float64, bits int) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, bits)
	}
	s := strconv.FormatFloat(f, 'g', -1, bits)
	// Keep reals distinguishable from integers in the namelist.
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}
