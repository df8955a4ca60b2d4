// Package diag describes which model fields are written to history files
// and how they are sampled.
package diag

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrDuplicateName   = errors.New("output file already registered")
	ErrUnknownFile     = errors.New("unknown output file")
	ErrDuplicateField  = errors.New("field already requested in file")
	ErrInvalidInterval = errors.New("sampling interval must be positive")
	ErrInvalidUnit     = errors.New("unit must be one of seconds, minutes, hours, days")
)

// SchemaError locates a schema definition problem.
type SchemaError struct {
	File   string
	Module string
	Field  string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Module != "" || e.Field != "" {
		return fmt.Sprintf("diag file %q field %s/%s: %v", e.File, e.Module, e.Field, e.Err)
	}
	return fmt.Sprintf("diag file %q: %v", e.File, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Unit is a sampling/time unit understood by the model's diag manager.
type Unit string

const (
	Seconds Unit = "seconds"
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
)

// ParseUnit accepts plural and singular spellings, case-insensitively.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "seconds", "second":
		return Seconds, nil
	case "minutes", "minute":
		return Minutes, nil
	case "hours", "hour":
		return Hours, nil
	case "days", "day":
		return Days, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUnit, s)
	}
}

// FieldRequest asks the model to output one field of one module.
type FieldRequest struct {
	Module  string `yaml:"module" json:"module"`
	Name    string `yaml:"name" json:"name"`
	TimeAvg bool   `yaml:"time_avg" json:"time_avg"`
}

// OutputFile is one history file with its cadence and fields.
type OutputFile struct {
	Name      string         `json:"name"`
	Interval  int            `json:"interval"`
	Unit      Unit           `json:"unit"`
	TimeUnits Unit           `json:"time_units"`
	Fields    []FieldRequest `json:"fields"`
}

type fieldKey struct {
	module, field string
}

// Schema is an ordered collection of output files.
type Schema struct {
	// Calendar selects a calendar base date in the rendered table.
	Calendar bool

	files  []*OutputFile
	byName map[string]*OutputFile
	seen   map[string]map[fieldKey]struct{}
}

// New returns an empty schema using a calendar base date.
func New() *Schema {
	return &Schema{
		Calendar: true,
		byName:   make(map[string]*OutputFile),
		seen:     make(map[string]map[fieldKey]struct{}),
	}
}

// AddFile registers an output file sampled every interval units.
// timeUnits defaults to unit when empty.
func (s *Schema) AddFile(name string, interval int, unit, timeUnits string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &SchemaError{File: name, Err: errors.New("empty file name")}
	}
	if _, ok := s.byName[name]; ok {
		return &SchemaError{File: name, Err: ErrDuplicateName}
	}
	if interval <= 0 {
		return &SchemaError{File: name, Err: fmt.Errorf("%w: %d", ErrInvalidInterval, interval)}
	}
	u, err := ParseUnit(unit)
	if err != nil {
		return &SchemaError{File: name, Err: err}
	}
	tu := u
	if strings.TrimSpace(timeUnits) != "" {
		if tu, err = ParseUnit(timeUnits); err != nil {
			return &SchemaError{File: name, Err: err}
		}
	}

	f := &OutputFile{Name: name, Interval: interval, Unit: u, TimeUnits: tu}
	s.files = append(s.files, f)
	s.byName[name] = f
	s.seen[name] = make(map[fieldKey]struct{})
	return nil
}

// AddField requests module/field in the named file. Names are trimmed the
// same way AddFile trims file names.
func (s *Schema) AddField(file, module, field string, timeAvg bool) error {
	file = strings.TrimSpace(file)
	module = strings.TrimSpace(module)
	field = strings.TrimSpace(field)

	f, ok := s.byName[file]
	if !ok {
		return &SchemaError{File: file, Module: module, Field: field, Err: ErrUnknownFile}
	}
	if module == "" || field == "" {
		return &SchemaError{File: file, Module: module, Field: field, Err: errors.New("empty module or field name")}
	}
	key := fieldKey{module, field}
	if _, dup := s.seen[file][key]; dup {
		return &SchemaError{File: file, Module: module, Field: field, Err: ErrDuplicateField}
	}
	s.seen[file][key] = struct{}{}
	f.Fields = append(f.Fields, FieldRequest{Module: module, Name: field, TimeAvg: timeAvg})
	return nil
}

// Files returns the registered file names in order.
func (s *Schema) Files() []string {
	names := make([]string, len(s.files))
	for i, f := range s.files {
		names[i] = f.Name
	}
	return names
}

// Serialize returns an ordered deep copy of the file/field structure.
func (s *Schema) Serialize() []OutputFile {
	out := make([]OutputFile, len(s.files))
	for i, f := range s.files {
		out[i] = *f
		out[i].Fields = slices.Clone(f.Fields)
	}
	return out
}

// Clone returns an independent copy of the schema.
func (s *Schema) Clone() *Schema {
	c := New()
	c.Calendar = s.Calendar
	for _, f := range s.Serialize() {
		cf := f
		c.files = append(c.files, &cf)
		c.byName[cf.Name] = &cf
		seen := make(map[fieldKey]struct{}, len(cf.Fields))
		for _, fr := range cf.Fields {
			seen[fieldKey{fr.Module, fr.Name}] = struct{}{}
		}
		c.seen[cf.Name] = seen
	}
	return c
}
