package config

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/spachava753/gcmrun/internal/namelist"
)

//go:embed templates/*.toml
var builtinTemplates embed.FS

// ErrUnknownTemplate is returned when a template is neither built in nor a
// readable file.
var ErrUnknownTemplate = errors.New("unknown namelist template")

// ListTemplates returns the names of the built-in templates.
func ListTemplates() []string {
	entries, err := fs.ReadDir(builtinTemplates, "templates")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".toml"); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// LoadTemplate resolves name to a namelist set. Built-in template names take
// precedence; anything else is read as a path to a .toml file. An empty name
// yields an empty set.
func LoadTemplate(name string) (*namelist.Set, error) {
	if name == "" {
		return namelist.New(), nil
	}

	data, err := fs.ReadFile(builtinTemplates, path.Join("templates", name+".toml"))
	if err != nil {
		data, err = os.ReadFile(os.ExpandEnv(name))
		if err != nil {
			return nil, fmt.Errorf("%w %q: %w", ErrUnknownTemplate, name, err)
		}
	}

	set, err := DecodeTemplate(string(data))
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return set, nil
}

// LoadTemplateFS reads a template file from fsys.
func LoadTemplateFS(fsys fs.FS, name string) (*namelist.Set, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("reading template: %w", err)
	}
	return DecodeTemplate(string(data))
}

// DecodeTemplate parses TOML where every table is a namelist group. Group
// and key order follow the document.
func DecodeTemplate(data string) (*namelist.Set, error) {
	var raw map[string]any
	md, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}

	set := namelist.New()
	for _, key := range md.Keys() {
		switch len(key) {
		case 1:
			if _, ok := raw[key[0]].(map[string]any); !ok {
				return nil, fmt.Errorf("top-level key %q: values must live inside a [group] table", key[0])
			}
		case 2:
			group, ok := raw[key[0]].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("key %s: values must live inside a [group] table", key)
			}
			v, err := normalizeValue(group[key[1]])
			if err != nil {
				return nil, &namelist.ConfigError{Group: key[0], Key: key[1], Err: err}
			}
			if err := set.Set(key[0], key[1], v); err != nil {
				return nil, err
			}
		default:
			return nil, &namelist.ConfigError{Group: key[0], Key: key.String(), Err: fmt.Errorf("%w: nested table", namelist.ErrUnsupportedValue)}
		}
	}
	return set, nil
}
