package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/spachava753/gcmrun/internal/namelist"
)

// normalizeValue converts a decoded YAML or TOML scalar or array into one of
// the value types a namelist can hold. Arrays become []int when every
// element is an integer and []float64 otherwise. Strings have ${VAR}
// references to set environment variables expanded.
func normalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return nil, fmt.Errorf("%w: integer %d out of range", namelist.ErrUnsupportedValue, t)
		}
		return int(t), nil
	case float64, bool:
		return t, nil
	case string:
		return expandEnv(t), nil
	case []any:
		return normalizeArray(t)
	case nil:
		return nil, fmt.Errorf("%w: null", namelist.ErrUnsupportedValue)
	default:
		return nil, fmt.Errorf("%w: %T", namelist.ErrUnsupportedValue, v)
	}
}

func normalizeArray(items []any) (any, error) {
	allInts := true
	floats := make([]float64, len(items))
	ints := make([]int, len(items))
	for i, item := range items {
		switch n := item.(type) {
		case int:
			ints[i], floats[i] = n, float64(n)
		case int64:
			ints[i], floats[i] = int(n), float64(n)
		case float64:
			allInts = false
			floats[i] = n
		default:
			return nil, fmt.Errorf("%w: array element %T", namelist.ErrUnsupportedValue, item)
		}
	}
	if allInts {
		return ints, nil
	}
	return floats, nil
}

// expandEnv replaces $VAR and ${VAR} with the variable's value, leaving
// references to unset variables untouched.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "${" + name + "}"
	})
}

// NamelistOverrides converts the namelist mapping of an experiment file
// into a set, keeping the order groups and keys appear in the document.
func NamelistOverrides(node *yaml.Node) (*namelist.Set, error) {
	set := namelist.New()
	if node == nil || node.Kind == 0 {
		return set, nil
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return set, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("namelist: line %d: expected a mapping of groups", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		groupName := node.Content[i].Value
		groupNode := node.Content[i+1]
		if groupNode.Kind != yaml.MappingNode {
			return nil, &namelist.ConfigError{Group: groupName, Err: fmt.Errorf("line %d: expected a mapping of keys", groupNode.Line)}
		}
		for j := 0; j+1 < len(groupNode.Content); j += 2 {
			key := groupNode.Content[j].Value
			var raw any
			if err := groupNode.Content[j+1].Decode(&raw); err != nil {
				return nil, &namelist.ConfigError{Group: groupName, Key: key, Err: err}
			}
			v, err := normalizeValue(raw)
			if err != nil {
				return nil, &namelist.ConfigError{Group: groupName, Key: key, Err: err}
			}
			if err := set.Set(groupName, key, v); err != nil {
				return nil, err
			}
		}
	}
	return set, nil
}
