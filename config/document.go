// Package config holds simulator configuration documents and the stream
// configuration file loader.
package config

import (
	"errors"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingKey is returned when a required key is absent.
	ErrMissingKey = errors.New("missing required key")
	// ErrWrongType is returned when a key holds a value of an unexpected type.
	ErrWrongType = errors.New("wrong value type")
	// ErrUnknownSimulator is returned when a document names no registered simulator.
	ErrUnknownSimulator = errors.New("unknown simulator")
)

// Document is one simulator's free-form configuration. Keys a simulator does
// not read are ignored.
type Document map[string]any

// Has reports whether key is present.
func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

func (d Document) lookup(key string) (any, error) {
	v, ok := d[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, ErrMissingKey)
	}
	return v, nil
}

// Name returns the document's "name" key, or "" when absent.
func (d Document) Name() string {
	s, _ := d.String("name")
	return s
}

func (d Document) String(key string) (string, error) {
	v, err := d.lookup(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%q is %T, want string: %w", key, v, ErrWrongType)
	}
	return s, nil
}

func (d Document) Int(key string) (int, error) {
	v, err := d.lookup(key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return 0, fmt.Errorf("%q: %d overflows int: %w", key, n, ErrWrongType)
		}
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%q: %v is not an integer: %w", key, n, ErrWrongType)
		}
		return int(n), nil
	}
	return 0, fmt.Errorf("%q is %T, want integer: %w", key, v, ErrWrongType)
}

// Uint64 reads a non-negative integer.
func (d Document) Uint64(key string) (uint64, error) {
	if v, ok := d[key].(uint64); ok {
		return v, nil
	}
	n, err := d.Int(key)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("%q: %d is negative: %w", key, n, ErrWrongType)
	}
	return uint64(n), nil
}

func (d Document) Float(key string) (float64, error) {
	v, err := d.lookup(key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%q is %T, want number: %w", key, v, ErrWrongType)
}

func (d Document) Bool(key string) (bool, error) {
	v, err := d.lookup(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%q is %T, want bool: %w", key, v, ErrWrongType)
	}
	return b, nil
}

// Doc reads a nested document.
func (d Document) Doc(key string) (Document, error) {
	v, err := d.lookup(key)
	if err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case Document:
		return m, nil
	case map[string]any:
		return Document(m), nil
	}
	return nil, fmt.Errorf("%q is %T, want mapping: %w", key, v, ErrWrongType)
}

// IntOr returns the integer at key, or def when the key is absent.
func (d Document) IntOr(key string, def int) (int, error) {
	if !d.Has(key) {
		return def, nil
	}
	return d.Int(key)
}

// FloatOr returns the number at key, or def when the key is absent.
func (d Document) FloatOr(key string, def float64) (float64, error) {
	if !d.Has(key) {
		return def, nil
	}
	return d.Float(key)
}

// BoolOr returns the bool at key, or def when the key is absent.
func (d Document) BoolOr(key string, def bool) (bool, error) {
	if !d.Has(key) {
		return def, nil
	}
	return d.Bool(key)
}

// Encode renders the document as YAML, the form handed to worker processes.
func (d Document) Encode() (string, error) {
	out, err := yaml.Marshal(map[string]any(d))
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(out), nil
}

// DecodeDocument parses a YAML mapping produced by Encode.
func DecodeDocument(s string) (Document, error) {
	var d Document
	if err := yaml.Unmarshal([]byte(s), &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if d == nil {
		d = Document{}
	}
	return d, nil
}
