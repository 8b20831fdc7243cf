// Package pagecontext holds the static lookup table that maps page
// identifiers to descriptive instruction text. The table is loaded once at
// startup from a JSON or YAML file and is immutable afterwards; lookups for
// unknown keys return a fallback description instead of failing.
package pagecontext

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFallback is returned for pages the library does not know.
const DefaultFallback = "No additional context is available for this page. Rely on the shared screen content to assist the user."

// Library is an immutable page-key -> description table.
type Library struct {
	entries  map[string]string
	fallback string
}

// New builds a library from entries. An empty fallback selects
// DefaultFallback. The entries map is copied.
func New(entries map[string]string, fallback string) *Library {
	if strings.TrimSpace(fallback) == "" {
		fallback = DefaultFallback
	}
	copied := make(map[string]string, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	return &Library{entries: copied, fallback: fallback}
}

// Load reads a context file and builds the library. The format is chosen by
// extension: .json expects a single JSON object, .yaml/.yml a single mapping,
// both from page key to description. An empty path yields an empty library
// where every lookup falls back.
func Load(path, fallback string) (*Library, error) {
	if strings.TrimSpace(path) == "" {
		return New(nil, fallback), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context file: %w", err)
	}

	var entries map[string]string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		entries, err = decodeJSONEntries(data)
	case ".yaml", ".yml":
		entries, err = decodeYAMLEntries(data)
	default:
		return nil, fmt.Errorf("context file %q: unsupported extension (want .json, .yaml or .yml)", path)
	}
	if err != nil {
		return nil, fmt.Errorf("context file %q: %w", path, err)
	}

	if err := validateEntries(entries); err != nil {
		return nil, fmt.Errorf("context file %q: %w", path, err)
	}
	return New(entries, fallback), nil
}

// Instruction returns the description for key. Unknown (or empty) keys yield
// the fallback text and known == false.
func (l *Library) Instruction(key string) (text string, known bool) {
	if key == "" {
		return l.fallback, false
	}
	text, known = l.entries[key]
	if !known {
		return l.fallback, false
	}
	return text, true
}

// Fallback returns the fallback description.
func (l *Library) Fallback() string {
	return l.fallback
}

// Pages returns the known page keys in sorted order.
func (l *Library) Pages() []string {
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of known pages.
func (l *Library) Len() int {
	return len(l.entries)
}

// decodeJSONEntries walks the JSON tokens instead of unmarshaling directly so
// duplicate page keys are rejected rather than silently last-one-wins.
func decodeJSONEntries(data []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("must contain a single JSON object of page keys")
	}

	entries := make(map[string]string)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
		key := keyTok.(string)
		if _, dup := entries[key]; dup {
			return nil, fmt.Errorf("duplicate page key %q", key)
		}
		var text string
		if err := dec.Decode(&text); err != nil {
			return nil, fmt.Errorf("page %q: description must be a string", key)
		}
		entries[key] = text
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after the page object")
	}
	return entries, nil
}

// decodeYAMLEntries walks the mapping nodes for the same duplicate-key
// guarantee as the JSON path.
func decodeYAMLEntries(data []byte) (map[string]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return map[string]string{}, nil
	}

	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("must contain a single mapping of page keys")
	}

	entries := make(map[string]string, len(doc.Content)/2)
	for i := 0; i+1 < len(doc.Content); i += 2 {
		k, v := doc.Content[i], doc.Content[i+1]
		if k.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("page keys must be scalars (line %d)", k.Line)
		}
		if v.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("page %q: description must be a scalar", k.Value)
		}
		if _, dup := entries[k.Value]; dup {
			return nil, fmt.Errorf("duplicate page key %q (line %d)", k.Value, k.Line)
		}
		entries[k.Value] = v.Value
	}
	return entries, nil
}

func validateEntries(entries map[string]string) error {
	for key, text := range entries {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("page keys must not be empty")
		}
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("page %q: description must not be empty", key)
		}
	}
	return nil
}
