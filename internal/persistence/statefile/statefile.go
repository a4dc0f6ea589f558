// Package statefile keeps the world model in a single JSON document.
package statefile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"twbot/internal/world"
)

// Load reads the state document at path. A missing file yields a fresh
// model. Saved keys are merged over defaults, keys this version does not
// know are kept in Extra, and the transient slice is reset.
func Load(path string) (*world.Model, error) {
	m := world.New()
	if path == "" {
		return m, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return m, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	known := knownKeys()
	m.Extra = map[string]json.RawMessage{}
	for k, v := range raw {
		if !known[k] {
			m.Extra[k] = v
		}
	}
	m.Prepare()
	return m, nil
}

// Save writes the model atomically. Unknown keys from the last load are
// written back next to the known ones.
func Save(path string, m *world.Model) error {
	if path == "" {
		return nil
	}
	b, err := Encode(m)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, b)
}

// Encode renders the state document, indented.
func Encode(m *world.Model) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	if len(m.Extra) == 0 {
		return indent(b)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	for k, v := range m.Extra {
		if _, ok := doc[k]; !ok {
			doc[k] = v
		}
	}
	b, err = json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return indent(b)
}

func indent(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// knownKeys lists the top-level JSON names the model decodes, including
// those of embedded structs.
func knownKeys() map[string]bool {
	out := map[string]bool{}
	collectKeys(reflect.TypeOf(world.Model{}), out)
	return out
}

func collectKeys(t reflect.Type, out map[string]bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" && f.Type.Kind() == reflect.Struct {
			collectKeys(f.Type, out)
			continue
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		out[name] = true
	}
}
