package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schemas holds the compiled envelope schemas plus per-type payload schemas.
type Schemas struct {
	Client  *jsonschema.Schema
	Server  *jsonschema.Schema
	payload map[string]*jsonschema.Schema
}

// payloadSchemas maps a normalized response type to the embedded schema its
// data member must satisfy.
var payloadSchemas = map[string]string{
	TypeShipInfo:    "ship.schema.json",
	TypeShipStatus:  "ship.schema.json",
	TypeBuyReceipt:  "trade_receipt.schema.json",
	TypeSellReceipt: "trade_receipt.schema.json",
}

func LoadSchemas() (*Schemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaURL(e.Name()), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
	}
	s := &Schemas{payload: map[string]*jsonschema.Schema{}}
	if s.Client, err = c.Compile(schemaURL("client_envelope.schema.json")); err != nil {
		return nil, err
	}
	if s.Server, err = c.Compile(schemaURL("server_envelope.schema.json")); err != nil {
		return nil, err
	}
	for typ, name := range payloadSchemas {
		sch, err := c.Compile(schemaURL(name))
		if err != nil {
			return nil, err
		}
		s.payload[typ] = sch
	}
	return s, nil
}

func schemaURL(name string) string { return "mem://twbot/" + name }

// ValidateServerLine checks one raw server line against the envelope schema
// and, when the type has one, the payload schema.
func (s *Schemas) ValidateServerLine(line []byte) error {
	v, err := decodeAny(line)
	if err != nil {
		return err
	}
	if err := s.Server.Validate(v); err != nil {
		return err
	}
	obj, _ := v.(map[string]any)
	if obj == nil || obj["status"] != StatusOK {
		return nil
	}
	typ, _ := obj["type"].(string)
	sch := s.payload[NormalizeType(typ)]
	data, ok := obj["data"]
	if sch == nil || !ok {
		return nil
	}
	if m, ok := data.(map[string]any); ok {
		if inner, ok := m["ship"]; ok {
			data = inner
		}
	}
	return sch.Validate(data)
}

func (s *Schemas) ValidateClient(env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	v, err := decodeAny(b)
	if err != nil {
		return err
	}
	return s.Client.Validate(v)
}

// CompileCommandSchema compiles a schema returned by system.describe_schema.
// Servers sometimes wrap it as {"data": {...}} or send it as a JSON string.
func CompileCommandSchema(command string, raw json.RawMessage) (*jsonschema.Schema, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		raw = json.RawMessage(s)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%s: empty schema", command)
	}
	c := jsonschema.NewCompiler()
	url := schemaURL("cmd/" + strings.ReplaceAll(command, ".", "/") + ".json")
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	return c.Compile(url)
}

// ValidateData runs sch over an arbitrary JSON document.
func ValidateData(sch *jsonschema.Schema, data json.RawMessage) error {
	v, err := decodeAny(data)
	if err != nil {
		return err
	}
	return sch.Validate(v)
}

func decodeAny(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
