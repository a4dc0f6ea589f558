package strategist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	fenceRe     = regexp.MustCompile("(?m)^\\s*```[a-zA-Z]*\\s*$")
	lineCommRe  = regexp.MustCompile(`(?m)^\s*(//|#).*$`)
	blockCommRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	trailCommRe = regexp.MustCompile(`(?m)([,\[{"\]}0-9])\s*//[^"\n]*$`)
	numberingRe = regexp.MustCompile(`^\s*(\d+\s*[.):]|[-*•])\s+`)
)

// Parse extracts goal strings from an advisor reply as leniently as it can:
// a bare array, {"plan": [...]}, {verb: arg} objects, {goal, reason}
// records, nested lists, or plain numbered lines. The result is
// normalized to "verb: arg" but not validated.
func Parse(raw string) []string {
	text := clean(raw)
	if text == "" {
		return nil
	}
	if v, ok := decodeLoose(text); ok {
		return normalizeAll(flatten(v))
	}
	return normalizeAll(lines(text))
}

func clean(raw string) string {
	s := fenceRe.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "```", "")
	s = blockCommRe.ReplaceAllString(s, "")
	s = lineCommRe.ReplaceAllString(s, "")
	s = trailCommRe.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

// decodeLoose tries the whole text, then the outermost JSON value inside it.
func decodeLoose(text string) (any, bool) {
	if v, err := decodeOrdered([]byte(text)); err == nil {
		return v, true
	}
	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return nil, false
	}
	end := strings.LastIndexAny(text, "]}")
	if end <= start {
		return nil, false
	}
	v, err := decodeOrdered([]byte(text[start : end+1]))
	return v, err == nil
}

type pair struct {
	key string
	val any
}

// object keeps JSON keys in document order; plan order can come from a
// flat {verb: arg, verb: arg} reply.
type object []pair

func decodeOrdered(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch d {
	case '{':
		var obj object
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := kt.(string)
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			obj = append(obj, pair{key: key, val: v})
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		arr := []any{}
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %v", d)
}

// flatten walks any decoded shape down to goal strings.
func flatten(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, e := range t {
			out = append(out, flatten(e)...)
		}
		return out
	case object:
		for _, p := range t {
			switch strings.ToLower(p.key) {
			case "plan", "goals", "steps":
				return flatten(p.val)
			}
		}
		for _, p := range t {
			if strings.ToLower(p.key) == "goal" {
				return flatten(p.val)
			}
		}
		var out []string
		for _, p := range t {
			switch strings.ToLower(p.key) {
			case "reason", "why", "note", "comment":
				continue
			}
			out = append(out, verbGoals(p.key, p.val)...)
		}
		return out
	}
	return nil
}

// verbGoals turns one {verb: arg} entry into goals. Lists expand to one
// goal per element.
func verbGoals(verb string, v any) []string {
	switch t := v.(type) {
	case string:
		return []string{verb + ": " + t}
	case json.Number:
		return []string{verb + ": " + t.String()}
	case []any:
		var out []string
		for _, e := range t {
			out = append(out, verbGoals(verb, e)...)
		}
		return out
	case object:
		return flatten(t)
	}
	return nil
}

func lines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		l = strings.Trim(l, `",'[]{}`)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if g := normalize(s); g != "" {
			out = append(out, g)
		}
	}
	return out
}

// normalize strips numbering and quoting and rewrites "Verb :arg" as
// "verb: arg". Strings without a colon come back unchanged for the
// validator to reject.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	s = numberingRe.ReplaceAllString(s, "")
	s = strings.Trim(s, "\"'` \t,")
	verb, arg, ok := strings.Cut(s, ":")
	if !ok {
		return s
	}
	verb = strings.ToLower(strings.TrimSpace(verb))
	arg = strings.Join(strings.Fields(arg), " ")
	return strings.TrimSpace(verb + ": " + arg)
}
