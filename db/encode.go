package db

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// EncodeJSON marshals v without HTML escaping, so raw values keep their
// exact bytes. A non-empty indent pretty-prints the output.
func EncodeJSON(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// entriesChecksum hashes values in canonical form. Map keys are sorted, so
// the same entries always hash alike however their values were escaped.
func entriesChecksum(values map[string]json.RawMessage) (string, error) {
	canonical := make(map[string]json.RawMessage, len(values))
	for key, value := range values {
		v, err := canonicalJSON(value)
		if err != nil {
			return "", &ValidationError{Field: key, Message: "value is not valid JSON"}
		}
		canonical[key] = v
	}
	data, err := EncodeJSON(canonical, "")
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON compacts raw and turns the \u003c, \u003e and \u0026 escapes
// that encoding/json emits by default back into plain characters. Every value
// is stored in this form so equal documents compare byte-equal.
func canonicalJSON(raw []byte) ([]byte, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return nil, err
	}
	src := compact.Bytes()
	if !bytes.Contains(src, []byte(`\u00`)) {
		return src, nil
	}

	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c != '\\' || i+1 >= len(src) {
			out = append(out, c)
			continue
		}
		// Compacted JSON only has backslashes inside strings, and each one
		// starts an escape sequence.
		if src[i+1] == 'u' && i+5 < len(src) {
			if r, ok := htmlEscape(src[i+2 : i+6]); ok {
				out = append(out, r)
				i += 5
				continue
			}
		}
		out = append(out, c, src[i+1])
		i++
	}
	return out, nil
}

func htmlEscape(hex []byte) (byte, bool) {
	switch string(bytes.ToLower(hex)) {
	case "003c":
		return '<', true
	case "003e":
		return '>', true
	case "0026":
		return '&', true
	}
	return 0, false
}
