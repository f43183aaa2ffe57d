// Package payload validates outbound payloads at the client boundary.
//
// Recognized operations are checked field-by-field before submission.
// Unrecognized JSON objects pass through unchanged so the gateway can accept
// or reject them on its own terms. Anything that is not a JSON object is
// rejected client-side.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyPayload  = errors.New("payload: empty payload")
	ErrNotObject     = errors.New("payload: payload must be a JSON object")
	ErrInvalidShape  = errors.New("payload: invalid shape")
	ErrMissingField  = errors.New("payload: missing required field")
	ErrFieldType     = errors.New("payload: wrong field type")
	ErrMalformedJSON = errors.New("payload: malformed json")
)

type fieldKind int

const (
	kindNumber fieldKind = iota
	kindString
)

type requirement struct {
	Name string
	Kind fieldKind
}

// Required fields per recognized operation. Operations absent from this table
// pass through unvalidated.
var knownOps = map[string][]requirement{
	"sum":  {{Name: "a", Kind: kindNumber}, {Name: "b", Kind: kindNumber}},
	"echo": {{Name: "text", Kind: kindString}},
	"ping": nil,
}

// Parse turns a raw CLI string into a validated payload.
func Parse(raw string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrEmptyPayload
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("%w: %q", ErrMalformedJSON, raw)
	}
	return Normalize(json.RawMessage(trimmed))
}

// Normalize validates one payload for submission and returns it unchanged on
// success.
func Normalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if obj == nil {
		return nil, ErrNotObject
	}

	op := operationName(obj)
	reqs, recognized := knownOps[op]
	if !recognized {
		return raw, nil
	}
	for _, req := range reqs {
		field, ok := obj[req.Name]
		if !ok {
			return nil, fmt.Errorf("%w: op=%q field=%q", ErrMissingField, op, req.Name)
		}
		if err := checkKind(field, req.Kind); err != nil {
			return nil, fmt.Errorf("%w: op=%q field=%q: %v", ErrFieldType, op, req.Name, err)
		}
	}
	return raw, nil
}

func operationName(obj map[string]json.RawMessage) string {
	field, ok := obj["op"]
	if !ok {
		return ""
	}
	var op string
	if err := json.Unmarshal(field, &op); err != nil {
		return ""
	}
	return op
}

func checkKind(raw json.RawMessage, kind fieldKind) error {
	switch kind {
	case kindNumber:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("expected number")
		}
	case kindString:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("expected string")
		}
	}
	return nil
}
