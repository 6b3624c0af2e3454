package task

import (
	"encoding/json"
	"math"
)

// Payload is the opaque structured data handed to and produced by node handlers.
type Payload map[string]interface{}

// Well-known payload keys shared between nodes.
const (
	KeyContent        = "content"
	KeyQuery          = "query"
	KeyRewrittenQuery = "rewritten_query"
	KeyIteration      = "iteration"
	KeyMemoryContext  = "memory_context"
	KeyDocuments      = "documents"
	KeyResponse       = "response"
	KeyIntent         = "intent"
	KeySuggestion     = "suggestion"
)

// Clone copies the top level of the payload. Nil stays nil.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	c := make(Payload, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Merge returns a new payload with other's keys layered over p.
func (p Payload) Merge(other Payload) Payload {
	out := make(Payload, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// String returns the value at key when it is a string.
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the value at key as an int. Payloads that went through JSON
// carry numbers as float64.
func (p Payload) Int(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// Encode serializes the payload. A nil payload encodes as "{}".
func (p Payload) Encode() (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodePayload parses a JSON object. Empty input yields nil.
func DecodePayload(s string) (Payload, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return p, nil
}
