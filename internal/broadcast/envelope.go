package broadcast

import (
	"encoding/json"
	"fmt"
)

// TypeField tags every envelope with the client-facing message kind.
const TypeField = "type"

// targetsField carries the internal target-identity list on the broker
// wire. It is stripped before any client-facing delivery; clients never
// observe it.
const targetsField = "target_identities"

// Envelope is the message unit exchanged over the broker and, after
// stripping control fields, over client connections.
type Envelope map[string]any

// NewEnvelope builds a type-tagged envelope from a payload map.
func NewEnvelope(kind string, payload map[string]any) Envelope {
	env := make(Envelope, len(payload)+1)
	for k, v := range payload {
		env[k] = v
	}
	env[TypeField] = kind
	return env
}

// Kind returns the envelope's type tag, or "" when absent.
func (e Envelope) Kind() string {
	kind, _ := e[TypeField].(string)
	return kind
}

// withTargets returns a copy carrying the internal target list.
func (e Envelope) withTargets(identities []string) Envelope {
	out := make(Envelope, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	out[targetsField] = identities
	return out
}

// targets returns the internal target list. Envelopes decoded from the
// wire carry it as []any.
func (e Envelope) targets() ([]string, bool) {
	raw, present := e[targetsField]
	if !present {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, true
}

// stripTargets returns the envelope without the internal target field.
func (e Envelope) stripTargets() Envelope {
	if _, present := e[targetsField]; !present {
		return e
	}
	out := make(Envelope, len(e))
	for k, v := range e {
		if k != targetsField {
			out[k] = v
		}
	}
	return out
}

func (e Envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env == nil {
		return nil, fmt.Errorf("envelope is not a JSON object")
	}
	return env, nil
}
