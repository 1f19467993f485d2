package schema

import (
	"encoding/json"
	"fmt"
)

// ErrorBody is the error object inside a failed response envelope.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta carries the identifiers every envelope echoes back.
type Meta struct {
	TenantID  string `json:"tenantId"`
	RequestID string `json:"requestId"`
}

// Envelope is the wire shape every cell operation returns. A call either
// succeeds with data or fails with an error; never both.
type Envelope struct {
	Version   string          `json:"version"`
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
	Meta      Meta            `json:"meta"`
}

// DecodeData unmarshals the envelope's data payload into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope has no data payload")
	}
	return json.Unmarshal(e.Data, v)
}

// ValidateEnvelope checks the structural invariants of a response envelope.
// Payload-level validation is the response Validator's job.
func ValidateEnvelope(e *Envelope) error {
	if e.Version == "" {
		return fmt.Errorf("envelope missing version")
	}
	if e.RequestID == "" {
		return fmt.Errorf("envelope missing requestId")
	}
	if e.Meta.RequestID == "" {
		return fmt.Errorf("envelope missing meta.requestId")
	}
	if e.Success && e.Error != nil {
		return fmt.Errorf("successful envelope carries an error object")
	}
	if !e.Success && e.Error == nil {
		return fmt.Errorf("failed envelope missing error object")
	}
	return nil
}
