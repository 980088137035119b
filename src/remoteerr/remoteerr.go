// Package remoteerr converts failures into a transport-safe shape and back.
//
// Only the message and a flat set of fields survive the trip between
// processes. The concrete type of the original error is never preserved, so
// callers must inspect Message and Fields rather than use errors.As against
// worker-side types.
package remoteerr

import (
	"encoding/json"
	"errors"
	"maps"
)

const messageField = "message"

// SerializedError is the wire form of a failure: the message plus any extra
// properties the failure carried. It marshals as a flat JSON object.
type SerializedError struct {
	Message string
	Fields  map[string]any
}

// MarshalJSON flattens Fields next to "message".
func (s SerializedError) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Fields)+1)
	for k, v := range s.Fields {
		out[k] = v
	}
	out[messageField] = s.Message
	return json.Marshal(out)
}

// UnmarshalJSON splits a flat JSON object into Message and Fields.
func (s *SerializedError) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Message = ""
	s.Fields = nil
	if msg, ok := raw[messageField].(string); ok {
		s.Message = msg
	}
	delete(raw, messageField)
	if len(raw) > 0 {
		s.Fields = raw
	}
	return nil
}

// Fielder is implemented by errors that expose extra properties to be carried
// across the process boundary.
type Fielder interface {
	ErrorFields() map[string]any
}

// Error is a failure reconstructed from a SerializedError, or built locally by
// a worker that wants to attach fields such as an error code.
type Error struct {
	Message string
	Fields  map[string]any
}

// New returns an Error with the given message and fields.
func New(message string, fields map[string]any) *Error {
	return &Error{Message: message, Fields: maps.Clone(fields)}
}

func (e *Error) Error() string {
	return e.Message
}

// ErrorFields implements Fielder.
func (e *Error) ErrorFields() map[string]any {
	return e.Fields
}

// Field returns a single field value.
func (e *Error) Field(name string) (any, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// Serialize projects err onto its message and flat field set.
// Fields come from the first Fielder in the error chain; otherwise the error
// value itself is JSON-encoded and its top-level object members are used.
func Serialize(err error) SerializedError {
	if err == nil {
		return SerializedError{}
	}

	s := SerializedError{Message: err.Error()}

	var f Fielder
	if errors.As(err, &f) {
		s.Fields = maps.Clone(f.ErrorFields())
	} else {
		s.Fields = encodedFields(err)
	}
	delete(s.Fields, messageField)
	if len(s.Fields) == 0 {
		s.Fields = nil
	}
	return s
}

// Reconstruct builds an equivalent failure from its serialized form.
func Reconstruct(s SerializedError) error {
	return &Error{Message: s.Message, Fields: maps.Clone(s.Fields)}
}

func encodedFields(err error) map[string]any {
	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		return nil
	}
	var fields map[string]any
	if json.Unmarshal(data, &fields) != nil {
		return nil
	}
	return fields
}
