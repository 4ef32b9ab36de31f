package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadKind describes how a success body was decoded.
type PayloadKind int

const (
	// PayloadEmpty is a response without a body, such as 204 No Content.
	PayloadEmpty PayloadKind = iota

	// PayloadJSON is a validated JSON document.
	PayloadJSON

	// PayloadText is any other body, kept verbatim.
	PayloadText
)

// String returns the kind name.
func (k PayloadKind) String() string {
	switch k {
	case PayloadJSON:
		return "json"
	case PayloadText:
		return "text"
	default:
		return "empty"
	}
}

// errEmptyPayload is returned when decoding a payload without a body.
var errEmptyPayload = errors.New("empty payload")

// Payload is the schema-less value of a successful response. Callers narrow
// it with Decode or As.
type Payload struct {
	kind PayloadKind
	raw  []byte
}

// JSONPayload wraps an already validated JSON document.
func JSONPayload(raw []byte) Payload {
	return Payload{kind: PayloadJSON, raw: bytes.Clone(raw)}
}

// TextPayload wraps a plain text body.
func TextPayload(text string) Payload {
	return Payload{kind: PayloadText, raw: []byte(text)}
}

// Kind returns the payload kind.
func (p Payload) Kind() PayloadKind { return p.kind }

// IsEmpty reports whether the response carried no body.
func (p Payload) IsEmpty() bool { return p.kind == PayloadEmpty }

// IsJSON reports whether the payload is a JSON document.
func (p Payload) IsJSON() bool { return p.kind == PayloadJSON }

// Bytes returns a copy of the raw body.
func (p Payload) Bytes() []byte { return bytes.Clone(p.raw) }

// String returns the raw body as text.
func (p Payload) String() string { return string(p.raw) }

// Decode unmarshals a JSON payload into v. A text payload can only be
// decoded into a *string.
func (p Payload) Decode(v any) error {
	switch p.kind {
	case PayloadJSON:
		return json.Unmarshal(p.raw, v)
	case PayloadText:
		if s, ok := v.(*string); ok {
			*s = string(p.raw)
			return nil
		}
		return fmt.Errorf("cannot decode text payload into %T", v)
	default:
		return errEmptyPayload
	}
}

// Value returns the payload as a generic value: nil, a string, or the
// result of decoding JSON into an any.
func (p Payload) Value() (any, error) {
	switch p.kind {
	case PayloadJSON:
		var v any
		if err := json.Unmarshal(p.raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case PayloadText:
		return string(p.raw), nil
	default:
		return nil, nil
	}
}

// MarshalJSON renders JSON as-is, text as a JSON string and empty as null.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch p.kind {
	case PayloadJSON:
		return bytes.Clone(p.raw), nil
	case PayloadText:
		return json.Marshal(string(p.raw))
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON restores a payload from its JSON rendering. null becomes
// empty; anything else is kept as a JSON document.
func (p *Payload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*p = Payload{}
		return nil
	}
	*p = JSONPayload(trimmed)
	return nil
}

// ErrorEnvelope describes a failed request.
type ErrorEnvelope struct {
	Message string         `json:"message"`
	Code    int            `json:"code,omitempty"`
	Type    string         `json:"type,omitempty"`
	Details map[string]any `json:"details,omitempty"`

	// Attempts is the number of transport attempts made.
	Attempts int `json:"attempts,omitempty"`

	// Exhausted is true when the last failure was retryable but no attempts were left.
	Exhausted bool `json:"exhausted,omitempty"`
}

// Error implements the error interface so an envelope can be returned as one.
func (e *ErrorEnvelope) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Detail returns a top-level field of the error details.
func (e *ErrorEnvelope) Detail(key string) (any, bool) {
	if e == nil || e.Details == nil {
		return nil, false
	}
	v, ok := e.Details[key]
	return v, ok
}

// DetailString returns a top-level string field of the error details.
func (e *ErrorEnvelope) DetailString(key string) (string, bool) {
	v, ok := e.Detail(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Response is the uniform result of every dispatcher operation. Exactly one
// of Data and Error is meaningful: Data when Success is true, Error otherwise.
type Response[T any] struct {
	Success bool           `json:"success"`
	Data    T              `json:"data,omitempty"`
	Error   *ErrorEnvelope `json:"error,omitempty"`
}

// MarshalJSON emits data on success and error on failure, never both.
func (r Response[T]) MarshalJSON() ([]byte, error) {
	if r.Success {
		return json.Marshal(struct {
			Success bool `json:"success"`
			Data    T    `json:"data"`
		}{Success: true, Data: r.Data})
	}
	return json.Marshal(struct {
		Success bool           `json:"success"`
		Error   *ErrorEnvelope `json:"error"`
	}{Success: false, Error: r.Error})
}

// As narrows a payload response to T. A decoding failure becomes a parse
// error envelope. An empty payload yields the zero T.
func As[T any](resp Response[Payload]) Response[T] {
	if !resp.Success {
		return Response[T]{Error: resp.Error}
	}

	var v T
	if resp.Data.IsEmpty() {
		return Response[T]{Success: true, Data: v}
	}
	if err := resp.Data.Decode(&v); err != nil {
		return Response[T]{Error: &ErrorEnvelope{
			Message: "failed to parse response",
			Type:    string(KindParse),
			Details: map[string]any{"cause": err.Error()},
		}}
	}
	return Response[T]{Success: true, Data: v}
}

// newErrorEnvelope converts the final error of a request into an envelope.
func newErrorEnvelope(err error, attempts int, exhausted bool) *ErrorEnvelope {
	env := &ErrorEnvelope{Attempts: attempts, Exhausted: exhausted}

	var reqErr *RequestError
	switch {
	case errors.As(err, &reqErr):
		env.Code = reqErr.StatusCode
		env.Type = string(reqErr.Kind)
		env.Message = reqErr.Message
		env.Details = reqErr.Details
		if reqErr.Err != nil {
			switch reqErr.Kind {
			case KindParse:
				env.Details = map[string]any{"cause": reqErr.Err.Error()}
			default:
				env.Message = reqErr.Message + ": " + reqErr.Err.Error()
			}
		}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		env.Type = string(KindNetwork)
		env.Message = "request cancelled: " + err.Error()
	default:
		env.Type = string(KindRequest)
		env.Message = err.Error()
	}
	return env
}

func failure(err error, attempts int, exhausted bool) Response[Payload] {
	return Response[Payload]{Error: newErrorEnvelope(err, attempts, exhausted)}
}
