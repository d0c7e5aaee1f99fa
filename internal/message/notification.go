// Package message defines the wire payloads consumed and produced by the
// push worker: the notification request and its dead-letter envelope.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Notification is a single "send this push notification" request as enqueued
// by producers. Any top-level JSON key other than the named fields is a
// template parameter and is kept in Params.
//
// A Notification is not mutated after Parse returns it; it is shared between
// the pipeline and the dead-letter router.
type Notification struct {
	TraceID        string `json:"trace_id" validate:"required"`
	UserID         string `json:"user_id" validate:"required"`
	TemplateCode   string `json:"template_code" validate:"required"`
	Recipient      string `json:"recipient" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`

	Params map[string]any `json:"-"`
}

// ParseError reports a payload that could not be turned into a Notification.
// Such payloads carry no usable identity and are never dead-lettered.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse notification: field %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("parse notification: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var (
	validate        = newValidator()
	errMissingField = errors.New("missing or empty")
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Parse decodes and validates a raw broker payload.
func Parse(payload []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, &ParseError{Err: err}
	}

	if err := validate.Struct(&n); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return nil, &ParseError{
				Field: strings.Join(fields, ","),
				Err:   errMissingField,
			}
		}
		return nil, &ParseError{Err: err}
	}

	return &n, nil
}

// namedFields maps the wire keys of the fixed fields to their destinations.
func (n *Notification) namedFields() map[string]*string {
	return map[string]*string{
		"trace_id":        &n.TraceID,
		"user_id":         &n.UserID,
		"template_code":   &n.TemplateCode,
		"recipient":       &n.Recipient,
		"idempotency_key": &n.IdempotencyKey,
	}
}

// UnmarshalJSON decodes the flat wire shape. It does not validate; use Parse
// for payloads coming off the broker.
func (n *Notification) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*n = Notification{}
	for key, dst := range n.namedFields() {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return &ParseError{Field: key, Err: err}
		}
		delete(raw, key)
	}

	if len(raw) == 0 {
		return nil
	}

	n.Params = make(map[string]any, len(raw))
	for key, v := range raw {
		dec := json.NewDecoder(bytes.NewReader(v))
		dec.UseNumber()
		var val any
		if err := dec.Decode(&val); err != nil {
			return &ParseError{Field: key, Err: err}
		}
		n.Params[key] = val
	}
	return nil
}

// MarshalJSON re-emits the flat wire shape with parameters at the top level.
func (n Notification) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Params)+5)
	for k, v := range n.Params {
		out[k] = v
	}
	for key, src := range n.namedFields() {
		out[key] = *src
	}
	return json.Marshal(out)
}
