// Copyright 2022 The buoycast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"errors"
	"fmt"
)

// ErrorKind validation failure category
type ErrorKind string

const (
	// MalformedPayload the raw bytes are not well-formed JSON
	MalformedPayload ErrorKind = "malformed_payload"
	// SchemaViolation the JSON is well-formed but fails field or type checks
	SchemaViolation ErrorKind = "schema_violation"
)

// Sentinel errors for errors.Is checks
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrSchemaViolation  = errors.New("schema violation")
)

// excerptLen max bytes of the offending payload kept for logging
const excerptLen = 128

// ValidationError describes why a raw message was rejected
type ValidationError struct {
	Kind ErrorKind
	// Field is the offending field, empty when the whole payload is at fault
	Field string
	// Excerpt is a truncated copy of the payload
	Excerpt string
	Reason  string
}

func newValidationError(kind ErrorKind, field string, raw []byte, reason string) *ValidationError {
	excerpt := string(raw)
	if len(raw) > excerptLen {
		excerpt = string(raw[:excerptLen]) + "..."
	}
	return &ValidationError{Kind: kind, Field: field, Excerpt: excerpt, Reason: reason}
}

// Error implements error
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: field '%s' %s", e.Kind, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap maps the kind onto its sentinel error
func (e *ValidationError) Unwrap() error {
	if e.Kind == MalformedPayload {
		return ErrMalformedPayload
	}
	return ErrSchemaViolation
}

// KindOf return the validation kind of an error, or "" if it is not a validation error
func KindOf(err error) ErrorKind {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Kind
	}
	return ""
}
