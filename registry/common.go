// Copyright 2022 The wsrelay Authors
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

package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// ConnectionRecord describes one live connection known to the relay
type ConnectionRecord struct {
	// ID is the connection ID assigned by the edge at connect time
	ID string `json:"id" validate:"required,connection_id"`
	// ConnectedAt is when the connection was registered
	ConnectedAt time.Time `json:"connected_at"`
	// Metadata are opaque connection attributes
	Metadata map[string]string `json:"metadata,omitempty"`
}

// String toString function
func (r ConnectionRecord) String() string {
	return fmt.Sprintf("CONN[%s]", r.ID)
}

// copyRecord return a copy of the record which shares no state with the original
func copyRecord(r ConnectionRecord) ConnectionRecord {
	result := ConnectionRecord{ID: r.ID, ConnectedAt: r.ConnectedAt}
	if r.Metadata != nil {
		result.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			result.Metadata[k] = v
		}
	}
	return result
}

// Store is the durable mapping of connection ID to connection record.
//
// Implementations must be safe for concurrent use. Each operation is atomic on its own;
// there are no multi-operation transactions.
type Store interface {
	// Put insert or overwrite the record of a connection
	Put(ctxt context.Context, record ConnectionRecord) error
	// Delete remove the record of a connection. Deleting an unknown ID is not an error.
	Delete(ctxt context.Context, id string) error
	// ScanAll snapshot all current records. No ordering guarantee.
	ScanAll(ctxt context.Context) ([]ConnectionRecord, error)
	// Ready check whether the backend is reachable
	Ready(ctxt context.Context) error
}

// ==============================================================================
// Errors

// ErrInvalidConnectionID the connection ID is empty or malformed
var ErrInvalidConnectionID = errors.New("invalid connection ID")

// InfraError the storage backend failed to complete an operation
type InfraError struct {
	// Backend is the storage backend type
	Backend string
	// Op is the operation which failed
	Op string
	// Cause is the backend error
	Cause error
}

// Error implements error
func (e *InfraError) Error() string {
	return fmt.Sprintf("registry %s %s failed: %s", e.Backend, e.Op, e.Cause)
}

// Unwrap return the backend error
func (e *InfraError) Unwrap() error {
	return e.Cause
}

// IsInfraError whether the error chain contains an InfraError
func IsInfraError(err error) bool {
	var infraErr *InfraError
	return errors.As(err, &infraErr)
}

func newInfraError(backend, op string, cause error) error {
	return &InfraError{Backend: backend, Op: op, Cause: cause}
}

// ==============================================================================
// Validation

// connectionIDRegex keys must be usable with every backend: JetStream KV keys are the
// most restrictive.
var connectionIDRegex = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]{1,128}$`)

// RegisterValidations install the "connection_id" tag on a validator instance
func RegisterValidations(validate *validator.Validate) error {
	return validate.RegisterValidation("connection_id", func(fl validator.FieldLevel) bool {
		return connectionIDRegex.MatchString(fl.Field().String())
	})
}

var recordValidator = func() *validator.Validate {
	v := validator.New()
	if err := RegisterValidations(v); err != nil {
		panic(err)
	}
	return v
}()

// ValidateConnectionID check the connection ID is usable as a registry key
func ValidateConnectionID(id string) error {
	if err := recordValidator.Var(id, "required,connection_id"); err != nil {
		return fmt.Errorf("%w: '%s'", ErrInvalidConnectionID, id)
	}
	return nil
}

// ValidateRecord check the record is storable
func ValidateRecord(record ConnectionRecord) error {
	if err := recordValidator.Struct(&record); err != nil {
		return fmt.Errorf("%w: '%s'", ErrInvalidConnectionID, record.ID)
	}
	return nil
}
