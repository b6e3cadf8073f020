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

package delivery

import (
	"context"
	"errors"
	"fmt"
)

// Transport pushes a payload to one connection
type Transport interface {
	// DeliverTo push the payload to the connection. Failures are reported as *Error,
	// classified Gone if the connection no longer exists, Transient otherwise.
	DeliverTo(ctxt context.Context, connectionID string, payload []byte) error
}

// Router is a Transport which also owns the connections held by this relay instance
type Router interface {
	Transport
	// Attach make a session reachable through the router
	Attach(session Session) error
	// Detach stop routing to a session. Unknown IDs are ignored.
	Detach(connectionID string)
	// Disconnect close the session if it is held by this instance.
	//
	// Returns whether the session was found.
	Disconnect(connectionID string, reason string) bool
	// LocalSessions number of sessions held by this instance
	LocalSessions() int
}

// Session is one live client connection held by this relay instance
type Session interface {
	// ID the connection ID
	ID() string
	// Send queue a payload for transmission to the client
	Send(ctxt context.Context, payload []byte) error
	// Close the session with a reason
	Close(reason string)
	// Done is closed once the session is closed
	Done() <-chan struct{}
}

// ErrSessionClosed the session was already closed
var ErrSessionClosed = errors.New("session closed")

// ==============================================================================
// Errors

// ErrorKind classification of a delivery failure
type ErrorKind int

const (
	// ErrorKindTransient the connection is temporarily undeliverable
	ErrorKindTransient ErrorKind = iota
	// ErrorKindGone the connection no longer exists
	ErrorKindGone
)

// String toString function
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindGone:
		return "gone"
	default:
		return "transient"
	}
}

// Error a failed delivery
type Error struct {
	// Kind is the failure classification
	Kind ErrorKind
	// ConnectionID is the delivery target
	ConnectionID string
	// Cause is the underlying failure
	Cause error
}

// Error implements error
func (e *Error) Error() string {
	return fmt.Sprintf("delivery to CONN[%s] failed (%s): %s", e.ConnectionID, e.Kind, e.Cause)
}

// Unwrap return the underlying failure
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewGoneError define a Gone delivery error
func NewGoneError(connectionID string, cause error) error {
	return &Error{Kind: ErrorKindGone, ConnectionID: connectionID, Cause: cause}
}

// NewTransientError define a Transient delivery error
func NewTransientError(connectionID string, cause error) error {
	return &Error{Kind: ErrorKindTransient, ConnectionID: connectionID, Cause: cause}
}

// IsGone whether the error reports the target connection no longer exists
func IsGone(err error) bool {
	var deliveryErr *Error
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Kind == ErrorKindGone
	}
	return false
}

// IsTransient whether the error is a failed delivery not classified as Gone
func IsTransient(err error) bool {
	return err != nil && !IsGone(err)
}
