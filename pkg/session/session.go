/*
	Copyright 2024 The tlspump Authors

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

		   http://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

// Package session defines the uniform surface every TLS engine exposes: a
// cooperative, caller-driven pump. The caller alternates ReadTLS, WriteTLS
// and ProcessNewPackets based on the wants flags; a session never spawns
// goroutines and never blocks outside the registered transport callbacks.
package session

import "errors"

// State is the lifecycle position of a session.
type State uint8

const (
	// Handshaking means the negotiation has not finished. No application
	// plaintext crosses the caller boundary in this state.
	Handshaking State = iota
	// Established means application data flows.
	Established
	// Closed is terminal. Buffered state is discarded on entry.
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is the explicit closed-state signal. Read returning zero bytes
// without it only means no data is available right now.
var ErrClosed = errors.New("session is closed")

// ProtocolError reports malformed TLS data from the peer. It is fatal: the
// session has already moved to Closed when it is returned.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return "session: protocol error: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Session is the backend-agnostic connection handle. Implementations own
// their backend session object and ciphertext queues exclusively; the
// transport callbacks registered at creation are invoked exactly once per
// ReadTLS/WriteTLS call and are the only place a session may block.
type Session interface {
	// Write buffers plaintext for encryption and returns the count
	// accepted. A zero-length write arms the handshake; on a client this
	// emits the first flight, so WantsWrite becomes true.
	Write(p []byte) (int, error)

	// WriteTLS invokes the registered write callback once with pending
	// ciphertext. It returns the count written, or transport.ErrWouldBlock
	// when the transport cannot take it right now.
	WriteTLS() (int, error)

	// ReadTLS invokes the registered read callback once and queues the
	// ciphertext it produces. It returns the count read, or
	// transport.ErrWouldBlock when nothing is available right now.
	ReadTLS() (int, error)

	// ProcessNewPackets parses queued ciphertext: handshake messages
	// advance the state machine, application records are decrypted. A
	// *ProtocolError return is fatal and the session is Closed.
	ProcessNewPackets() error

	// Read copies decrypted plaintext into p. Zero bytes means nothing is
	// available right now, never closure; after the peer has closed it
	// returns ErrClosed.
	Read(p []byte) (int, error)

	// WantsRead reports whether pulling more ciphertext could make
	// progress.
	WantsRead() bool

	// WantsWrite reports whether ciphertext is pending for the transport.
	WantsWrite() bool

	// IsHandshaking is true until ProcessNewPackets consumes the final
	// handshake message, and false for the rest of the session's life.
	IsHandshaking() bool

	// State returns the current lifecycle state.
	State() State

	// SendCloseNotify queues the close alert where the engine supports
	// one. Pending ciphertext must still be flushed with WriteTLS.
	SendCloseNotify() error

	// Close discards buffered state immediately. Terminal.
	Close() error
}
