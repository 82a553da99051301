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

package transport

import (
	"bytes"
	"io"
	"sync"
)

// Pipe is a non-blocking in-memory duplex transport. Reads on an endpoint
// whose inbox is empty return ErrWouldBlock instead of blocking, which makes
// Pipe suitable for exercising the cooperative pump in a single goroutine.
type Pipe struct {
	a, b *Endpoint
}

// NewPipe returns both endpoints of a new Pipe.
func NewPipe() (*Endpoint, *Endpoint) {
	a := &Endpoint{}
	b := &Endpoint{}
	a.peer = b
	b.peer = a
	return a, b
}

// Endpoint is one side of a Pipe. Its Read and Write methods satisfy the
// ReadFunc and WriteFunc signatures and can be registered directly.
type Endpoint struct {
	mu     sync.Mutex
	inbox  bytes.Buffer
	closed bool
	peer   *Endpoint
}

// Read drains the endpoint's inbox. It returns ErrWouldBlock when the inbox
// is empty and io.EOF once the peer has closed and everything buffered has
// been consumed.
func (e *Endpoint) Read(buf []byte) (int, error) {
	peerClosed := e.peer.isClosed()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inbox.Len() == 0 {
		if e.closed || peerClosed {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	return e.inbox.Read(buf)
}

// Write appends buf to the peer's inbox.
func (e *Endpoint) Write(buf []byte) (int, error) {
	if e.isClosed() {
		return 0, io.ErrClosedPipe
	}
	e.peer.mu.Lock()
	defer e.peer.mu.Unlock()
	if e.peer.closed {
		return 0, io.ErrClosedPipe
	}
	return e.peer.inbox.Write(buf)
}

// Close marks the endpoint closed. The peer keeps draining anything already
// buffered and then sees io.EOF.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
