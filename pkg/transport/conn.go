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
	"net"
	"time"
)

var _ net.Conn = (*CallbackConn)(nil)

// CallbackConn presents a registered callback pair as a net.Conn, for
// engines whose record layer insists on pulling its own I/O. It counts the
// bytes moved in each direction so such an engine can still report transfer
// counts through the session interface.
type CallbackConn struct {
	read       ReadFunc
	write      WriteFunc
	readTotal  int64
	writeTotal int64
}

// NewCallbackConn wraps the callback pair.
func NewCallbackConn(read ReadFunc, write WriteFunc) *CallbackConn {
	return &CallbackConn{
		read:  read,
		write: write,
	}
}

func (c *CallbackConn) Read(b []byte) (int, error) {
	n, err := c.read(b)
	c.readTotal += int64(n)
	return n, err
}

func (c *CallbackConn) Write(b []byte) (int, error) {
	n, err := c.write(b)
	c.writeTotal += int64(n)
	return n, err
}

// ReadTotal reports the bytes pulled through the read callback so far.
func (c *CallbackConn) ReadTotal() int64 { return c.readTotal }

// WriteTotal reports the bytes pushed through the write callback so far.
func (c *CallbackConn) WriteTotal() int64 { return c.writeTotal }

// Close is a no-op: the transport is owned by the caller, never by the
// session.
func (c *CallbackConn) Close() error { return nil }

func (c *CallbackConn) LocalAddr() net.Addr  { return callbackAddr{} }
func (c *CallbackConn) RemoteAddr() net.Addr { return callbackAddr{} }

func (c *CallbackConn) SetDeadline(time.Time) error      { return nil }
func (c *CallbackConn) SetReadDeadline(time.Time) error  { return nil }
func (c *CallbackConn) SetWriteDeadline(time.Time) error { return nil }

type callbackAddr struct{}

func (callbackAddr) Network() string { return "tlspump" }
func (callbackAddr) String() string  { return "callback" }
