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

// Package connection adapts an established session to net.Conn for callers
// that want ordinary blocking reads and writes instead of driving the pump
// themselves. The session must have been created with callbacks bound to
// the same underlying conn.
package connection

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/tlspump/tlspump/pkg/session"
	"github.com/tlspump/tlspump/pkg/transport"
)

var _ net.Conn = (*Connection)(nil)

// Connection drives a session pump behind the net.Conn interface.
type Connection struct {
	conn net.Conn
	sess session.Session
}

// New wraps conn and sess. The handshake must already be complete.
func New(conn net.Conn, sess session.Session) (*Connection, error) {
	if sess.IsHandshaking() {
		return nil, fmt.Errorf("connection: handshake is not complete")
	}
	return &Connection{
		conn: conn,
		sess: sess,
	}, nil
}

func (c *Connection) Read(b []byte) (int, error) {
	for {
		n, err := c.sess.Read(b)
		if n > 0 {
			return n, nil
		}
		if err != nil {
			if errors.Is(err, session.ErrClosed) {
				return 0, io.EOF
			}
			return 0, err
		}

		if _, err := c.sess.ReadTLS(); err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				// A deadline on the underlying conn expired.
				return 0, os.ErrDeadlineExceeded
			}
			return 0, err
		}
		if err := c.sess.ProcessNewPackets(); err != nil {
			return 0, err
		}
	}
}

func (c *Connection) Write(b []byte) (int, error) {
	n, err := c.sess.Write(b)
	if err != nil {
		return 0, err
	}
	if err := c.flush(); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Connection) Close() error {
	if err := c.sess.SendCloseNotify(); err != nil && !errors.Is(err, session.ErrClosed) {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}
	if err := c.sess.Close(); err != nil {
		return err
	}
	return c.conn.Close()
}

func (c *Connection) flush() error {
	for c.sess.WantsWrite() {
		if _, err := c.sess.WriteTLS(); err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				return os.ErrDeadlineExceeded
			}
			return err
		}
	}
	return nil
}

func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
