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

// Package transport defines the boundary between a session and whatever
// carries its ciphertext. A session never owns a socket: it is handed a pair
// of callbacks at creation time and each ReadTLS/WriteTLS invokes its
// callback exactly once. Blocking behavior belongs entirely to the callback.
package transport

import (
	"errors"
	"io"
	"net"
	"os"
)

// ErrWouldBlock signals that a transport operation could not complete
// without blocking. It is a retry signal, not a failure.
var ErrWouldBlock = errors.New("transport: operation would block")

// ReadFunc fills buf with ciphertext from the transport and returns the
// number of bytes read. It performs exactly one underlying receive
// operation and returns ErrWouldBlock when that operation cannot complete
// immediately on a non-blocking transport. End of stream is io.EOF; a
// (0, nil) return means nothing arrived, per the io.Reader convention.
type ReadFunc func(buf []byte) (int, error)

// WriteFunc sends buf to the transport and returns the number of bytes
// accepted. Short writes are permitted. It performs exactly one underlying
// send operation and returns ErrWouldBlock when that operation cannot
// complete immediately on a non-blocking transport.
type WriteFunc func(buf []byte) (int, error)

// FromConn adapts a net.Conn into a callback pair. Deadline expirations on
// the conn surface as ErrWouldBlock so a caller multiplexing with deadlines
// can keep pumping.
func FromConn(conn net.Conn) (ReadFunc, WriteFunc) {
	read := func(buf []byte) (int, error) {
		n, err := conn.Read(buf)
		return n, mapTimeout(err)
	}
	write := func(buf []byte) (int, error) {
		n, err := conn.Write(buf)
		return n, mapTimeout(err)
	}
	return read, write
}

// FromReadWriter adapts a plain io.ReadWriter into a callback pair.
func FromReadWriter(rw io.ReadWriter) (ReadFunc, WriteFunc) {
	return rw.Read, rw.Write
}

func mapTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrWouldBlock
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrWouldBlock
	}
	return err
}
