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

package mintls

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"
)

// maxCiphertext is the largest legal TLSCiphertext payload: 2^14 plus the
// AEAD expansion allowance from RFC 8446 section 5.2.
const maxCiphertext = 16384 + 256

var _ net.Conn = (*wireConn)(nil)

// wireConn is the ciphertext edge between mint and the session's queues.
// mint pulls records from in and pushes records to out; it never touches
// the caller's transport. An empty read returns (0, nil), which mint's
// non-blocking record layer turns into AlertWouldBlock.
//
// feed validates record framing as bytes arrive. mint's record layer treats
// an implausibly large length field as a short read and waits for the rest,
// so garbage has to be rejected here, before it is absorbed.
type wireConn struct {
	in     bytes.Buffer
	out    bytes.Buffer
	closed bool

	hdr      [5]byte
	hdrLen   int
	remain   int
	frameErr error
}

func (w *wireConn) Read(p []byte) (int, error) {
	if w.in.Len() == 0 {
		if w.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	return w.in.Read(p)
}

func (w *wireConn) Write(p []byte) (int, error) {
	if w.closed {
		return 0, net.ErrClosed
	}
	return w.out.Write(p)
}

// feed queues ciphertext for mint, walking the record framing as it goes.
// Once a malformed header is seen the error sticks and further bytes are
// discarded.
func (w *wireConn) feed(p []byte) {
	for len(p) > 0 && w.frameErr == nil {
		if w.remain > 0 {
			n := w.remain
			if n > len(p) {
				n = len(p)
			}
			w.in.Write(p[:n])
			w.remain -= n
			p = p[n:]
			continue
		}
		n := copy(w.hdr[w.hdrLen:], p)
		w.in.Write(p[:n])
		w.hdrLen += n
		p = p[n:]
		if w.hdrLen < len(w.hdr) {
			return
		}
		w.hdrLen = 0
		if err := checkRecordHeader(w.hdr); err != nil {
			w.frameErr = err
			return
		}
		w.remain = int(w.hdr[3])<<8 | int(w.hdr[4])
	}
}

func checkRecordHeader(hdr [5]byte) error {
	switch hdr[0] {
	case 20, 21, 22, 23: // change_cipher_spec, alert, handshake, application_data
	default:
		return fmt.Errorf("invalid record content type 0x%02x", hdr[0])
	}
	if hdr[1] != 3 || hdr[2] > 4 {
		return fmt.Errorf("invalid record protocol version %d.%d", hdr[1], hdr[2])
	}
	if length := int(hdr[3])<<8 | int(hdr[4]); length > maxCiphertext {
		return fmt.Errorf("record length %d exceeds the %d byte maximum", length, maxCiphertext)
	}
	return nil
}

func (w *wireConn) pendingOut() int {
	return w.out.Len()
}

// takeOut removes and returns everything mint has queued for the wire.
func (w *wireConn) takeOut() []byte {
	if w.out.Len() == 0 {
		return nil
	}
	taken := append([]byte(nil), w.out.Bytes()...)
	w.out.Reset()
	return taken
}

// unsent requeues the tail of a short write. The out queue is empty at this
// point because takeOut drained it and the pump is single-threaded.
func (w *wireConn) unsent(p []byte) {
	w.out.Write(p)
}

func (w *wireConn) Close() error {
	w.closed = true
	return nil
}

func (w *wireConn) LocalAddr() net.Addr  { return wireAddr{} }
func (w *wireConn) RemoteAddr() net.Addr { return wireAddr{} }

func (w *wireConn) SetDeadline(time.Time) error      { return nil }
func (w *wireConn) SetReadDeadline(time.Time) error  { return nil }
func (w *wireConn) SetWriteDeadline(time.Time) error { return nil }

type wireAddr struct{}

func (wireAddr) Network() string { return "tlspump" }
func (wireAddr) String() string  { return "wire" }
