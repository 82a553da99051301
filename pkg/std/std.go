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

// Package std exposes crypto/tls behind the session interface. crypto/tls
// cannot resume a handshake interrupted by a would-block failure, so this
// engine couples its record I/O to the registered callbacks and requires
// them to block. The pump call sequence is unchanged: the first
// ReadTLS/WriteTLS/ProcessNewPackets after the handshake is armed simply
// completes the whole negotiation, with the transfer counts reported from
// the callback totals.
package std

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/tlspump/tlspump/pkg/config"
	"github.com/tlspump/tlspump/pkg/session"
	"github.com/tlspump/tlspump/pkg/transport"
)

var engineVersion = version.Must(version.NewVersion("1.0.0"))

// Engine is the crypto/tls backend.
type Engine struct{}

// New returns the engine.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) Name() string { return "std" }

func (e *Engine) Version() *version.Version { return engineVersion }

func (e *Engine) NewClientSession(cfg *config.Config, read transport.ReadFunc, write transport.WriteFunc, log *zap.Logger) (session.Session, error) {
	return newSession(cfg, true, read, write, log)
}

func (e *Engine) NewServerSession(cfg *config.Config, read transport.ReadFunc, write transport.WriteFunc, log *zap.Logger) (session.Session, error) {
	return newSession(cfg, false, read, write, log)
}

type stdSession struct {
	log    *zap.Logger
	conn   *tls.Conn
	raw    *transport.CallbackConn
	client bool

	state      session.State
	started    bool
	peerClosed bool

	pending bytes.Buffer
}

func newSession(cfg *config.Config, client bool, read transport.ReadFunc, write transport.WriteFunc, log *zap.Logger) (*stdSession, error) {
	if read == nil || write == nil {
		return nil, errors.New("std: a transport callback pair is required")
	}
	if !client && len(cfg.KeyPairs()) == 0 {
		return nil, errors.New("std: server config requires a key pair")
	}
	if log == nil {
		log = zap.NewNop()
	}

	raw := transport.NewCallbackConn(read, write)
	tcfg := cfg.TLS()
	var conn *tls.Conn
	if client {
		conn = tls.Client(raw, tcfg)
	} else {
		conn = tls.Server(raw, tcfg)
	}

	return &stdSession{
		log:    log.With(zap.String("engine", "std"), zap.Bool("client", client)),
		conn:   conn,
		raw:    raw,
		client: client,
		state:  session.Handshaking,
	}, nil
}

func (s *stdSession) Write(p []byte) (int, error) {
	if s.state == session.Closed {
		return 0, session.ErrClosed
	}
	s.started = true
	if len(p) == 0 {
		return 0, nil
	}
	s.pending.Write(p)
	return len(p), nil
}

func (s *stdSession) WriteTLS() (int, error) {
	if s.state == session.Closed {
		return 0, session.ErrClosed
	}
	before := s.raw.WriteTotal()
	if err := s.ensureHandshake(); err != nil {
		return int(s.raw.WriteTotal() - before), err
	}
	if s.state == session.Established && s.pending.Len() > 0 {
		plain := append([]byte(nil), s.pending.Bytes()...)
		s.pending.Reset()
		if _, err := s.conn.Write(plain); err != nil {
			return int(s.raw.WriteTotal() - before), s.ioError(err)
		}
	}
	return int(s.raw.WriteTotal() - before), nil
}

func (s *stdSession) ReadTLS() (int, error) {
	if s.state == session.Closed {
		return 0, session.ErrClosed
	}
	if !s.client {
		s.started = true
	}
	before := s.raw.ReadTotal()
	if err := s.ensureHandshake(); err != nil {
		return int(s.raw.ReadTotal() - before), err
	}
	return int(s.raw.ReadTotal() - before), nil
}

func (s *stdSession) ProcessNewPackets() error {
	if s.state == session.Closed {
		return session.ErrClosed
	}
	if !s.client {
		s.started = true
	}
	return s.ensureHandshake()
}

func (s *stdSession) Read(p []byte) (int, error) {
	if s.state == session.Closed {
		return 0, session.ErrClosed
	}
	if s.state == session.Handshaking {
		return 0, nil
	}
	if s.peerClosed {
		return 0, session.ErrClosed
	}
	n, err := s.conn.Read(p)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.peerClosed = true
			return n, session.ErrClosed
		}
		return n, s.ioError(err)
	}
	return n, nil
}

func (s *stdSession) WantsRead() bool {
	switch s.state {
	case session.Handshaking:
		return !s.client
	case session.Established:
		return !s.peerClosed
	default:
		return false
	}
}

func (s *stdSession) WantsWrite() bool {
	switch s.state {
	case session.Handshaking:
		return s.client && s.started
	case session.Established:
		return s.pending.Len() > 0
	default:
		return false
	}
}

func (s *stdSession) IsHandshaking() bool {
	return s.state == session.Handshaking
}

func (s *stdSession) State() session.State {
	return s.state
}

func (s *stdSession) SendCloseNotify() error {
	if s.state == session.Closed {
		return session.ErrClosed
	}
	return s.conn.CloseWrite()
}

func (s *stdSession) Close() error {
	if s.state == session.Closed {
		return nil
	}
	s.state = session.Closed
	s.pending.Reset()
	return nil
}

// ensureHandshake runs the blocking negotiation once the session is armed.
func (s *stdSession) ensureHandshake() error {
	if s.state != session.Handshaking || !s.started {
		return nil
	}
	if err := s.conn.Handshake(); err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.state = session.Closed
			return err
		}
		s.state = session.Closed
		return &session.ProtocolError{Err: err}
	}
	s.state = session.Established
	s.log.Debug("handshake complete")
	return nil
}

// ioError classifies post-handshake failures: transport errors pass through
// verbatim, everything else is a fatal protocol error.
func (s *stdSession) ioError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, net.ErrClosed) {
		return err
	}
	s.state = session.Closed
	return &session.ProtocolError{Err: err}
}
