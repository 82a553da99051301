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

// Package mintls drives the mint TLS 1.3 stack in non-blocking mode behind
// the session interface. Ciphertext is fully decoupled from the transport:
// mint reads and writes an in-memory wire, ReadTLS/WriteTLS move bytes
// between that wire and the registered callbacks, and ProcessNewPackets
// advances mint's state machine one flight at a time.
//
// mint has no public close_notify API, so SendCloseNotify only marks the
// session; the peer learns of a shutdown from transport EOF.
package mintls

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"

	"github.com/bifurcation/mint"
	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/tlspump/tlspump/pkg/config"
	"github.com/tlspump/tlspump/pkg/session"
	"github.com/tlspump/tlspump/pkg/transport"
)

const (
	// readChunk bounds a single transport read. Large enough for a full
	// TLS record plus header.
	readChunk = 32 * 1024

	// maxSteps bounds state transitions per ProcessNewPackets call. A
	// full handshake flight is a handful of transitions; hitting the cap
	// means the engine stopped making progress.
	maxSteps = 64
)

var engineVersion = version.Must(version.NewVersion("1.1.0"))

// Engine is the mint backend.
type Engine struct{}

// New returns the engine.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) Name() string { return "mint" }

func (e *Engine) Version() *version.Version { return engineVersion }

func (e *Engine) NewClientSession(cfg *config.Config, read transport.ReadFunc, write transport.WriteFunc, log *zap.Logger) (session.Session, error) {
	return newSession(cfg, true, read, write, log)
}

func (e *Engine) NewServerSession(cfg *config.Config, read transport.ReadFunc, write transport.WriteFunc, log *zap.Logger) (session.Session, error) {
	return newSession(cfg, false, read, write, log)
}

type mintSession struct {
	log    *zap.Logger
	conn   *mint.Conn
	wire   *wireConn
	read   transport.ReadFunc
	write  transport.WriteFunc
	client bool

	state      session.State
	started    bool
	peerClosed bool
	closeSent  bool

	// pending holds plaintext accepted while handshaking; recv holds
	// decrypted plaintext not yet read by the caller.
	pending bytes.Buffer
	recv    bytes.Buffer
}

func newSession(cfg *config.Config, client bool, read transport.ReadFunc, write transport.WriteFunc, log *zap.Logger) (*mintSession, error) {
	if read == nil || write == nil {
		return nil, errors.New("mintls: a transport callback pair is required")
	}
	if client && cfg.ServerName() == "" {
		return nil, errors.New("mintls: client config requires a server name")
	}
	if !client && len(cfg.KeyPairs()) == 0 {
		return nil, errors.New("mintls: server config requires a key pair")
	}
	// The engine speaks TLS 1.3 only; reject version bounds it cannot meet
	// rather than negotiating something the caller forbade.
	if v := cfg.MaxVersion(); v != 0 && v < tls.VersionTLS13 {
		return nil, fmt.Errorf("mintls: engine is TLS 1.3 only, maximum version %#04x cannot be satisfied", v)
	}
	if v := cfg.MinVersion(); v != 0 && v > tls.VersionTLS13 {
		return nil, fmt.Errorf("mintls: engine is TLS 1.3 only, minimum version %#04x cannot be satisfied", v)
	}
	if log == nil {
		log = zap.NewNop()
	}

	mc := &mint.Config{
		ServerName:         cfg.ServerName(),
		RootCAs:            cfg.Roots(),
		InsecureSkipVerify: cfg.Insecure(),
		NonBlocking:        true,
	}
	for _, kp := range cfg.KeyPairs() {
		mc.Certificates = append(mc.Certificates, &mint.Certificate{
			Chain:      kp.Chain,
			PrivateKey: kp.Signer,
		})
	}
	if !client && cfg.ClientCAs() != nil {
		mc.RequireClientAuth = true
	}

	wire := &wireConn{}
	s := &mintSession{
		log:    log.With(zap.String("engine", "mint"), zap.Bool("client", client)),
		conn:   mint.NewConn(wire, mc, client),
		wire:   wire,
		read:   read,
		write:  write,
		client: client,
		state:  session.Handshaking,
	}
	return s, nil
}

func (s *mintSession) Write(p []byte) (int, error) {
	if s.state == session.Closed || s.closeSent {
		return 0, session.ErrClosed
	}
	if err := s.wire.frameErr; err != nil {
		s.fail()
		return 0, &session.ProtocolError{Err: err}
	}
	if !s.started {
		s.started = true
		if err := s.advance(); err != nil {
			return 0, err
		}
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.state == session.Handshaking {
		s.pending.Write(p)
		return len(p), nil
	}
	return s.writePlain(p)
}

func (s *mintSession) WriteTLS() (int, error) {
	if s.state == session.Closed {
		return 0, session.ErrClosed
	}
	out := s.wire.takeOut()
	if len(out) == 0 {
		return 0, nil
	}
	n, err := s.write(out)
	if n < len(out) {
		s.wire.unsent(out[n:])
	}
	return n, err
}

func (s *mintSession) ReadTLS() (int, error) {
	if s.state == session.Closed {
		return 0, session.ErrClosed
	}
	buf := make([]byte, readChunk)
	n, err := s.read(buf)
	if n > 0 {
		s.wire.feed(buf[:n])
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.peerClosed = true
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (s *mintSession) ProcessNewPackets() error {
	if s.state == session.Closed {
		return session.ErrClosed
	}
	if err := s.wire.frameErr; err != nil {
		s.fail()
		return &session.ProtocolError{Err: err}
	}
	if !s.started && !s.client {
		s.started = true
	}
	if s.state == session.Handshaking {
		if !s.started {
			return nil
		}
		if err := s.advance(); err != nil {
			return err
		}
		if s.state != session.Established {
			return nil
		}
	}
	return s.drain()
}

func (s *mintSession) Read(p []byte) (int, error) {
	if s.recv.Len() > 0 {
		return s.recv.Read(p)
	}
	if s.state == session.Closed || s.peerClosed {
		return 0, session.ErrClosed
	}
	return 0, nil
}

func (s *mintSession) WantsRead() bool {
	switch s.state {
	case session.Handshaking:
		return (s.started || !s.client) && s.wire.pendingOut() == 0
	case session.Established:
		return !s.peerClosed
	default:
		return false
	}
}

func (s *mintSession) WantsWrite() bool {
	return s.state != session.Closed && s.wire.pendingOut() > 0
}

func (s *mintSession) IsHandshaking() bool {
	return s.state == session.Handshaking
}

func (s *mintSession) State() session.State {
	return s.state
}

func (s *mintSession) SendCloseNotify() error {
	if s.state == session.Closed {
		return session.ErrClosed
	}
	s.closeSent = true
	return nil
}

func (s *mintSession) Close() error {
	if s.state == session.Closed {
		return nil
	}
	s.state = session.Closed
	s.pending.Reset()
	s.recv.Reset()
	_ = s.wire.Close()
	s.log.Debug("session closed")
	return nil
}

// advance runs mint's handshake state machine until it either needs more
// ciphertext or reaches the connected state.
func (s *mintSession) advance() error {
	for step := 0; s.state == session.Handshaking; step++ {
		if step >= maxSteps {
			return fmt.Errorf("mintls: handshake made no progress after %d transitions", maxSteps)
		}
		alert := s.conn.Handshake()
		switch alert {
		case mint.AlertNoAlert, mint.AlertStatelessRetry:
		case mint.AlertWouldBlock:
			return nil
		default:
			s.fail()
			return &session.ProtocolError{Err: alert}
		}
		hs := s.conn.GetHsState()
		if hs == mint.StateClientConnected || hs == mint.StateServerConnected {
			s.state = session.Established
			s.log.Debug("handshake complete")
			if s.pending.Len() > 0 {
				if _, err := s.writePlain(s.pending.Bytes()); err != nil {
					return err
				}
				s.pending.Reset()
			}
			return nil
		}
	}
	return nil
}

// drain decrypts whatever application records mint has buffered.
func (s *mintSession) drain() error {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.recv.Write(buf[:n])
		}
		switch {
		case err == nil:
			if n == 0 {
				return nil
			}
		case err == mint.AlertWouldBlock:
			return nil
		case err == io.EOF || err == mint.AlertCloseNotify:
			s.peerClosed = true
			return nil
		default:
			s.fail()
			return &session.ProtocolError{Err: err}
		}
	}
}

func (s *mintSession) writePlain(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	if err != nil {
		s.fail()
		return n, &session.ProtocolError{Err: err}
	}
	return n, nil
}

// fail moves the session to Closed after a fatal protocol error, dropping
// buffered state.
func (s *mintSession) fail() {
	s.state = session.Closed
	s.pending.Reset()
	s.recv.Reset()
	_ = s.wire.Close()
}
