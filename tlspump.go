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

// Package tlspump decouples application code from a specific TLS backend.
// Sessions expose a cooperative, caller-driven pump (ReadTLS,
// ProcessNewPackets, Read on one side; Write, WriteTLS on the other)
// identical across every compiled-in engine, plus a net.Conn convenience
// path for blocking transports.
package tlspump

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tlspump/tlspump/pkg/backend"
	"github.com/tlspump/tlspump/pkg/session"
	"github.com/tlspump/tlspump/pkg/transport"
)

// handshakeBudget bounds the pump alternations Connection spends on a
// handshake. A TLS 1.3 negotiation needs well under ten.
const handshakeBudget = 64

// Option adjusts a Client or Server.
type Option func(*options)

type options struct {
	backendName string
	log         *zap.Logger
}

// WithBackend selects an engine by name instead of the registry default.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backendName = name
	}
}

// WithLogger attaches a logger. The default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

func applyOptions(opts []Option) (backend.Engine, *zap.Logger, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.backendName != "" {
		engine, err := backend.Lookup(o.backendName)
		return engine, o.log, err
	}
	engine, err := backend.Default()
	return engine, o.log, err
}

// handshake drives sess to Established over blocking callbacks. It arms the
// handshake, then alternates writes and reads based on the wants flags, and
// finally flushes whatever the last transition queued.
func handshake(sess session.Session) error {
	if _, err := sess.Write(nil); err != nil {
		return err
	}
	for i := 0; sess.IsHandshaking(); i++ {
		if i >= handshakeBudget {
			return fmt.Errorf("tlspump: handshake did not complete within %d alternations", handshakeBudget)
		}
		if err := flush(sess); err != nil {
			return err
		}
		if sess.IsHandshaking() && sess.WantsRead() {
			if _, err := sess.ReadTLS(); err != nil && !errors.Is(err, transport.ErrWouldBlock) {
				return err
			}
		}
		if err := sess.ProcessNewPackets(); err != nil {
			return err
		}
	}
	return flush(sess)
}

func flush(sess session.Session) error {
	for sess.WantsWrite() {
		if _, err := sess.WriteTLS(); err != nil {
			if errors.Is(err, transport.ErrWouldBlock) {
				// A deadline on the underlying conn expired; spinning
				// here would never terminate.
				return os.ErrDeadlineExceeded
			}
			return err
		}
	}
	return nil
}
