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

package tlspump

import (
	"net"

	"go.uber.org/zap"

	"github.com/tlspump/tlspump/pkg/backend"
	"github.com/tlspump/tlspump/pkg/config"
	"github.com/tlspump/tlspump/pkg/connection"
	"github.com/tlspump/tlspump/pkg/session"
	"github.com/tlspump/tlspump/pkg/transport"
)

// Server mints server sessions from one shared Config.
type Server struct {
	engine backend.Engine
	config *config.Config
	log    *zap.Logger
}

// NewServer binds cfg to an engine. The Config is shared read-only by every
// session the Server creates.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	engine, log, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Server{
		engine: engine,
		config: cfg,
		log:    log,
	}, nil
}

// Backend returns the name of the engine in use.
func (s *Server) Backend() string {
	return s.engine.Name()
}

// Session creates a server session bound to the callback pair for its whole
// life. The caller drives the pump.
func (s *Server) Session(read transport.ReadFunc, write transport.WriteFunc) (session.Session, error) {
	return s.engine.NewServerSession(s.config, read, write, s.log)
}

// Connection performs the handshake over conn and returns a net.Conn
// carrying application data. conn must be blocking.
func (s *Server) Connection(conn net.Conn) (net.Conn, error) {
	read, write := transport.FromConn(conn)
	sess, err := s.engine.NewServerSession(s.config, read, write, s.log)
	if err != nil {
		return nil, err
	}
	if err := handshake(sess); err != nil {
		return nil, err
	}
	return connection.New(conn, sess)
}
