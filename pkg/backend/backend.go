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

// Package backend dispatches between compiled-in TLS engines. Which engines
// exist is a build-time decision (registration lives behind build tags at
// the repository root); which engine a given client or server uses is fixed
// at construction time. The pump call sequence is identical across engines.
package backend

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/tlspump/tlspump/pkg/config"
	"github.com/tlspump/tlspump/pkg/session"
	"github.com/tlspump/tlspump/pkg/transport"
)

// Engine is the capability set a TLS backend provides behind the uniform
// session interface.
type Engine interface {
	// Name identifies the engine for construction-time selection.
	Name() string

	// Version orders engines when no explicit selection is made.
	Version() *version.Version

	// NewClientSession creates a client session bound to the callback pair
	// for its whole life.
	NewClientSession(cfg *config.Config, read transport.ReadFunc, write transport.WriteFunc, log *zap.Logger) (session.Session, error)

	// NewServerSession creates a server session bound to the callback pair
	// for its whole life.
	NewServerSession(cfg *config.Config, read transport.ReadFunc, write transport.WriteFunc, log *zap.Logger) (session.Session, error)
}

var (
	mu      sync.RWMutex
	engines = make(map[string]Engine)
)

// Register makes an engine selectable. It panics on duplicate names, which
// would indicate two backends compiled in under the same identity.
func Register(e Engine) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := engines[e.Name()]; ok {
		panic("backend: engine already registered: " + e.Name())
	}
	engines[e.Name()] = e
}

// Lookup returns the engine registered under name.
func Lookup(name string) (Engine, error) {
	mu.RLock()
	defer mu.RUnlock()
	e, ok := engines[name]
	if !ok {
		return nil, fmt.Errorf("backend: no engine registered under %q (have %v)", name, names())
	}
	return e, nil
}

// Default returns the newest registered engine, ordered by Version with the
// name as a tiebreak.
func Default() (Engine, error) {
	mu.RLock()
	defer mu.RUnlock()
	var best Engine
	for _, e := range engines {
		if best == nil {
			best = e
			continue
		}
		switch e.Version().Compare(best.Version()) {
		case 1:
			best = e
		case 0:
			if e.Name() < best.Name() {
				best = e
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("backend: no engines compiled in")
	}
	return best, nil
}

// Names lists the registered engines.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return names()
}

func names() []string {
	out := make([]string, 0, len(engines))
	for name := range engines {
		out = append(out, name)
	}
	return out
}
