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

// Package config builds the immutable negotiation configuration shared by
// sessions. A Builder is mutable and cheap; Build parses everything once and
// the resulting Config is safe to share read-only across any number of
// sessions, with a lifetime independent of all of them.
package config

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ConfigError reports unusable configuration material, typically trust
// roots or key pairs that failed to parse.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Reason, e.Err)
	}
	return "config: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

// KeyPair is a parsed certificate chain plus its signer, in both the
// representations backends consume.
type KeyPair struct {
	Chain  []*x509.Certificate
	Signer crypto.Signer
	TLS    tls.Certificate
}

// Builder accumulates configuration before any session exists. Setters
// return the Builder for chaining; nothing is parsed until Build.
type Builder struct {
	rootsPEM    []byte
	rootsFile   string
	systemRoots bool
	clientCAs   []byte
	keyPairs    [][2][]byte
	serverName  string
	minVersion  uint16
	maxVersion  uint16
	insecure    bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// TrustRoots adds PEM-encoded trust roots for peer verification.
func (b *Builder) TrustRoots(pem []byte) *Builder {
	b.rootsPEM = append(b.rootsPEM, pem...)
	return b
}

// TrustRootsFile reads trust roots from path at Build time.
func (b *Builder) TrustRootsFile(path string) *Builder {
	b.rootsFile = path
	return b
}

// SystemRoots uses the host's root store.
func (b *Builder) SystemRoots() *Builder {
	b.systemRoots = true
	return b
}

// ClientCAs makes a server require and verify client certificates against
// the given PEM roots.
func (b *Builder) ClientCAs(pem []byte) *Builder {
	b.clientCAs = append(b.clientCAs, pem...)
	return b
}

// KeyPair adds a PEM certificate chain and private key.
func (b *Builder) KeyPair(certPEM, keyPEM []byte) *Builder {
	b.keyPairs = append(b.keyPairs, [2][]byte{certPEM, keyPEM})
	return b
}

// ServerName sets the name a client expects the server certificate to
// match.
func (b *Builder) ServerName(name string) *Builder {
	b.serverName = name
	return b
}

// MinVersion bounds the negotiated protocol version from below, using the
// crypto/tls version constants.
func (b *Builder) MinVersion(v uint16) *Builder {
	b.minVersion = v
	return b
}

// MaxVersion bounds the negotiated protocol version from above.
func (b *Builder) MaxVersion(v uint16) *Builder {
	b.maxVersion = v
	return b
}

// InsecureSkipVerify disables peer certificate verification. Testing only.
func (b *Builder) InsecureSkipVerify() *Builder {
	b.insecure = true
	return b
}

// Build parses the accumulated material into an immutable Config. The
// Builder stays usable afterwards.
func (b *Builder) Build() (*Config, error) {
	c := &Config{
		serverName: b.serverName,
		minVersion: b.minVersion,
		maxVersion: b.maxVersion,
		insecure:   b.insecure,
	}

	rootsPEM := b.rootsPEM
	if b.rootsFile != "" {
		data, err := os.ReadFile(b.rootsFile)
		if err != nil {
			return nil, &ConfigError{Reason: "reading trust roots from " + b.rootsFile, Err: err}
		}
		rootsPEM = append(rootsPEM, data...)
	}

	switch {
	case b.systemRoots:
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, &ConfigError{Reason: "loading system trust roots", Err: err}
		}
		if !pool.AppendCertsFromPEM(rootsPEM) && len(rootsPEM) > 0 {
			return nil, &ConfigError{Reason: "no parsable trust roots"}
		}
		c.roots = pool
	case len(rootsPEM) > 0:
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(rootsPEM) {
			return nil, &ConfigError{Reason: "no parsable trust roots"}
		}
		c.roots = pool
	}

	if len(b.clientCAs) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(b.clientCAs) {
			return nil, &ConfigError{Reason: "no parsable client CA roots"}
		}
		c.clientCAs = pool
	}

	for _, pair := range b.keyPairs {
		kp, err := parseKeyPair(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		c.keyPairs = append(c.keyPairs, kp)
	}

	return c, nil
}

func parseKeyPair(certPEM, keyPEM []byte) (KeyPair, error) {
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return KeyPair{}, &ConfigError{Reason: "parsing key pair", Err: err}
	}
	var chain []*x509.Certificate
	for _, der := range tlsCert.Certificate {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return KeyPair{}, &ConfigError{Reason: "parsing certificate chain", Err: err}
		}
		chain = append(chain, cert)
	}
	signer, ok := tlsCert.PrivateKey.(crypto.Signer)
	if !ok {
		return KeyPair{}, &ConfigError{Reason: "private key does not implement crypto.Signer"}
	}
	return KeyPair{Chain: chain, Signer: signer, TLS: tlsCert}, nil
}

// Config is the immutable result of Build. All accessors are read-only and
// safe for concurrent use by any number of sessions.
type Config struct {
	roots      *x509.CertPool
	clientCAs  *x509.CertPool
	keyPairs   []KeyPair
	serverName string
	minVersion uint16
	maxVersion uint16
	insecure   bool
}

// Roots returns the trust roots, or nil when none were configured.
func (c *Config) Roots() *x509.CertPool { return c.roots }

// ClientCAs returns the client CA roots, or nil when client authentication
// is not required.
func (c *Config) ClientCAs() *x509.CertPool { return c.clientCAs }

// KeyPairs returns the configured certificate chains.
func (c *Config) KeyPairs() []KeyPair { return c.keyPairs }

// ServerName returns the expected server name.
func (c *Config) ServerName() string { return c.serverName }

// MinVersion returns the lower protocol bound, zero meaning engine default.
func (c *Config) MinVersion() uint16 { return c.minVersion }

// MaxVersion returns the upper protocol bound, zero meaning engine default.
func (c *Config) MaxVersion() uint16 { return c.maxVersion }

// Insecure reports whether peer verification is disabled.
func (c *Config) Insecure() bool { return c.insecure }

// TLS assembles a fresh crypto/tls configuration equivalent to c, for
// engines built on the standard library.
func (c *Config) TLS() *tls.Config {
	cfg := &tls.Config{
		ServerName:         c.serverName,
		RootCAs:            c.roots,
		MinVersion:         c.minVersion,
		MaxVersion:         c.maxVersion,
		InsecureSkipVerify: c.insecure,
	}
	for _, kp := range c.keyPairs {
		cfg.Certificates = append(cfg.Certificates, kp.TLS)
	}
	if c.clientCAs != nil {
		cfg.ClientCAs = c.clientCAs
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg
}
