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

package config

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tlspump/tlspump/internal/testpki"
)

func TestBuildKeyPair(t *testing.T) {
	testPKI, err := testpki.New()
	if err != nil {
		panic(err)
	}

	cfg, err := NewBuilder().
		KeyPair(testPKI.ServerCert, testPKI.ServerKey).
		Build()
	require.NoError(t, err)

	require.Len(t, cfg.KeyPairs(), 1)
	kp := cfg.KeyPairs()[0]
	require.NotEmpty(t, kp.Chain)
	require.NotNil(t, kp.Signer)
	require.Equal(t, "tlspump test server", kp.Chain[0].Subject.CommonName)
}

func TestBuildBadMaterial(t *testing.T) {
	var cfgErr *ConfigError

	_, err := NewBuilder().TrustRoots([]byte("not pem")).Build()
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewBuilder().KeyPair([]byte("not a cert"), []byte("not a key")).Build()
	require.ErrorAs(t, err, &cfgErr)

	_, err = NewBuilder().TrustRootsFile("does/not/exist.pem").Build()
	require.ErrorAs(t, err, &cfgErr)
}

func TestTrustRootsFile(t *testing.T) {
	testPKI, err := testpki.New()
	if err != nil {
		panic(err)
	}
	caPath, _, _, err := testPKI.WriteFiles(t.TempDir())
	require.NoError(t, err)

	cfg, err := NewBuilder().TrustRootsFile(caPath).Build()
	require.NoError(t, err)
	require.NotNil(t, cfg.Roots())
}

func TestBuilderReuse(t *testing.T) {
	b := NewBuilder().ServerName("localhost")

	first, err := b.Build()
	require.NoError(t, err)

	b.InsecureSkipVerify()
	second, err := b.Build()
	require.NoError(t, err)

	// Configs built earlier are unaffected by later Builder mutations.
	require.False(t, first.Insecure())
	require.True(t, second.Insecure())
	require.Equal(t, "localhost", first.ServerName())
}

func TestTLSAssembly(t *testing.T) {
	testPKI, err := testpki.New()
	if err != nil {
		panic(err)
	}

	cfg, err := NewBuilder().
		KeyPair(testPKI.ServerCert, testPKI.ServerKey).
		ClientCAs(testPKI.CaCert).
		MinVersion(tls.VersionTLS13).
		Build()
	require.NoError(t, err)

	tcfg := cfg.TLS()
	require.Len(t, tcfg.Certificates, 1)
	require.Equal(t, tls.RequireAndVerifyClientCert, tcfg.ClientAuth)
	require.NotNil(t, tcfg.ClientCAs)
	require.Equal(t, uint16(tls.VersionTLS13), tcfg.MinVersion)
}
