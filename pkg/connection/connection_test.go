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

package connection

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/loopholelabs/testing/conn/pair"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tlspump/tlspump/internal/testpki"
	"github.com/tlspump/tlspump/pkg/config"
	"github.com/tlspump/tlspump/pkg/session"
	"github.com/tlspump/tlspump/pkg/std"
	"github.com/tlspump/tlspump/pkg/transport"
)

// establish runs a blocking handshake over the socket pair and returns both
// established sessions.
func establish(t *testing.T, serverSocket, clientSocket net.Conn) (clientSession, serverSession session.Session) {
	t.Helper()
	testPKI, err := testpki.New()
	if err != nil {
		panic(err)
	}

	clientCfg, err := config.NewBuilder().
		TrustRoots(testPKI.CaCert).
		ServerName("localhost").
		Build()
	require.NoError(t, err)

	serverCfg, err := config.NewBuilder().
		KeyPair(testPKI.ServerCert, testPKI.ServerKey).
		Build()
	require.NoError(t, err)

	engine := std.New()
	log := zaptest.NewLogger(t)

	clientRead, clientWrite := transport.FromConn(clientSocket)
	clientSession, err = engine.NewClientSession(clientCfg, clientRead, clientWrite, log)
	require.NoError(t, err)

	serverRead, serverWrite := transport.FromConn(serverSocket)
	serverSession, err = engine.NewServerSession(serverCfg, serverRead, serverWrite, log)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := clientSession.Write(nil)
		require.NoError(t, err)
		_, err = clientSession.WriteTLS()
		require.NoError(t, err)
	}()
	_, err = serverSession.ReadTLS()
	require.NoError(t, err)
	wg.Wait()

	require.False(t, clientSession.IsHandshaking())
	require.False(t, serverSession.IsHandshaking())
	return clientSession, serverSession
}

func TestConnection(t *testing.T) {
	serverSocket, clientSocket, err := pair.New()
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		_ = serverSocket.Close()
		_ = clientSocket.Close()
	})

	clientSession, serverSession := establish(t, serverSocket, clientSocket)

	clientConn, err := New(clientSocket, clientSession)
	require.NoError(t, err)
	serverConn, err := New(serverSocket, serverSession)
	require.NoError(t, err)

	message := []byte("through the net.Conn surface")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := clientConn.Write(message)
		require.NoError(t, err)
		require.Equal(t, len(message), n)

		buf := make([]byte, len(message))
		_, err = io.ReadFull(clientConn, buf)
		require.NoError(t, err)
		require.Equal(t, message, buf)

		require.NoError(t, clientConn.Close())
	}()

	buf := make([]byte, len(message))
	_, err = io.ReadFull(serverConn, buf)
	require.NoError(t, err)
	require.Equal(t, message, buf)

	n, err := serverConn.Write(buf)
	require.NoError(t, err)
	require.Equal(t, len(message), n)

	// After the peer closes, reads drain to EOF.
	_, err = serverConn.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	wg.Wait()
	_ = serverConn.Close()
}

func TestNewRejectsHandshaking(t *testing.T) {
	testPKI, err := testpki.New()
	if err != nil {
		panic(err)
	}
	cfg, err := config.NewBuilder().
		TrustRoots(testPKI.CaCert).
		ServerName("localhost").
		Build()
	require.NoError(t, err)

	end, _ := transport.NewPipe()
	sess, err := std.New().NewClientSession(cfg, end.Read, end.Write, nil)
	require.NoError(t, err)

	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		_ = c1.Close()
		_ = c2.Close()
	})
	_, err = New(c1, sess)
	require.Error(t, err)
}
