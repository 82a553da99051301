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
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loopholelabs/testing/conn/pair"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tlspump/tlspump/internal/testpki"
	"github.com/tlspump/tlspump/pkg/config"
	"github.com/tlspump/tlspump/pkg/session"
	"github.com/tlspump/tlspump/pkg/transport"
)

func testConfigs(t *testing.T) (clientCfg, serverCfg *config.Config) {
	t.Helper()
	testPKI, err := testpki.New()
	if err != nil {
		panic(err)
	}

	clientCfg, err = config.NewBuilder().
		TrustRoots(testPKI.CaCert).
		ServerName("localhost").
		Build()
	require.NoError(t, err)

	serverCfg, err = config.NewBuilder().
		KeyPair(testPKI.ServerCert, testPKI.ServerKey).
		Build()
	require.NoError(t, err)
	return clientCfg, serverCfg
}

func TestConnection(t *testing.T) {
	for _, name := range []string{"mint", "std"} {
		t.Run(name, func(t *testing.T) {
			clientCfg, serverCfg := testConfigs(t)
			log := zaptest.NewLogger(t)

			client, err := NewClient(clientCfg, WithBackend(name), WithLogger(log))
			require.NoError(t, err)
			require.Equal(t, name, client.Backend())

			server, err := NewServer(serverCfg, WithBackend(name), WithLogger(log))
			require.NoError(t, err)

			serverSocket, clientSocket, err := pair.New()
			if err != nil {
				panic(err)
			}
			t.Cleanup(func() {
				_ = serverSocket.Close()
				_ = clientSocket.Close()
			})

			message := []byte("backend-agnostic echo")

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.Log("client initiating handshake")
				conn, err := client.Connection(clientSocket)
				require.NoError(t, err)
				t.Log("client handshake complete")

				_, err = conn.Write(message)
				require.NoError(t, err)

				buf := make([]byte, len(message))
				_, err = io.ReadFull(conn, buf)
				require.NoError(t, err)
				require.Equal(t, message, buf)

				require.NoError(t, conn.Close())
			}()

			t.Log("server initiating handshake")
			conn, err := server.Connection(serverSocket)
			require.NoError(t, err)
			t.Log("server handshake complete")

			buf := make([]byte, len(message))
			_, err = io.ReadFull(conn, buf)
			require.NoError(t, err)
			require.Equal(t, message, buf)

			_, err = conn.Write(buf)
			require.NoError(t, err)

			_, err = conn.Read(buf)
			require.ErrorIs(t, err, io.EOF)

			wg.Wait()
			_ = conn.Close()
		})
	}
}

// TestSession drives the raw pump from one goroutine over an in-memory
// transport, using the default backend.
func TestSession(t *testing.T) {
	clientCfg, serverCfg := testConfigs(t)
	log := zaptest.NewLogger(t)

	client, err := NewClient(clientCfg, WithLogger(log))
	require.NoError(t, err)
	server, err := NewServer(serverCfg, WithLogger(log))
	require.NoError(t, err)

	clientEnd, serverEnd := transport.NewPipe()
	clientSession, err := client.Session(clientEnd.Read, clientEnd.Write)
	require.NoError(t, err)
	serverSession, err := server.Session(serverEnd.Read, serverEnd.Write)
	require.NoError(t, err)

	pump := func(s session.Session) {
		for s.WantsWrite() {
			_, err := s.WriteTLS()
			require.NoError(t, err)
		}
		if s.WantsRead() {
			if _, err := s.ReadTLS(); err != nil && !errors.Is(err, transport.ErrWouldBlock) {
				t.Fatalf("ReadTLS: %v", err)
			}
		}
		require.NoError(t, s.ProcessNewPackets())
	}

	_, err = clientSession.Write(nil)
	require.NoError(t, err)
	for i := 0; clientSession.IsHandshaking() || serverSession.IsHandshaking(); i++ {
		require.Less(t, i, 16, "handshake did not complete")
		pump(clientSession)
		pump(serverSession)
	}
	pump(clientSession)

	message := []byte("pumped by hand")
	_, err = clientSession.Write(message)
	require.NoError(t, err)
	pump(clientSession)
	pump(serverSession)

	buf := make([]byte, len(message))
	n, err := serverSession.Read(buf)
	require.NoError(t, err)
	require.Equal(t, message, buf[:n])

	require.NoError(t, clientSession.Close())
	require.NoError(t, serverSession.Close())
}

func TestConnectionExpiredDeadline(t *testing.T) {
	clientCfg, _ := testConfigs(t)

	client, err := NewClient(clientCfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	serverSocket, clientSocket, err := pair.New()
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		_ = serverSocket.Close()
		_ = clientSocket.Close()
	})

	// An expired write deadline must fail the handshake, not spin.
	require.NoError(t, clientSocket.SetWriteDeadline(time.Now().Add(-time.Second)))

	done := make(chan error, 1)
	go func() {
		_, err := client.Connection(clientSocket)
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("Connection did not return on an expired write deadline")
	}
}

func TestDefaultBackend(t *testing.T) {
	clientCfg, _ := testConfigs(t)

	client, err := NewClient(clientCfg)
	require.NoError(t, err)
	require.Equal(t, "mint", client.Backend())
}

func TestUnknownBackend(t *testing.T) {
	clientCfg, _ := testConfigs(t)

	_, err := NewClient(clientCfg, WithBackend("bogus"))
	require.Error(t, err)
}
