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

// tlspump-echo is a line-oriented echo service used to exercise the library
// end to end. It runs as a server, a client, or a one-shot PKI generator so
// that the first two have material to agree on.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tlspump/tlspump"
	"github.com/tlspump/tlspump/internal/testpki"
	"github.com/tlspump/tlspump/pkg/config"
)

func main() {
	mode := flag.String("mode", "server", "server, client or pki")
	configPath := flag.String("config", "", "path to a YAML config file")
	out := flag.String("out", ".", "output directory for -mode pki")
	flag.Parse()

	v := viper.New()
	v.SetDefault("listen", "127.0.0.1:8443")
	v.SetDefault("connect", "127.0.0.1:8443")
	v.SetDefault("backend", "")
	v.SetDefault("server_name", "localhost")
	v.SetDefault("ca_file", "ca.pem")
	v.SetDefault("cert_file", "server-cert.pem")
	v.SetDefault("key_file", "server-key.pem")
	v.SetDefault("log_level", "info")
	v.SetDefault("message", "hello over tls")
	if *configPath != "" {
		v.SetConfigFile(*configPath)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := newLogger(v.GetString("log_level"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	switch *mode {
	case "pki":
		err = generatePKI(*out, log)
	case "server":
		err = runServer(v, log)
	case "client":
		err = runClient(v, log)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatal("exiting", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func generatePKI(dir string, log *zap.Logger) error {
	pki, err := testpki.New()
	if err != nil {
		return err
	}
	caPath, certPath, keyPath, err := pki.WriteFiles(dir)
	if err != nil {
		return err
	}
	log.Info("wrote PKI material",
		zap.String("ca", caPath),
		zap.String("cert", certPath),
		zap.String("key", keyPath))
	return nil
}

func runServer(v *viper.Viper, log *zap.Logger) error {
	certPEM, err := os.ReadFile(v.GetString("cert_file"))
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(v.GetString("key_file"))
	if err != nil {
		return err
	}
	cfg, err := config.NewBuilder().KeyPair(certPEM, keyPEM).Build()
	if err != nil {
		return err
	}

	server, err := tlspump.NewServer(cfg, pumpOptions(v, log)...)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", v.GetString("listen"))
	if err != nil {
		return err
	}
	defer func() {
		_ = listener.Close()
	}()
	log.Info("listening",
		zap.String("address", listener.Addr().String()),
		zap.String("backend", server.Backend()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := echo(server, conn, log); err != nil {
				log.Warn("connection failed", zap.Error(err))
			}
		}()
	}
}

func echo(server *tlspump.Server, conn net.Conn, log *zap.Logger) error {
	defer func() {
		_ = conn.Close()
	}()
	tlsConn, err := server.Connection(conn)
	if err != nil {
		return err
	}
	defer func() {
		_ = tlsConn.Close()
	}()
	log.Info("session established", zap.String("remote", conn.RemoteAddr().String()))
	scanner := bufio.NewScanner(tlsConn)
	for scanner.Scan() {
		if _, err := fmt.Fprintln(tlsConn, scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func runClient(v *viper.Viper, log *zap.Logger) error {
	caPEM, err := os.ReadFile(v.GetString("ca_file"))
	if err != nil {
		return err
	}
	cfg, err := config.NewBuilder().
		TrustRoots(caPEM).
		ServerName(v.GetString("server_name")).
		Build()
	if err != nil {
		return err
	}

	client, err := tlspump.NewClient(cfg, pumpOptions(v, log)...)
	if err != nil {
		return err
	}

	conn, err := net.Dial("tcp", v.GetString("connect"))
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close()
	}()
	tlsConn, err := client.Connection(conn)
	if err != nil {
		return err
	}
	defer func() {
		_ = tlsConn.Close()
	}()

	message := v.GetString("message")
	if _, err := fmt.Fprintln(tlsConn, message); err != nil {
		return err
	}
	reply, err := bufio.NewReader(tlsConn).ReadString('\n')
	if err != nil && err != io.EOF {
		return err
	}
	log.Info("echo received",
		zap.String("backend", client.Backend()),
		zap.String("sent", message),
		zap.String("reply", reply))
	return nil
}

func pumpOptions(v *viper.Viper, log *zap.Logger) []tlspump.Option {
	opts := []tlspump.Option{tlspump.WithLogger(log)}
	if name := v.GetString("backend"); name != "" {
		opts = append(opts, tlspump.WithBackend(name))
	}
	return opts
}
