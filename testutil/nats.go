// Package testutil provides test helpers shared across rmachat packages,
// chiefly an embedded NATS server.
package testutil

import (
	"net"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// NATSServer is an embedded NATS server bound to a fixed port so it can be
// restarted to exercise client reconnects.
type NATSServer struct {
	t        testing.TB
	port     int
	storeDir string
	srv      *server.Server
}

// StartNATS starts an embedded NATS server with JetStream enabled. The
// server is shut down when the test ends.
func StartNATS(t testing.TB) *NATSServer {
	t.Helper()

	s := &NATSServer{t: t, port: -1, storeDir: t.TempDir()}
	s.start()
	s.port = s.srv.Addr().(*net.TCPAddr).Port

	t.Cleanup(s.Shutdown)
	return s
}

func (s *NATSServer) start() {
	s.t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      s.port,
		JetStream: true,
		StoreDir:  s.storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		s.t.Fatalf("create embedded NATS server: %v", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		s.t.Fatalf("embedded NATS server failed to start")
	}
	s.srv = ns
}

// URL returns the client URL of the server.
func (s *NATSServer) URL() string {
	return s.srv.ClientURL()
}

// Shutdown stops the server. It is safe to call more than once.
func (s *NATSServer) Shutdown() {
	if s.srv == nil {
		return
	}
	s.srv.Shutdown()
	s.srv.WaitForShutdown()
	s.srv = nil
}

// Restart stops the server if it is running and starts it again on the
// same port.
func (s *NATSServer) Restart() {
	s.t.Helper()
	s.Shutdown()
	s.start()
}
