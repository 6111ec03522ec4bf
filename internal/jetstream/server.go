// Package jetstream runs the in-process NATS server that carries teed topic
// streams from the proxy to the recorder.
package jetstream

import (
	"errors"
	"fmt"
	"time"

	server "github.com/nats-io/nats-server/v2/server"
	nats "github.com/nats-io/nats.go"
)

// Options configures the embedded server. Zero limits leave the server's own
// defaults in place.
type Options struct {
	StoreDir     string
	MaxStore     int64
	MaxMemory    int64
	ReadyTimeout time.Duration
}

// Server is an embedded NATS server with JetStream enabled and no network
// listener; clients connect in process.
type Server struct {
	ns *server.Server
}

var ErrNotReady = errors.New("nats server not ready")

func NewServer(storeDir string) (*Server, error) {
	return Start(Options{StoreDir: storeDir})
}

func Start(opts Options) (*Server, error) {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}
	ns, err := server.NewServer(&server.Options{
		ServerName:         "graspy",
		DontListen:         true,
		NoSigs:             true,
		JetStream:          true,
		StoreDir:           opts.StoreDir,
		JetStreamMaxStore:  opts.MaxStore,
		JetStreamMaxMemory: opts.MaxMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(opts.ReadyTimeout) {
		ns.Shutdown()
		return nil, ErrNotReady
	}
	return &Server{ns: ns}, nil
}

func (s *Server) Connect() (*nats.Conn, error) {
	nc, err := nats.Connect(s.ns.ClientURL(), nats.InProcessServer(s.ns), nats.Name("graspy"))
	if err != nil {
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}
	return nc, nil
}

// Ready reports whether the server still accepts clients and has JetStream
// running.
func (s *Server) Ready() error {
	if !s.ns.Running() || !s.ns.JetStreamEnabled() {
		return ErrNotReady
	}
	return nil
}

func (s *Server) Shutdown() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
