// Package natsserver runs an in-process NATS server so a single host needs
// no external broker.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

var errNotReady = errors.New("embedded NATS server not ready")

// Server is the embedded broker. A nil *Server is valid and does nothing.
type Server struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches the embedded broker when the bus is enabled in embedded
// mode and returns nil otherwise. Port -1 picks a free port. JetStream is
// only turned on when a store directory is configured.
func Start(cfg config.BusConfig, log *slog.Logger) (*Server, error) {
	if !cfg.Enabled || !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "natsserver"))

	ns, err := server.NewServer(&server.Options{
		ServerName: "loqa-scribe",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  cfg.StoreDir != "",
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("configure embedded NATS: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("%w after %s", errNotReady, readyTimeout)
	}

	log.Info("embedded NATS listening",
		slog.String("url", ns.ClientURL()),
		slog.Bool("jetstream", ns.JetStreamEnabled()))
	return &Server{ns: ns, log: log}, nil
}

// ClientURL is the address clients should dial.
func (s *Server) ClientURL() string {
	if s == nil {
		return ""
	}
	return s.ns.ClientURL()
}

func (s *Server) Shutdown() {
	if s == nil {
		return
	}
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
	s.log.Info("embedded NATS stopped")
}
