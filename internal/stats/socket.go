package stats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"
)

// dumpWriteTimeout bounds how long a slow stats client can hold a dump
// connection open.
const dumpWriteTimeout = 5 * time.Second

// Dumper supplies the per-session dump lines for the statistics socket.
// Implemented by the proxy container.
type Dumper interface {
	DumpSessions(w io.Writer) error
}

// SocketServer serves counter and session dumps on a unix-domain stream
// socket. Each accepted connection receives one full dump and is closed.
type SocketServer struct {
	Path     string
	Registry *Registry
	Dumper   Dumper
	Logger   *slog.Logger

	ln net.Listener
}

// Run binds the socket and serves dumps until the context is cancelled.
// A stale socket file from a previous run is removed before binding.
func (s *SocketServer) Run(ctx context.Context) error {
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale stats socket %s: %w", s.Path, err)
	}

	ln, err := net.Listen("unix", s.Path)
	if err != nil {
		return fmt.Errorf("failed to bind stats socket %s: %w", s.Path, err)
	}
	s.ln = ln

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()
	defer os.Remove(s.Path)

	if s.Logger != nil {
		s.Logger.Info("stats socket listening", "path", s.Path)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("stats socket accept: %w", err)
		}
		go s.serveDump(conn)
	}
}

func (s *SocketServer) serveDump(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetWriteDeadline(time.Now().Add(dumpWriteTimeout))

	if s.Registry != nil {
		fmt.Fprintf(conn, "instance %s uptime %s\n",
			s.Registry.InstanceID(), s.Registry.Uptime().Round(time.Second))
	}
	if s.Dumper != nil {
		if err := s.Dumper.DumpSessions(conn); err != nil {
			if s.Logger != nil {
				s.Logger.Debug("stats dump aborted", "error", err)
			}
			return
		}
	}
	if s.Registry != nil {
		_, _ = s.Registry.WriteTo(conn)
	}
}
