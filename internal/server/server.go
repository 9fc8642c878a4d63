// Package server accepts TCP connections on the single chat port and routes
// each one, by its first line, to the command session or to a data handler.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"lanchat/internal/config"
	"lanchat/internal/hub"
	"lanchat/internal/protocol"
	"lanchat/pkg/logger"
)

type Server struct {
	cfg *config.Config
	hub *hub.Hub

	ln   net.Listener
	tune func(*net.TCPConn)

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

func New(cfg *config.Config, h *hub.Hub) *Server {
	return &Server{
		cfg:   cfg,
		hub:   h,
		conns: make(map[net.Conn]struct{}),
		tune:  tuneConn,
	}
}

// Listen binds the chat port. When the configured port is 0 the hub is told
// the port the kernel picked, so data connections are directed correctly.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.hub.SetPort(tcp.Port)
	}
	ln = &tuningListener{Listener: ln, tune: s.tune}
	if s.cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Server.MaxConns)
	}
	s.ln = ln

	logger.Info("server_listening", map[string]interface{}{
		"addr":       ln.Addr().String(),
		"upload_dir": s.cfg.Server.UploadDir,
		"max_conns":  s.cfg.Server.MaxConns,
	})
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or the listener fails,
// then closes every live connection, waits for the handlers and removes the
// transfers left behind.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = s.ln.Close() })
	defer stop()

	var serveErr error
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			serveErr = fmt.Errorf("accept: %w", err)
			break
		}
		if !s.track(conn) {
			_ = conn.Close()
			break
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}

	s.shutdown()
	return serveErr
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) shutdown() {
	_ = s.ln.Close()

	s.mu.Lock()
	s.closing = true
	open := len(s.conns)
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	removed := s.hub.Shutdown()

	logger.Info("server_stopped", map[string]interface{}{
		"closed_conns":      open,
		"removed_transfers": removed,
	})
}

// handleConn reads the handshake line and hands the connection, together with
// its buffered reader, to the matching handler.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	r := bufio.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.Handshake))
	line, err := protocol.ReadLine(r)
	if err != nil {
		logger.Debug("handshake_failed", map[string]interface{}{
			"remote": remote,
			"error":  err.Error(),
		})
		return
	}

	hs := protocol.ParseHandshake(line)
	switch hs.Kind {
	case protocol.HandshakeCommand:
		s.serveCommand(conn, r)
	case protocol.HandshakeUpload:
		s.serveUpload(conn, r, hs.TransferID)
	case protocol.HandshakeDownload:
		s.serveDownload(conn, hs.TransferID)
	default:
		logger.Warn("handshake_unknown", map[string]interface{}{
			"remote": remote,
			"line":   truncate(line, 64),
		})
	}
}

// tuningListener sets socket options on accepted TCP connections. It sits
// under netutil.LimitListener, whose wrapped conns hide the *net.TCPConn.
type tuningListener struct {
	net.Listener
	tune func(*net.TCPConn)
}

func (l *tuningListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok && l.tune != nil {
		l.tune(tc)
	}
	return conn, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
