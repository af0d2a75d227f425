// Package listener receives presence payloads over TCP or UDP. Each payload
// is one read of at most MaxPayload bytes, handed to a Handler together
// with a correlation id.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/retry"
	"github.com/ovaphlow/pitchfork/service-porch-go/pkg/utilities"
)

const (
	// MaxPayload caps a single event read.
	MaxPayload = 1024

	defaultBindAttempts = 5
	defaultBindInterval = 30 * time.Second
)

// Handler consumes one payload. id correlates the log lines of a payload.
type Handler func(ctx context.Context, id string, payload []byte)

// Config describes one listening socket.
type Config struct {
	Name    string
	Network string // tcp or udp
	Addr    string
	// ReadTimeout bounds the wait for a TCP client's payload.
	ReadTimeout  time.Duration
	BindAttempts uint
	BindInterval time.Duration
}

// Server is a TCP or UDP listener.
type Server struct {
	cfg    Config
	handle Handler
	logger *zap.SugaredLogger

	ready chan struct{}
	mu    sync.Mutex
	addr  net.Addr
}

func New(cfg Config, h Handler, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.BindAttempts == 0 {
		cfg.BindAttempts = defaultBindAttempts
	}
	if cfg.BindInterval == 0 {
		cfg.BindInterval = defaultBindInterval
	}
	return &Server{
		cfg:    cfg,
		handle: h,
		logger: logger.With("listener", cfg.Name, "network", cfg.Network),
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the socket is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve binds the socket, retrying while the address is unavailable, and
// handles payloads until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	switch s.cfg.Network {
	case "tcp":
		return s.serveTCP(ctx)
	case "udp":
		return s.serveUDP(ctx)
	default:
		return fmt.Errorf("listener %s: unsupported network %q", s.cfg.Name, s.cfg.Network)
	}
}

func (s *Server) bind(ctx context.Context, listen func(ctx context.Context) (net.Addr, error)) error {
	addr, err := retry.Do(ctx, retry.Policy{
		Op:       "bind " + s.cfg.Addr,
		Attempts: s.cfg.BindAttempts,
		Interval: s.cfg.BindInterval,
		Logger:   s.logger,
	}, listen)
	if err != nil {
		return fmt.Errorf("listener %s: bind %s: %w", s.cfg.Name, s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
	close(s.ready)
	s.logger.Infow("listening", "addr", addr.String())
	return nil
}

func (s *Server) serveTCP(ctx context.Context) error {
	var ln net.Listener
	var lc net.ListenConfig
	err := s.bind(ctx, func(ctx context.Context) (net.Addr, error) {
		l, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
		if err != nil {
			return nil, err
		}
		ln = l
		return l.Addr(), nil
	})
	if err != nil {
		return err
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warnw("accept failed", "err", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	id := utilities.NewKSUID()
	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	buf := make([]byte, MaxPayload)
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil {
			s.logger.Debugw("connection closed without payload", "id", id, "remote", conn.RemoteAddr().String(), "err", err)
		}
		return
	}
	s.handle(ctx, id, buf[:n])
}

func (s *Server) serveUDP(ctx context.Context) error {
	var pc net.PacketConn
	var lc net.ListenConfig
	err := s.bind(ctx, func(ctx context.Context) (net.Addr, error) {
		c, err := lc.ListenPacket(ctx, "udp", s.cfg.Addr)
		if err != nil {
			return nil, err
		}
		pc = c
		return c.LocalAddr(), nil
	})
	if err != nil {
		return err
	}
	defer pc.Close()
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	buf := make([]byte, MaxPayload)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warnw("read failed", "err", err)
			continue
		}
		if n == 0 {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		id := utilities.NewKSUID()
		s.logger.Debugw("datagram received", "id", id, "remote", from.String(), "size", n)
		s.handle(ctx, id, payload)
	}
}
