// SPDX-FileCopyrightText: (C) 2026 Opaquefs Contributors
// SPDX-License-Identifier: Apache 2.0

package ftpserver

import (
	"context"
	"log/slog"
	"net"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/opaquefs/opaquefs/internal/account"
)

// Config holds the accept-loop and admission-control knobs (spec.md §5).
type Config struct {
	Listen         string
	ServerRoot     string
	IdleTimeout    time.Duration
	MaxCons        int
	MaxConsPerIP   int
	ShutdownWindow time.Duration

	// OnListen, if set, is called once with the bound address after the
	// listener is up (useful for tests that bind to ":0").
	OnListen func(addr string)
}

// DefaultConfig matches the reference limits named in spec.md §5.
func DefaultConfig() Config {
	return Config{
		Listen:         "127.0.0.1:2121",
		IdleTimeout:    DefaultIdleTimeout,
		MaxCons:        256,
		MaxConsPerIP:   5,
		ShutdownWindow: 5 * time.Second,
	}
}

// Server accepts control connections and spawns one Session per connection,
// admitting them under a global cap and a per-IP cap.
type Server struct {
	cfg      Config
	accounts *account.Store
	log      *slog.Logger

	limiter *rate.Limiter

	mu    sync.Mutex
	total int
	perIP map[string]int
}

// New builds a Server. accounts must already be open; the caller retains
// ownership and should close it after Run returns.
func New(cfg Config, accounts *account.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxCons <= 0 {
		cfg.MaxCons = DefaultConfig().MaxCons
	}
	if cfg.MaxConsPerIP <= 0 {
		cfg.MaxConsPerIP = DefaultConfig().MaxConsPerIP
	}
	if cfg.ShutdownWindow <= 0 {
		cfg.ShutdownWindow = DefaultConfig().ShutdownWindow
	}
	return &Server{
		cfg:      cfg,
		accounts: accounts,
		log:      log,
		// one admission decision per incoming connection; bursts up to
		// MaxCons let a fleet of already-open sessions reconnect together
		// after a blip without each one queuing individually.
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxCons), cfg.MaxCons),
		perIP:   make(map[string]int),
	}
}

// Run listens on cfg.Listen and serves connections until ctx is cancelled or
// a SIGINT/SIGTERM arrives, then drains in-flight sessions for up to
// cfg.ShutdownWindow before returning.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	defer func() { _ = ln.Close() }()
	s.log.Info("listening", "addr", ln.Addr().String())
	if s.cfg.OnListen != nil {
		s.cfg.OnListen(ln.Addr().String())
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.log.Debug("shutting down, closing listener")
		_ = ln.Close()
		close(done)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-done:
				s.drain(&wg)
				return nil
			default:
				s.log.Error("accept failed", "err", err)
				return err
			}
		}

		ip := remoteIP(conn)
		if !s.admit(ip) {
			s.log.Warn("connection refused: over limit", "remote", conn.RemoteAddr().String())
			_ = reply(conn, 421, "Too many connections, try again later.")
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.release(ip)
			sess := NewSession(conn, s.accounts, s.cfg.ServerRoot, s.cfg.IdleTimeout, s.log)
			sess.Serve()
		}()
	}
}

// drain waits for in-flight sessions to finish, up to cfg.ShutdownWindow,
// then returns regardless so Run can shut down on a bounded schedule.
func (s *Server) drain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownWindow):
		s.log.Warn("shutdown window elapsed with sessions still in flight")
	}
}

// admit applies the global rate limiter and both the global and per-IP
// connection caps (spec.md §5: max_cons, max_cons_per_ip).
func (s *Server) admit(ip string) bool {
	if !s.limiter.Allow() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.total >= s.cfg.MaxCons {
		return false
	}
	if s.perIP[ip] >= s.cfg.MaxConsPerIP {
		return false
	}
	s.total++
	s.perIP[ip]++
	return true
}

func (s *Server) release(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total--
	s.perIP[ip]--
	if s.perIP[ip] <= 0 {
		delete(s.perIP, ip)
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
