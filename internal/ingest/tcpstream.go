package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"raidguard/internal/config"
	"raidguard/internal/model"
)

// TCPStream accepts connections carrying one event per line.
type TCPStream struct {
	cfg    *config.Manager
	out    chan<- model.Event
	logger *slog.Logger
}

func NewTCPStream(cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) *TCPStream {
	return &TCPStream{cfg: cfg, out: out, logger: logger}
}

func (s *TCPStream) String() string { return "ingest-tcp" }

func (s *TCPStream) Serve(ctx context.Context) error {
	addr := s.cfg.Get().Ingest.TCPStream.Addr
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp stream listen %s: %w", addr, err)
	}
	if s.logger != nil {
		s.logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	return s.serve(ctx, ln)
}

func (s *TCPStream) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			if s.logger != nil {
				s.logger.Warn("tcp stream accept error", "err", err)
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *TCPStream) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	parser := NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		handleLine(ctx, parser, s.cfg, scanner.Text(), "tcp_stream", s.out, s.logger)
		if ctx.Err() != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && s.logger != nil {
		s.logger.Warn("tcp stream scanner error", "err", err)
	}
}
