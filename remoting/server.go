package remoting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	*Endpoint

	mu sync.Mutex
	ln net.Listener
}

func NewServer(cfg Config, log *zap.Logger, opts ...Option) *Server {
	return &Server{Endpoint: newEndpoint(cfg, log.Named("server"), opts)}
}

// Listen открывает listener. MaxConns ограничивает число одновременно
// принятых соединений, остальные ждут в Accept.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	return ln.Addr(), nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve принимает соединения до отмены ctx, затем закрывает все принятые.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("serve: %w", net.ErrClosed)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return closeListener(ln)
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			s.ServeConn(ctx, nc)
		}
	})

	err := g.Wait()
	s.shutdown()
	s.log.Info("server stopped")
	return err
}

func (s *Server) InvokeSync(ctx context.Context, id ConnID, t *Transporter, timeout time.Duration) (*Transporter, error) {
	c, ok := s.Conn(id)
	if !ok {
		return nil, &SendError{Err: fmt.Errorf("connection %s: %w", id, ErrClosed)}
	}
	return c.InvokeSync(ctx, t, timeout)
}

func (s *Server) InvokeAsync(id ConnID, t *Transporter, timeout time.Duration, fn ResponseFunc) error {
	c, ok := s.Conn(id)
	if !ok {
		return &SendError{Err: fmt.Errorf("connection %s: %w", id, ErrClosed)}
	}
	return c.InvokeAsync(t, timeout, fn)
}

// Close закрывает listener и все соединения, не дожидаясь отмены контекста Serve.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = closeListener(ln)
	}
	s.shutdown()
	return err
}

// closeListener listener закрывают и Serve, и Close: повторное закрытие не ошибка.
func closeListener(ln net.Listener) error {
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
