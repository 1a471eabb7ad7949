package redis

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/oklog/ulid/v2"
	"github.com/ryz-labs/glimmerdb/internal/resp"
	"github.com/ryz-labs/glimmerdb/internal/telemetry/logger"
	"github.com/ryz-labs/glimmerdb/internal/telemetry/metric"
)

// Config holds the connection-handling parameters of the server.
type Config struct {
	// Address is the listen address, e.g. "0.0.0.0:6379".
	Address string
	// ReadTimeout bounds reading a single command once the first byte of
	// it has arrived (default 30s). Guards against slowloris.
	ReadTimeout time.Duration
	// WriteTimeout bounds flushing a reply (default 30s).
	WriteTimeout time.Duration
	// IdleTimeout bounds how long a connection may sit between commands
	// (default 5m).
	IdleTimeout time.Duration
	// RateLimitRPS and RateLimitBurst configure the per-connection token
	// bucket. RateLimitRPS <= 0 disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// DefaultConfig returns the default connection-handling configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:      "0.0.0.0:6379",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  5 * time.Minute,
	}
}

// Server accepts TCP connections and spawns a worker per client.
type Server struct {
	cfg     *Config
	handler *CommandHandler
	log     logger.Logger
	metrics *metric.Registry

	ln      net.Listener
	running atomic.Bool
	wg      sync.WaitGroup
}

// Conn is a single client connection: the RESP byte stream plus this
// connection's transaction buffer.
type Conn struct {
	id      string
	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	limiter *rate.Limiter

	closed atomic.Bool
	txn    Transaction

	// isReplicaSink is set once this connection completes PSYNC; from
	// then on its bw is registered with the replication registry and
	// the connection worker only keeps the socket open, it stops being
	// driven by client commands.
	isReplicaSink bool
}

func newConn(c net.Conn, limiter *rate.Limiter) *Conn {
	return &Conn{
		id:      ulid.Make().String(),
		netConn: c,
		br:      bufio.NewReader(c),
		bw:      bufio.NewWriter(c),
		limiter: limiter,
	}
}

// NewApplyConn returns a Conn with nowhere to send replies, the sink a
// replica's apply-only loop hands to CommandHandler.Handle for each
// command streamed from its master.
func NewApplyConn() *Conn {
	return &Conn{id: "replica-apply", bw: bufio.NewWriter(io.Discard)}
}

// Write implements replication.Sink so a connection whose PSYNC
// completed can be registered directly with the replica registry.
func (c *Conn) Write(p []byte) (int, error) { return c.bw.Write(p) }

// Flush implements replication.Sink.
func (c *Conn) Flush() error { return c.bw.Flush() }

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.netConn.Close()
}

func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// New creates a Server around handler, ready to Serve once started.
func New(cfg *Config, handler *CommandHandler, log logger.Logger, metrics *metric.Registry) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Server{cfg: cfg, handler: handler, log: log, metrics: metrics}
}

// Serve binds cfg.Address and runs the accept loop until ctx is
// cancelled or Shutdown is called. It returns after the listener
// closes and every in-flight connection worker has exited.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.ln = ln
	s.running.Store(true)
	s.log.Info("listening", "address", s.cfg.Address)

	for {
		c, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
			}
			return err
		}

		var limiter *rate.Limiter
		if s.cfg.RateLimitRPS > 0 {
			limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateLimitBurst)
		}
		conn := newConn(c, limiter)

		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectedClients.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.metrics.ConnectedClients.Dec()
			s.serveConn(ctx, conn)
		}()
	}
}

// Shutdown stops accepting new connections and waits (bounded by ctx)
// for in-flight workers to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)
	if s.ln != nil {
		if err := s.ln.Close(); err != nil {
			return err
		}
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) serveConn(ctx context.Context, c *Conn) {
	defer c.Close()
	connLog := s.log.With("client_id", c.id, "remote_addr", c.RemoteAddr().String())

	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}

		if err := c.netConn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		if _, err := c.br.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				connLog.Debug("idle timeout")
				return
			}
			connLog.Debug("read error", "error", err)
			return
		}

		if err := c.netConn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return
		}

		args, err := resp.ReadCommand(c.br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				connLog.Debug("command read timeout")
				return
			}
			_ = c.netConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if errors.Is(err, resp.ErrLimitExceeded) {
				connLog.Warn("protocol limit exceeded", "error", err)
				_ = resp.WriteError(c.bw, "ERR protocol limit exceeded")
			} else {
				_ = resp.WriteError(c.bw, "ERR protocol error: "+err.Error())
			}
			_ = c.bw.Flush()
			return
		}

		if len(args) == 0 {
			_ = c.netConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = resp.WriteError(c.bw, "ERR no command")
			_ = c.bw.Flush()
			continue
		}

		start := time.Now()
		name := s.handler.Handle(c, args)
		s.metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		if c.isReplicaSink {
			// PSYNC just finished; this connection is now driven purely
			// by propagation writes from the replica registry. Keep
			// blocking on a read so a replica disconnect is still
			// noticed (and its deferred Close runs) without this worker
			// spinning.
			discard := make([]byte, 1)
			for {
				if _, err := c.netConn.Read(discard); err != nil {
					return
				}
			}
		}

		if err := c.netConn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return
		}
		if err := c.bw.Flush(); err != nil {
			return
		}
	}
}
