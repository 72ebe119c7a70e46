// Package bolt implements the server side of the Bolt v1 protocol for
// NornicBolt.
//
// A client connects, performs the handshake and sends requests as PackStream
// structures split into chunks. Every request is answered with exactly one
// SUCCESS, FAILURE or IGNORED message, preceded by RECORD messages when a
// result is pulled.
//
// Protocol Flow:
//
//  1. Handshake: the client sends the magic 0x6060B017 followed by four
//     proposed versions. The server answers 1 if any of them is 1, or 0 and
//     closes the connection.
//  2. INIT authenticates the connection.
//  3. RUN executes a statement; PULL_ALL streams its records and
//     DISCARD_ALL drops them.
//  4. An error moves the connection to FAILED; ACK_FAILURE or RESET
//     recovers it.
//  5. RESET also interrupts whatever the connection is running.
//
// Threading:
//
// Each network connection has one reading goroutine that decodes requests
// into jobs on the connection's queue. An ExecutorPool runs the jobs on a
// fixed set of workers. When a queue grows past the high watermark the
// reader pauses until the workers have drained it to the low watermark.
//
// Example:
//
//	spi := bolt.NewSPI(ctx, bolt.SPIConfig{
//		Authenticator: bolt.NewAuthenticatorAdapter(authenticator, logger),
//		Transactions:  k,
//	})
//	server, err := bolt.New(cfg.Bolt, spi, logger)
//	if err != nil {
//		return err
//	}
//	defer server.Close()
//	return server.ListenAndServe()
package bolt

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/orneryd/nornicbolt/pkg/config"
	"github.com/orneryd/nornicbolt/pkg/logging"
	"github.com/orneryd/nornicbolt/pkg/metrics"
)

// Magic is the preamble of a Bolt handshake.
const Magic uint32 = 0x6060B017

// DefaultMaxMessageSize bounds a single request.
const DefaultMaxMessageSize = 16 << 20

// Server accepts Bolt connections and runs them on an ExecutorPool.
type Server struct {
	cfg     config.BoltConfig
	spi     SPI
	log     *zap.Logger
	metrics *metrics.Metrics
	limiter *ReadLimiter
	pool    *ExecutorPool

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]*Connection

	wg     sync.WaitGroup
	done   chan struct{}
	closed atomic.Bool
}

// New returns a server for cfg. It fails if the watermarks are invalid.
func New(cfg config.BoltConfig, spi SPI, logger *zap.Logger) (*Server, error) {
	logger = logging.OrNop(logger).Named("bolt")
	limiter, err := NewReadLimiter(cfg.LowWatermark, cfg.HighWatermark, logger)
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		spi:     spi,
		log:     logger,
		limiter: limiter,
		pool:    NewExecutorPool(cfg.Workers, cfg.MaxBatchSize, logger),
		conns:   make(map[net.Conn]*Connection),
		done:    make(chan struct{}),
	}, nil
}

// WithMetrics records connection, message and queue metrics in m.
func (s *Server) WithMetrics(m *metrics.Metrics) *Server {
	s.metrics = m
	s.limiter.WithMetrics(m)
	return s
}

// ListenAndServe listens on the configured address and serves until Close.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.cfg.Address, fmt.Sprint(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Close. It returns nil after
// Close.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("bolt server listening", zap.String("address", listener.Addr().String()))
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "accept")
		}
		go s.ServeConn(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeConn runs the handshake on conn and reads requests until the
// connection ends. The connection is closed on return.
func (s *Server) ServeConn(conn net.Conn) {
	if !s.admit(conn) {
		return
	}
	defer s.wg.Done()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	readBuf := s.cfg.ReadBufferSize
	if readBuf <= 0 {
		readBuf = 8192
	}
	reader := bufio.NewReaderSize(conn, readBuf)
	if err := handshake(reader, conn); err != nil {
		s.log.Info("handshake failed", zap.String("remote", remoteAddr(conn)), zap.Error(err))
		s.release(conn)
		conn.Close()
		return
	}

	gate := newReadGate()
	out := newChunkWriter(conn, s.cfg.WriteBufferSize)
	machine := NewMachine(s.spi, nil, s.log)
	if t, ok := s.spi.(interface{ Track(*Machine) }); ok {
		t.Track(machine)
	}
	c := NewConnection(ConnectionOptions{
		Machine:   machine,
		Channel:   gate,
		Limiter:   s.limiter,
		Scheduler: s.pool,
		Closer:    func() { conn.Close() },
		Logger:    s.log,
		Metrics:   s.metrics,
	})
	s.mu.Lock()
	s.conns[conn] = c
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	s.log.Debug("connection opened", zap.String("connection", c.ID()), zap.String("remote", remoteAddr(conn)))

	defer func() {
		c.Stop()
		s.release(conn)
		s.metrics.ConnectionClosed()
		s.log.Debug("connection closed", zap.String("connection", c.ID()))
	}()

	for {
		if !gate.wait(s.done) || c.IsClosed() {
			return
		}
		data, err := readMessage(reader, DefaultMaxMessageSize)
		if err != nil {
			if !isClosedConn(err) {
				s.log.Info("read failed", zap.String("connection", c.ID()), zap.Error(err))
			}
			return
		}
		s.dispatch(c, out, data)
	}
}

// dispatch turns one request into a job. RESET interrupts the connection
// here, before it is queued behind the work it is meant to stop.
func (s *Server) dispatch(c *Connection, out *chunkWriter, data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		var ne *Neo4jError
		if errors.Is(err, ErrUnknownMessage) {
			ne = NewFatalError(StatusRequestInvalid, err.Error())
		} else {
			ne = NewError(StatusRequestInvalidFormat, err.Error())
		}
		c.Enqueue(func(m *Machine) error {
			w := newResponseWriter(out, "INVALID", s.metrics)
			if err := m.ExternalError(ne, w); err != nil {
				return err
			}
			return writeFatality(w)
		})
		return
	}

	if _, ok := msg.(ResetMessage); ok {
		c.Interrupt()
	}
	c.Enqueue(func(m *Machine) error {
		w := newResponseWriter(out, msg.String(), s.metrics)
		if err := m.Process(msg, w); err != nil {
			return err
		}
		return writeFatality(w)
	})
}

func writeFatality(w *responseWriter) error {
	if err := w.Err(); err != nil {
		return &ConnectionFatality{Message: err.Error()}
	}
	return nil
}

func (s *Server) admit(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		conn.Close()
		return false
	}
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		s.log.Warn("connection limit reached", zap.Int("max_connections", s.cfg.MaxConnections), zap.String("remote", remoteAddr(conn)))
		conn.Close()
		return false
	}
	// reserve the slot until the handshake is done
	s.conns[conn] = nil
	s.wg.Add(1)
	return true
}

func (s *Server) release(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops accepting, closes every connection, waits for their readers
// and drains the executor pool. Open transactions are rolled back.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.pool.Close()
	s.log.Info("bolt server closed")
	if err != nil && !isClosedConn(err) {
		return errors.Wrap(err, "close listener")
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (s *Server) IsClosed() bool { return s.closed.Load() }

// handshake reads the magic and four proposed versions and answers with the
// agreed version.
func handshake(r io.Reader, w io.Writer) error {
	var buf [20]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return errors.Wrap(err, "read handshake")
	}
	if magic := binary.BigEndian.Uint32(buf[:4]); magic != Magic {
		return errors.Wrapf(ErrInvalidHandshake, "magic 0x%08X", magic)
	}
	var agreed uint32
	for i := 0; i < 4; i++ {
		if binary.BigEndian.Uint32(buf[4+i*4:]) == ProtocolVersion {
			agreed = ProtocolVersion
			break
		}
	}
	var reply [4]byte
	binary.BigEndian.PutUint32(reply[:], agreed)
	if _, err := w.Write(reply[:]); err != nil {
		return errors.Wrap(err, "write handshake")
	}
	if agreed == 0 {
		return errors.Wrap(ErrInvalidHandshake, "no supported version proposed")
	}
	return nil
}

func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

func remoteAddr(conn net.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
