package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/guseggert/scenariorunner/codec"
	"github.com/guseggert/scenariorunner/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrClosed is returned when using a session after Close.
var ErrClosed = errors.New("ipc: session closed")

const (
	defaultFlushTimeout = 5 * time.Second
	readBuffer          = 16
)

type Option func(s *Session)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithFlushTimeout bounds how long Close waits for queued writes to reach the peer.
func WithFlushTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.flushTimeout = d
	}
}

// Session is a duplex stream of wire values on one connection.
type Session struct {
	conn         net.Conn
	log          *zap.SugaredLogger
	flushTimeout time.Duration

	w *transport.Writer
	r *transport.Reader

	readCh     chan codec.Wire
	readerDone chan struct{}
	writerDone chan struct{}
	done       chan struct{}

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []codec.Wire
	closed   bool
	readErr  error
	writeErr error

	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps conn and immediately starts reading from it.
func NewSession(conn net.Conn, opts ...Option) *Session {
	s := &Session{
		conn:         conn,
		log:          zap.NewNop().Sugar(),
		flushTimeout: defaultFlushTimeout,
		w:            transport.NewWriter(conn),
		r:            transport.NewReader(conn),
		readCh:       make(chan codec.Wire, readBuffer),
		readerDone:   make(chan struct{}),
		writerDone:   make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("session")

	go s.readLoop()
	go s.writeLoop()
	return s
}

// Dial connects to a listening peer and returns a session on the connection.
func Dial(ctx context.Context, addr string, opts ...Option) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return NewSession(conn, opts...), nil
}

// ReadOne blocks until the next value arrives. It returns io.EOF once the peer
// has finished writing and every value before that has been read.
func (s *Session) ReadOne(ctx context.Context) (codec.Wire, error) {
	select {
	case v, ok := <-s.readCh:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			return nil, s.readErr
		}
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteOne queues v for sending and returns without waiting for the peer.
// A value that cannot be encoded is rejected here and the session stays usable.
func (s *Session) WriteOne(v codec.Wire) error {
	if err := transport.Check(v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	s.queue = append(s.queue, v)
	s.cond.Signal()
	return nil
}

// Close flushes queued writes, half-closes the connection, then releases it.
// It is safe to call more than once; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cond.Signal()
		s.mu.Unlock()

		var err error
		select {
		case <-s.writerDone:
		case <-time.After(s.flushTimeout):
			s.log.Debugf("flush timed out after %s", s.flushTimeout)
			// unblocks a writer stuck on a peer that stopped reading
			_ = s.conn.SetWriteDeadline(time.Now())
			<-s.writerDone
			err = multierr.Append(err, fmt.Errorf("ipc: flush timed out after %s", s.flushTimeout))
		}

		s.mu.Lock()
		if s.writeErr != nil {
			err = multierr.Append(err, fmt.Errorf("ipc: flushing: %w", s.writeErr))
		}
		s.mu.Unlock()

		if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
			if cwErr := cw.CloseWrite(); cwErr != nil {
				s.log.Debugf("error half-closing conn: %s", cwErr)
			}
		}
		close(s.done)
		if cErr := s.conn.Close(); cErr != nil && !errors.Is(cErr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("ipc: closing conn: %w", cErr))
		}
		<-s.readerDone
		s.closeErr = err
		s.log.Debug("session closed")
	})
	return s.closeErr
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	defer close(s.readCh)
	for {
		v, err := s.r.Read()
		if err != nil {
			select {
			case <-s.done:
				err = ErrClosed
			default:
			}
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			s.log.Debugf("reader stopped: %s", err)
			return
		}
		select {
		case s.readCh <- v:
		case <-s.done:
			s.mu.Lock()
			s.readErr = ErrClosed
			s.mu.Unlock()
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, v := range batch {
			if err := s.w.Write(v); err != nil {
				s.log.Debugf("writer stopped: %s", err)
				s.mu.Lock()
				s.writeErr = err
				s.queue = nil
				s.mu.Unlock()
				return
			}
		}
	}
}
