// Package session owns one logical MySQL connection across its
// lifetime: it opens it, exposes an operation interface to callers,
// detects loss of connectivity, and re-establishes the connection
// under a bounded retry policy.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	// StateDegraded means the connection was lost and recovery is
	// pending or in progress.
	StateDegraded
	// StateFailed is terminal: the retry budget was exhausted or a
	// fatal configuration error was hit. A new Session is required.
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config describes one database endpoint plus the session's timeout
// and retry policy. Immutable once handed to New; zero values get
// defaults applied.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool

	ConnectTimeout   time.Duration
	ReadWriteTimeout time.Duration

	// MaxAttempts bounds each connect/reconnect cycle. Reaching it
	// moves the session to StateFailed.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReadWriteTimeout <= 0 {
		c.ReadWriteTimeout = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Stats is a point-in-time snapshot of the session, safe to expose to
// status endpoints.
type Stats struct {
	State        State
	Attempts     int
	Reconnects   int64
	LastActivity time.Time
}

// Session manages one logical connection. Safe for concurrent use; a
// reconnect is a critical section and concurrent callers observing a
// degraded session wait on the same in-flight attempt.
type Session struct {
	cfg  Config
	dial dialFunc
	log  zerolog.Logger

	mu           sync.Mutex
	state        State
	conn         driverConn
	inflight     chan struct{} // non-nil while a connect attempt cycle runs; closed when it ends
	attempts     int           // failed attempts in the current outage
	reconnects   int64
	lastActivity time.Time
	finalErr     *Error // set when state == StateFailed
}

// New builds a session for cfg. No connection is made until Open or
// the first operation.
func New(cfg Config) *Session {
	return &Session{
		cfg:   cfg.withDefaults(),
		dial:  dialMySQL,
		log:   log.With().Str("component", "session").Logger(),
		state: StateDisconnected,
	}
}

// Open brings the session to StateReady. Idempotent when already
// ready. From StateFailed it returns the stored terminal error.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	for {
		switch s.state {
		case StateReady:
			s.mu.Unlock()
			return nil
		case StateClosed:
			s.mu.Unlock()
			return &Error{Class: ClassSessionClosed, Op: "open"}
		case StateFailed:
			err := s.finalErr
			s.mu.Unlock()
			return err
		case StateConnecting:
			if err := s.waitInflight(ctx, "open"); err != nil {
				return err
			}
		default: // StateDisconnected, StateDegraded
			err := s.connectLocked(ctx, s.state)
			s.mu.Unlock()
			return err
		}
	}
}

// Exec runs a statement. A connectivity fault degrades the session and,
// for idempotent operations only, the statement is retried exactly once
// against the replacement connection.
func (s *Session) Exec(ctx context.Context, op Op) (Result, error) {
	for attempt := 0; ; attempt++ {
		conn, err := s.acquire(ctx, "exec")
		if err != nil {
			return Result{}, err
		}
		octx, cancel := s.opContext(ctx)
		res, err := conn.Exec(octx, op.SQL, op.Args)
		cancel()
		if err == nil {
			s.touch()
			return res, nil
		}
		serr := s.fault(conn, "exec", err)
		if serr.Class == ClassConnectivityLost && op.Idempotent && attempt == 0 {
			s.log.Debug().Msg("retrying idempotent statement after connection loss")
			continue
		}
		return Result{}, serr
	}
}

// Query runs a query and returns its rows. The transparent
// connectivity retry applies to submission only; faults surfaced while
// iterating an already-open result set are returned to the caller.
func (s *Session) Query(ctx context.Context, op Op) (Rows, error) {
	for attempt := 0; ; attempt++ {
		conn, err := s.acquire(ctx, "query")
		if err != nil {
			return nil, err
		}
		octx, cancel := s.opContext(ctx)
		rows, err := conn.Query(octx, op.SQL, op.Args)
		if err == nil {
			s.touch()
			return &queryRows{Rows: rows, cancel: cancel}, nil
		}
		cancel()
		serr := s.fault(conn, "query", err)
		if serr.Class == ClassConnectivityLost && op.Idempotent && attempt == 0 {
			s.log.Debug().Msg("retrying idempotent query after connection loss")
			continue
		}
		return nil, serr
	}
}

// Ping verifies the connection, degrading the session if the transport
// is broken.
func (s *Session) Ping(ctx context.Context) error {
	conn, err := s.acquire(ctx, "ping")
	if err != nil {
		return err
	}
	octx, cancel := s.opContext(ctx)
	defer cancel()
	if err := conn.Ping(octx); err != nil {
		return s.fault(conn, "ping", err)
	}
	s.touch()
	return nil
}

// Close releases the underlying connection. Safe to call from any
// state, any number of times.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.Debug().Err(err).Msg("error closing connection")
		}
	}
	s.log.Debug().Msg("session closed")
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot for status reporting.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:        s.state,
		Attempts:     s.attempts,
		Reconnects:   s.reconnects,
		LastActivity: s.lastActivity,
	}
}

// acquire returns the live connection, driving the state machine as
// needed: lazy first connect, waiting out an in-flight reconnect, or
// starting one.
func (s *Session) acquire(ctx context.Context, opName string) (driverConn, error) {
	s.mu.Lock()
	for {
		switch s.state {
		case StateReady:
			conn := s.conn
			s.mu.Unlock()
			return conn, nil
		case StateClosed:
			s.mu.Unlock()
			return nil, &Error{Class: ClassSessionClosed, Op: opName}
		case StateFailed:
			ferr := s.finalErr
			s.mu.Unlock()
			return nil, &Error{Class: ClassSessionClosed, Fatal: ferr.Fatal, Op: opName, Err: ferr}
		case StateConnecting:
			if err := s.waitInflight(ctx, opName); err != nil {
				return nil, err
			}
		default: // StateDisconnected, StateDegraded
			if err := s.connectLocked(ctx, s.state); err != nil {
				s.mu.Unlock()
				return nil, err
			}
		}
	}
}

// waitInflight blocks on the in-flight connect cycle. Called with the
// lock held; returns with the lock held on success, released on error.
func (s *Session) waitInflight(ctx context.Context, opName string) error {
	ch := s.inflight
	s.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return &Error{Class: ClassTimeout, Op: opName, Err: ctx.Err()}
		}
	}
	s.mu.Lock()
	return nil
}

// connectLocked runs one full connect/reconnect cycle: up to
// MaxAttempts dials with exponential backoff. Exactly one cycle runs
// at a time; concurrent callers wait on the inflight channel. The lock
// is held on entry and exit, and released around dials and sleeps.
func (s *Session) connectLocked(ctx context.Context, prev State) error {
	s.state = StateConnecting
	done := make(chan struct{})
	s.inflight = done
	defer func() {
		close(done)
		s.inflight = nil
	}()
	s.attempts = 0

	for attempt := 1; ; attempt++ {
		s.mu.Unlock()
		dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		conn, err := s.dial(dctx, s.cfg)
		cancel()
		s.mu.Lock()

		if s.state == StateClosed {
			if conn != nil {
				conn.Close()
			}
			return &Error{Class: ClassSessionClosed, Op: "open"}
		}
		if err == nil {
			s.conn = conn
			s.state = StateReady
			s.lastActivity = time.Now()
			if prev == StateDegraded {
				s.reconnects++
				s.log.Info().Int("attempt", attempt).Msg("connection re-established")
			} else {
				s.log.Debug().Str("host", s.cfg.Host).Str("database", s.cfg.Database).Msg("connection established")
			}
			return nil
		}

		s.attempts = attempt
		if ctx.Err() != nil {
			// The caller's deadline, not the attempt's: surface a
			// timeout and fall back to the pre-connect state so the
			// retry budget stays intact.
			s.state = prev
			return &Error{Class: ClassTimeout, Op: "open", Err: ctx.Err()}
		}
		serr := classifyConnect("open", err)
		if serr.Fatal {
			s.failLocked(serr)
			return serr
		}
		if attempt >= s.cfg.MaxAttempts {
			ferr := &Error{
				Class: ClassConnect,
				Op:    "open",
				Err:   fmt.Errorf("retry budget exhausted after %d attempts: %w", attempt, err),
			}
			s.failLocked(ferr)
			return ferr
		}

		delay := backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffMax, attempt)
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("connect attempt failed")
		s.mu.Unlock()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		s.mu.Lock()

		if s.state == StateClosed {
			return &Error{Class: ClassSessionClosed, Op: "open"}
		}
		if ctx.Err() != nil {
			s.state = prev
			return &Error{Class: ClassTimeout, Op: "open", Err: ctx.Err()}
		}
	}
}

// failLocked moves the session to its terminal failed state.
func (s *Session) failLocked(err *Error) {
	s.state = StateFailed
	s.finalErr = err
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.log.Error().Err(err).Msg("session failed")
}

// fault classifies an operation error. Connectivity faults discard the
// handle and degrade the session so the next caller drives a reconnect.
func (s *Session) fault(conn driverConn, opName string, err error) *Error {
	serr := classifyOp(opName, err)
	if serr.Class == ClassConnectivityLost || serr.Class == ClassTimeout {
		s.mu.Lock()
		if s.state == StateReady && s.conn == conn {
			s.conn = nil
			s.state = StateDegraded
			s.log.Warn().Err(err).Str("op", opName).Msg("connection lost, session degraded")
			conn.Close()
		}
		s.mu.Unlock()
	}
	return serr
}

func (s *Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.ReadWriteTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.ReadWriteTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// queryRows keeps the per-operation context alive until the result set
// is closed.
type queryRows struct {
	Rows
	cancel context.CancelFunc
}

func (r *queryRows) Close() error {
	err := r.Rows.Close()
	r.cancel()
	return err
}
