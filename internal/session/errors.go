package session

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/go-sql-driver/mysql"
)

// Class partitions session errors into the categories retry policy
// decisions are made on. The set is closed: classification is done on
// driver error values and server error numbers, never on message text.
type Class uint8

const (
	// ClassConnect covers handshake, authentication and network failures
	// while establishing a connection. Retryable unless Fatal is set.
	ClassConnect Class = iota + 1
	// ClassOperation covers server-side failure of a statement on a live
	// connection (constraint violation, malformed SQL). Never retried.
	ClassOperation
	// ClassConnectivityLost covers mid-operation detection of a broken
	// transport. Degrades the session; idempotent operations are retried
	// once against the replacement connection.
	ClassConnectivityLost
	// ClassTimeout covers deadline expiry on connect or execute,
	// surfaced distinctly so callers can tell "too slow" from "broken".
	ClassTimeout
	// ClassSessionClosed covers calls made after the session reached a
	// terminal failed or closed state.
	ClassSessionClosed
)

func (c Class) String() string {
	switch c {
	case ClassConnect:
		return "connect"
	case ClassOperation:
		return "operation"
	case ClassConnectivityLost:
		return "connectivity-lost"
	case ClassTimeout:
		return "timeout"
	case ClassSessionClosed:
		return "session-closed"
	default:
		return "unknown"
	}
}

// Error is the tagged error type returned by all Session entry points.
type Error struct {
	Class Class
	// Fatal marks the error as a configuration problem (rejected
	// credentials, unknown schema) that no amount of retrying can fix.
	// Set on ClassConnect errors and carried through to the
	// ClassSessionClosed errors that wrap them.
	Fatal bool
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session %s: %s", e.Op, e.Class)
	}
	return fmt.Sprintf("session %s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the classification from err, or 0 if err does not
// originate from a Session.
func ClassOf(err error) Class {
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	return 0
}

// IsFatal reports whether err is a non-retryable configuration or
// authentication failure.
func IsFatal(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Fatal
}

// Server error numbers that mark a connection attempt as a
// configuration problem rather than a transient fault.
var fatalConnectErrnos = map[uint16]bool{
	1044: true, // ER_DBACCESS_DENIED_ERROR
	1045: true, // ER_ACCESS_DENIED_ERROR
	1049: true, // ER_BAD_DB_ERROR
	1251: true, // ER_NOT_SUPPORTED_AUTH_MODE
}

// classifyConnect tags an error from a connection attempt. Deadline
// expiry of the per-attempt connect timeout still counts as a
// retryable connect failure; only the caller's own context cancelling
// is surfaced as ClassTimeout, and that is decided by the caller.
func classifyConnect(op string, err error) *Error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && fatalConnectErrnos[myErr.Number] {
		return &Error{Class: ClassConnect, Fatal: true, Op: op, Err: err}
	}
	return &Error{Class: ClassConnect, Op: op, Err: err}
}

// classifyOp tags an error from a statement run on a READY session.
func classifyOp(op string, err error) *Error {
	switch {
	case isTimeout(err):
		return &Error{Class: ClassTimeout, Op: op, Err: err}
	case isConnLost(err):
		return &Error{Class: ClassConnectivityLost, Op: op, Err: err}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// ER_SERVER_SHUTDOWN: the server is going away, not the statement.
		if myErr.Number == 1053 {
			return &Error{Class: ClassConnectivityLost, Op: op, Err: err}
		}
		return &Error{Class: ClassOperation, Op: op, Err: err}
	}
	return &Error{Class: ClassOperation, Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnLost(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
