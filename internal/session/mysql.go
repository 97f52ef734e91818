package session

import (
	"context"
	"database/sql"
	"net"
	"strconv"

	"github.com/go-sql-driver/mysql"
)

// driverConn is one live physical connection. Exactly one exists per
// session; a reconnect closes the old one before dialing a new one.
type driverConn interface {
	Exec(ctx context.Context, query string, args []any) (Result, error)
	Query(ctx context.Context, query string, args []any) (Rows, error)
	Ping(ctx context.Context) error
	Close() error
}

// dialFunc establishes a new physical connection. Swapped out by tests
// for deterministic failures.
type dialFunc func(ctx context.Context, cfg Config) (driverConn, error)

// sqlConn pins a single *sql.Conn so server-side session state
// (temporary tables, session variables) survives across statements.
// The owning *sql.DB is capped at one connection and closed together
// with it.
type sqlConn struct {
	db   *sql.DB
	conn *sql.Conn
}

func dialMySQL(ctx context.Context, cfg Config) (driverConn, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.Timeout = cfg.ConnectTimeout
	mc.ReadTimeout = cfg.ReadWriteTimeout
	mc.WriteTimeout = cfg.ReadWriteTimeout
	mc.ParseTime = true
	mc.MultiStatements = false
	if cfg.TLS {
		mc.TLSConfig = "true"
	}

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, err
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, err
	}

	return &sqlConn{db: db, conn: conn}, nil
}

func (c *sqlConn) Exec(ctx context.Context, query string, args []any) (Result, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}
	out := Result{}
	// Not every statement reports these; best effort is fine.
	if n, err := res.RowsAffected(); err == nil {
		out.RowsAffected = n
	}
	if id, err := res.LastInsertId(); err == nil {
		out.LastInsertID = id
	}
	return out, nil
}

func (c *sqlConn) Query(ctx context.Context, query string, args []any) (Rows, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *sqlConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqlConn) Close() error {
	err := c.conn.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
