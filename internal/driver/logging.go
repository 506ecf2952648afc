package driver

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"
)

// LoggingConn decorates a Conn with statement-level debug logging: the query,
// its parameters and either the outcome or the failure. Exec logs the
// affected-row count; Query logs only that the rows are ready, not how many.
type LoggingConn struct {
	conn Conn
}

// NewLoggingConn wraps conn with statement logging.
func NewLoggingConn(conn Conn) *LoggingConn {
	return &LoggingConn{conn: conn}
}

// Unwrap returns the decorated connection.
func (l *LoggingConn) Unwrap() Conn {
	return l.conn
}

func (l *LoggingConn) ID() uint64       { return l.conn.ID() }
func (l *LoggingConn) IsClosed() bool   { return l.conn.IsClosed() }
func (l *LoggingConn) AutoCommit() bool { return l.conn.AutoCommit() }

func (l *LoggingConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	log.Printf("[driver] conn %d ==> executing: %s %v", l.conn.ID(), collapse(query), args)
	res, err := l.conn.ExecContext(ctx, query, args...)
	if err != nil {
		log.Printf("[driver] conn %d <== error after %s: %v", l.conn.ID(), time.Since(start), err)
		return nil, err
	}
	if n, aerr := res.RowsAffected(); aerr == nil {
		log.Printf("[driver] conn %d <== updates: %d (%s)", l.conn.ID(), n, time.Since(start))
	}
	return res, nil
}

func (l *LoggingConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	log.Printf("[driver] conn %d ==> executing: %s %v", l.conn.ID(), collapse(query), args)
	rows, err := l.conn.QueryContext(ctx, query, args...)
	if err != nil {
		log.Printf("[driver] conn %d <== error after %s: %v", l.conn.ID(), time.Since(start), err)
		return nil, err
	}
	log.Printf("[driver] conn %d <== rows ready (%s)", l.conn.ID(), time.Since(start))
	return rows, nil
}

func (l *LoggingConn) Rollback() error {
	log.Printf("[driver] conn %d ==> rollback", l.conn.ID())
	return l.conn.Rollback()
}

func (l *LoggingConn) Commit() error {
	log.Printf("[driver] conn %d ==> commit", l.conn.ID())
	return l.conn.Commit()
}

func (l *LoggingConn) Close() error {
	log.Printf("[driver] conn %d ==> close", l.conn.ID())
	return l.conn.Close()
}

// collapse flattens statement whitespace so multi-line SQL logs on one line.
func collapse(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
