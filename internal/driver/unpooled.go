package driver

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/microsoft/go-mssqldb"
)

// Unpooled opens one physical SQL Server connection per call. Each connection
// is backed by its own *sql.DB restricted to a single underlying connection,
// so closing it really closes the wire connection instead of returning it to
// database/sql's internal pool.
type Unpooled struct {
	mu             sync.Mutex
	url            string // sqlserver://host:port?database=name, no credentials
	user           string
	password       string
	autoCommit     bool
	isolation      sql.IsolationLevel
	properties     map[string]string
	connectTimeout time.Duration
	logStatements  bool

	nextID atomic.Uint64
}

// NewUnpooled creates a factory for the given server URL and credentials.
// The URL carries no credentials; they are injected when dialing.
func NewUnpooled(serverURL, user, password string) *Unpooled {
	return &Unpooled{
		url:            serverURL,
		user:           user,
		password:       password,
		autoCommit:     true,
		isolation:      sql.LevelDefault,
		connectTimeout: 30 * time.Second,
	}
}

// ParseIsolation maps a configuration string like "read committed" or
// "SNAPSHOT" to the database/sql isolation level. Empty means the driver
// default.
func ParseIsolation(s string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", " ")) {
	case "", "default":
		return sql.LevelDefault, nil
	case "read uncommitted":
		return sql.LevelReadUncommitted, nil
	case "read committed":
		return sql.LevelReadCommitted, nil
	case "repeatable read":
		return sql.LevelRepeatableRead, nil
	case "snapshot":
		return sql.LevelSnapshot, nil
	case "serializable":
		return sql.LevelSerializable, nil
	}
	return sql.LevelDefault, fmt.Errorf("unknown isolation level %q", s)
}

// SetConnectTimeout bounds the ping that verifies a freshly opened connection.
func (u *Unpooled) SetConnectTimeout(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if d > 0 {
		u.connectTimeout = d
	}
}

// SetLogStatements wraps every opened connection with statement logging.
func (u *Unpooled) SetLogStatements(enabled bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logStatements = enabled
}

func (u *Unpooled) URL() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.url
}

func (u *Unpooled) User() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.user
}

func (u *Unpooled) Password() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.password
}

func (u *Unpooled) DefaultAutoCommit() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.autoCommit
}

func (u *Unpooled) SetURL(serverURL string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.url = serverURL
}

func (u *Unpooled) SetUser(user string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.user = user
}

func (u *Unpooled) SetPassword(password string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.password = password
}

func (u *Unpooled) SetDefaultAutoCommit(autoCommit bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.autoCommit = autoCommit
}

func (u *Unpooled) DefaultIsolation() sql.IsolationLevel {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.isolation
}

func (u *Unpooled) SetDefaultIsolation(level sql.IsolationLevel) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.isolation = level
}

// DriverProperties returns a copy of the extra DSN parameters.
func (u *Unpooled) DriverProperties() map[string]string {
	u.mu.Lock()
	defer u.mu.Unlock()
	props := make(map[string]string, len(u.properties))
	for k, v := range u.properties {
		props[k] = v
	}
	return props
}

// SetDriverProperties replaces the extra DSN parameters merged into the
// connection string on the next Open.
func (u *Unpooled) SetDriverProperties(props map[string]string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.properties = make(map[string]string, len(props))
	for k, v := range props {
		u.properties[k] = v
	}
}

// DSN assembles the connection string with credentials injected.
func (u *Unpooled) DSN() (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dsnLocked()
}

func (u *Unpooled) dsnLocked() (string, error) {
	parsed, err := url.Parse(u.url)
	if err != nil {
		return "", fmt.Errorf("parsing datasource url %q: %w", u.url, err)
	}
	parsed.User = url.UserPassword(u.user, u.password)
	if len(u.properties) > 0 {
		q := parsed.Query()
		for k, v := range u.properties {
			q.Set(k, v)
		}
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

// Open dials a new physical connection and verifies it is reachable.
func (u *Unpooled) Open(ctx context.Context) (Conn, error) {
	u.mu.Lock()
	dsn, err := u.dsnLocked()
	autoCommit := u.autoCommit
	isolation := u.isolation
	timeout := u.connectTimeout
	logStatements := u.logStatements
	u.mu.Unlock()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// One *sql.DB per physical connection: with MaxOpenConns=1 the DB handle
	// maps 1:1 to a wire connection and its lifetime is ours to manage.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	conn := Conn(&sqlConn{
		id:         u.nextID.Add(1),
		db:         db,
		autoCommit: autoCommit,
		isolation:  isolation,
	})
	if logStatements {
		conn = NewLoggingConn(conn)
	}
	return conn, nil
}

// sqlConn adapts a single-connection *sql.DB to the Conn surface. Auto-commit
// is emulated: when disabled, the first statement opens a transaction that
// stays open until Commit or Rollback.
type sqlConn struct {
	id uint64
	db *sql.DB

	mu         sync.Mutex
	tx         *sql.Tx
	autoCommit bool
	isolation  sql.IsolationLevel
	closed     bool
}

func (c *sqlConn) ID() uint64 {
	return c.id
}

func (c *sqlConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *sqlConn) AutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit
}

func (c *sqlConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if !c.autoCommit {
		if err := c.beginLocked(ctx); err != nil {
			return nil, err
		}
		return c.tx.ExecContext(ctx, query, args...)
	}
	return c.db.ExecContext(ctx, query, args...)
}

func (c *sqlConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if !c.autoCommit {
		if err := c.beginLocked(ctx); err != nil {
			return nil, err
		}
		return c.tx.QueryContext(ctx, query, args...)
	}
	return c.db.QueryContext(ctx, query, args...)
}

func (c *sqlConn) beginLocked(ctx context.Context) error {
	if c.tx != nil {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: c.isolation})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	c.tx = tx
	return nil
}

func (c *sqlConn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

func (c *sqlConn) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

func (c *sqlConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}
