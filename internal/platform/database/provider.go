package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/finitefield/order-engine/internal/platform/config"
)

const defaultPingTimeout = 5 * time.Second

// Dialect identifies the SQL flavour behind a Provider.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("database: provider is closed")

// Provider lazily opens and shares a *sql.DB for the configured driver.
type Provider struct {
	cfg         config.DatabaseConfig
	dialect     Dialect
	pingTimeout time.Duration
	txAttempts  int
	txTimeout   time.Duration

	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithPingTimeout overrides the timeout used when verifying a new connection pool.
func WithPingTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.pingTimeout = timeout
		}
	}
}

// WithDefaultTxOptions sets the attempts and timeout RunInTx uses when callers pass none.
func WithDefaultTxOptions(attempts int, timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if attempts > 0 {
			p.txAttempts = attempts
		}
		if timeout > 0 {
			p.txTimeout = timeout
		}
	}
}

// NewProvider constructs a Provider using the supplied configuration. No connection is made until first use.
func NewProvider(cfg config.DatabaseConfig, opts ...ProviderOption) (*Provider, error) {
	var dialect Dialect
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case config.DatabaseDriverMySQL:
		dialect = DialectMySQL
	case config.DatabaseDriverSQLite, "":
		dialect = DialectSQLite
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.Driver)
	}

	p := &Provider{
		cfg:         cfg,
		dialect:     dialect,
		pingTimeout: defaultPingTimeout,
		txAttempts:  defaultTxAttempts,
		txTimeout:   defaultTxTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Dialect reports the SQL flavour of the configured driver.
func (p *Provider) Dialect() Dialect {
	return p.dialect
}

// DB returns the shared connection pool, opening and pinging it on first use.
func (p *Provider) DB(ctx context.Context) (*sql.DB, error) {
	if ctx == nil {
		return nil, errors.New("database: context is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.db != nil {
		return p.db, nil
	}

	db, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	p.db = db
	return db, nil
}

func (p *Provider) open(ctx context.Context) (*sql.DB, error) {
	driverName, dsn, err := p.dataSource()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", driverName, err)
	}

	if p.dialect == DialectSQLite {
		// SQLite allows one writer; a single connection serialises transactions instead of failing with BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(p.cfg.MaxOpenConns)
		db.SetMaxIdleConns(p.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(p.cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database: ping %s: %w", driverName, err)
	}
	return db, nil
}

func (p *Provider) dataSource() (string, string, error) {
	if p.dialect == DialectSQLite {
		if dsn := strings.TrimSpace(p.cfg.DSN); dsn != "" {
			return "sqlite", dsn, nil
		}
		path := strings.TrimSpace(p.cfg.Name)
		if path == "" {
			return "", "", errors.New("database: sqlite path is required")
		}
		return "sqlite", SQLiteDSN(path), nil
	}

	var myCfg *mysql.Config
	if dsn := strings.TrimSpace(p.cfg.DSN); dsn != "" {
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", "", fmt.Errorf("database: parse mysql dsn: %w", err)
		}
		myCfg = parsed
	} else {
		myCfg = mysql.NewConfig()
		myCfg.User = p.cfg.User
		myCfg.Passwd = p.cfg.Password
		myCfg.Net = "tcp"
		myCfg.Addr = net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
		myCfg.DBName = p.cfg.Name
	}
	myCfg.ParseTime = true
	myCfg.Loc = time.UTC
	// Affected-row checks compare matched rows, not changed rows.
	myCfg.ClientFoundRows = true
	return "mysql", myCfg.FormatDSN(), nil
}

// SQLiteDSN builds a modernc sqlite DSN with WAL, foreign keys and a busy timeout.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)
}

// Ping verifies connectivity, opening the pool if required.
func (p *Provider) Ping(ctx context.Context) error {
	db, err := p.DB(ctx)
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close releases the connection pool. The Provider cannot be reused afterwards.
func (p *Provider) Close(context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
