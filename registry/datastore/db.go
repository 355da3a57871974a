//go:generate mockgen -package mocks -destination mocks/db.go . Handler,Transactor

package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/quay/quay-sub006/configuration"
)

const driverName = "pgx"

// Queryer is the common interface to execute queries on a database.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Handler represents a database connection handler.
type Handler interface {
	Queryer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error)
	Close() error
}

// Transactor represents a database transaction.
type Transactor interface {
	Queryer
	Commit() error
	Rollback() error
}

// DB is a database handle that implements Handler.
type DB struct {
	*sql.DB
	dsn      *DSN
	readOnly bool
}

// BeginTx wraps sql.Tx from the inner sql.DB within a datastore.Tx.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}

	return &Tx{tx}, nil
}

// ReadOnly reports whether db was opened against a read replica.
func (db *DB) ReadOnly() bool {
	return db.readOnly
}

// Address returns the host:port the database handle is connected to.
func (db *DB) Address() string {
	return db.dsn.Address()
}

// Tx is a database transaction that implements Transactor.
type Tx struct {
	*sql.Tx
}

// WithTransaction runs fn inside a transaction started on db. The transaction is committed if fn returns nil and
// rolled back otherwise.
func WithTransaction(ctx context.Context, db Handler, fn func(tx Transactor) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// DSN represents the Data Source Name parameters for a DB connection.
type DSN struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	SSLCert        string
	SSLKey         string
	SSLRootCert    string
	ConnectTimeout time.Duration
}

// DSNFromConfig builds a DSN out of the database configuration section.
func DSNFromConfig(c configuration.Database) *DSN {
	return &DSN{
		Host:           c.Host,
		Port:           c.Port,
		User:           c.User,
		Password:       c.Password,
		DBName:         c.DBName,
		SSLMode:        c.SSLMode,
		SSLCert:        c.SSLCert,
		SSLKey:         c.SSLKey,
		SSLRootCert:    c.SSLRootCert,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// String builds the string representation of a DSN.
func (dsn *DSN) String() string {
	var params []string

	port := ""
	if dsn.Port > 0 {
		port = strconv.Itoa(dsn.Port)
	}
	connectTimeout := ""
	if dsn.ConnectTimeout > 0 {
		connectTimeout = fmt.Sprintf("%.0f", dsn.ConnectTimeout.Seconds())
	}

	for _, param := range []struct{ k, v string }{
		{"host", dsn.Host},
		{"port", port},
		{"user", dsn.User},
		{"password", dsn.Password},
		{"dbname", dsn.DBName},
		{"sslmode", dsn.SSLMode},
		{"sslcert", dsn.SSLCert},
		{"sslkey", dsn.SSLKey},
		{"sslrootcert", dsn.SSLRootCert},
		{"connect_timeout", connectTimeout},
	} {
		if len(param.v) == 0 {
			continue
		}

		param.v = strings.ReplaceAll(param.v, "'", `\'`)
		param.v = strings.ReplaceAll(param.v, " ", `\ `)

		params = append(params, param.k+"="+param.v)
	}

	return strings.Join(params, " ")
}

// Address returns the host:port segment of a DSN.
func (dsn *DSN) Address() string {
	return net.JoinHostPort(dsn.Host, strconv.Itoa(dsn.Port))
}

type openOpts struct {
	logger   *logrus.Entry
	logLevel pgx.LogLevel
	pool     *PoolConfig
	readOnly bool
}

// PoolConfig configures the database connection pool.
type PoolConfig struct {
	MaxIdle     int
	MaxOpen     int
	MaxLifetime time.Duration
}

// OpenOption is used to pass options to Open.
type OpenOption func(*openOpts)

// WithLogger configures the logger for the database connection driver.
func WithLogger(l *logrus.Entry) OpenOption {
	return func(opts *openOpts) {
		opts.logger = l
	}
}

// WithLogLevel configures the logger level for the database connection driver.
func WithLogLevel(l configuration.Loglevel) OpenOption {
	var lvl pgx.LogLevel
	switch l {
	case configuration.LogLevelTrace:
		lvl = pgx.LogLevelTrace
	case configuration.LogLevelDebug:
		lvl = pgx.LogLevelDebug
	case configuration.LogLevelInfo:
		lvl = pgx.LogLevelInfo
	case configuration.LogLevelWarn:
		lvl = pgx.LogLevelWarn
	default:
		lvl = pgx.LogLevelError
	}

	return func(opts *openOpts) {
		opts.logLevel = lvl
	}
}

// WithPoolConfig configures the settings for the database connection pool.
func WithPoolConfig(c *PoolConfig) OpenOption {
	return func(opts *openOpts) {
		opts.pool = c
	}
}

// WithReadOnly opens every session with default_transaction_read_only, so that writes fail on the server side and
// are reported as ErrReadOnly.
func WithReadOnly() OpenOption {
	return func(opts *openOpts) {
		opts.readOnly = true
	}
}

func applyOptions(opts []OpenOption) openOpts {
	log := logrus.New()
	log.SetOutput(ioutil.Discard)

	config := openOpts{
		logger: logrus.NewEntry(log),
		pool:   &PoolConfig{},
	}

	for _, v := range opts {
		v(&config)
	}

	return config
}

type logger struct {
	*logrus.Entry
}

// used to minify SQL statements on log entries by removing multiple spaces, tabs and new lines.
var logMinifyPattern = regexp.MustCompile(`\s+|\t+|\n+`)

// Log implements the pgx.Logger interface.
func (l *logger) Log(_ context.Context, level pgx.LogLevel, msg string, data map[string]interface{}) {
	// silence if debug level is not enabled, unless it's a warn or error
	if !l.Logger.IsLevelEnabled(logrus.DebugLevel) && level != pgx.LogLevelWarn && level != pgx.LogLevelError {
		return
	}
	var log *logrus.Entry
	if data != nil {
		if _, ok := data["sql"]; ok {
			raw := fmt.Sprintf("%v", data["sql"])
			data["sql"] = logMinifyPattern.ReplaceAllString(raw, " ")
		}
		if _, ok := data["time"]; ok {
			raw := fmt.Sprintf("%v", data["time"])
			if d, err := time.ParseDuration(raw); err == nil {
				data["duration_ms"] = d.Milliseconds()
				delete(data, "time")
			}
		}
		if _, ok := data["rowCount"]; ok {
			data["row_count"] = data["rowCount"]
			delete(data, "rowCount")
		}
		log = l.WithFields(data)
	} else {
		log = l.Entry
	}

	switch level {
	case pgx.LogLevelTrace:
		log.Trace(msg)
	case pgx.LogLevelDebug:
		log.Debug(msg)
	case pgx.LogLevelInfo:
		log.Info(msg)
	case pgx.LogLevelWarn:
		log.Warn(msg)
	case pgx.LogLevelError:
		log.Error(msg)
	default:
		log.WithField("invalid_log_level", level).Error(msg)
	}
}

// Open creates a database connection handler.
func Open(dsn *DSN, opts ...OpenOption) (*DB, error) {
	config := applyOptions(opts)
	pgxConfig, err := pgx.ParseConfig(dsn.String())
	if err != nil {
		return nil, err
	}
	pgxConfig.Logger = &logger{config.logger}
	pgxConfig.LogLevel = config.logLevel
	if config.readOnly {
		if pgxConfig.RuntimeParams == nil {
			pgxConfig.RuntimeParams = make(map[string]string)
		}
		pgxConfig.RuntimeParams["default_transaction_read_only"] = "on"
	}

	connStr := stdlib.RegisterConnConfig(pgxConfig)
	db, err := sql.Open(driverName, connStr)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.pool.MaxOpen)
	db.SetMaxIdleConns(config.pool.MaxIdle)
	db.SetConnMaxLifetime(config.pool.MaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &DB{DB: db, dsn: dsn, readOnly: config.readOnly}, nil
}

// IsUniqueViolation reports whether err was caused by a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// IsReadOnly reports whether err was caused by a write attempt in read-only mode.
func IsReadOnly(err error) bool {
	if errors.Is(err, ErrReadOnly) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ReadOnlySQLTransaction
}

type readOnlyCallKey struct{}

// AllowReadOnlyCall marks ctx as belonging to an operation that is allowed to proceed while the registry is in
// read-only mode.
func AllowReadOnlyCall(ctx context.Context) context.Context {
	return context.WithValue(ctx, readOnlyCallKey{}, true)
}

// ReadOnlyCallAllowed reports whether ctx was marked with AllowReadOnlyCall.
func ReadOnlyCallAllowed(ctx context.Context) bool {
	v, _ := ctx.Value(readOnlyCallKey{}).(bool)
	return v
}

// CheckWritable returns ErrReadOnly if readOnly is set and ctx was not marked with AllowReadOnlyCall.
func CheckWritable(ctx context.Context, readOnly bool) error {
	if readOnly && !ReadOnlyCallAllowed(ctx) {
		return ErrReadOnly
	}
	return nil
}
