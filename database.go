package relorm

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	// Drivers for the three supported dialects.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Config describes a database connection opened with Open.
type Config struct {
	// Driver is the database/sql driver name ("pgx", "mysql", "sqlite3").
	Driver string
	DSN    string
	// Dialect overrides the dialect inferred from Driver.
	Dialect *Dialect

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SlowQueryThreshold logs statements slower than this at warn level.
	// Zero disables slow query reporting.
	SlowQueryThreshold time.Duration
	// StatementCacheSize enables the prepared statement cache when positive.
	StatementCacheSize int
}

// Option configures a Database.
type Option func(*Database)

// WithSlowQueryThreshold reports statements slower than d.
func WithSlowQueryThreshold(d time.Duration) Option {
	return func(db *Database) {
		db.slowThreshold = d
	}
}

// WithConcurrentEager loads sibling eager associations in parallel for
// every dataset of the database.
func WithConcurrentEager() Option {
	return func(db *Database) {
		db.concurrentEager = true
	}
}

// Database executes datasets against a connection pool. A Database bound
// to a transaction is returned by Transaction; it shares configuration
// with its parent.
type Database struct {
	db      *sql.DB
	tx      *sql.Tx
	dialect *Dialect
	logger  *zap.Logger
	stats   *QueryStats

	slowThreshold   time.Duration
	dbResolver      *DBResolver
	stmtCache       *StmtCache
	async           *asyncPool
	rowCache        RowCache
	rowCacheTTL     time.Duration
	concurrentEager bool
}

// New wraps an open connection pool. db may be nil for a database that
// only renders SQL.
func New(db *sql.DB, dialect *Dialect, opts ...Option) *Database {
	if dialect == nil {
		dialect = Dialects.PostgreSQL
	}
	d := &Database{
		db:      db,
		dialect: dialect,
		logger:  zap.NewNop(),
		stats:   &QueryStats{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens and pings a connection pool described by cfg.
func Open(cfg Config, opts ...Option) (*Database, error) {
	dialect := cfg.Dialect
	if dialect == nil {
		var err error
		if dialect, err = DialectFor(cfg.Driver); err != nil {
			return nil, err
		}
	}
	driver := cfg.Driver
	if driver == "" {
		driver = dialect.DriverName
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "relorm: open %s", driver)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "relorm: ping %s", driver)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	base := []Option{WithSlowQueryThreshold(cfg.SlowQueryThreshold)}
	if cfg.StatementCacheSize > 0 {
		base = append(base, WithStatementCache(cfg.StatementCacheSize))
	}
	return New(db, dialect, append(base, opts...)...), nil
}

// DB returns the primary connection pool.
func (d *Database) DB() *sql.DB { return d.db }

// Dialect returns the SQL dialect.
func (d *Database) Dialect() *Dialect { return d.dialect }

// Logger returns the configured logger.
func (d *Database) Logger() *zap.Logger { return d.logger }

// Stats returns a snapshot of the statement counters.
func (d *Database) Stats() StatsSnapshot { return d.stats.Snapshot() }

// ResetStats zeroes the statement counters.
func (d *Database) ResetStats() { d.stats.Reset() }

// Resolver returns the read/write resolver, or nil when no replicas are set.
func (d *Database) Resolver() *DBResolver { return d.dbResolver }

func (d *Database) resolver() *DBResolver {
	if d.dbResolver == nil {
		d.dbResolver = &DBResolver{primary: d.db, lb: &RoundRobinLoadBalancer{}}
	}
	return d.dbResolver
}

// From returns a dataset selecting from table with no model attached.
func (d *Database) From(table string) *Dataset {
	return &Dataset{db: d, table: table}
}

// Dataset returns a dataset of m's table that instantiates m.
func (d *Database) Dataset(m *Model) *Dataset {
	return &Dataset{db: d, model: m, table: m.table}
}

// Close releases cached statements and closes the connection pool.
func (d *Database) Close() error {
	if d.stmtCache != nil {
		_ = d.stmtCache.Close()
	}
	if d.db == nil || d.tx != nil {
		return nil
	}
	return d.db.Close()
}

func (d *Database) reader() *sql.DB {
	if d.dbResolver != nil && d.dbResolver.HasReplicas() {
		return d.dbResolver.Replica()
	}
	return d.db
}

// Query runs a raw SELECT and returns its rows.
func (d *Database) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return d.query(ctx, query, args)
}

// Exec runs a raw statement.
func (d *Database) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.exec(ctx, "EXEC", query, args)
}

func (d *Database) query(ctx context.Context, query string, args []any) ([]Row, error) {
	columns, values, err := d.queryValues(ctx, "SELECT", query, args)
	if err != nil {
		return nil, err
	}
	return bindRows(columns, values), nil
}

// queryValues runs a row-returning statement and returns positional rows.
func (d *Database) queryValues(ctx context.Context, op, query string, args []any) ([]string, [][]any, error) {
	if d.db == nil && d.tx == nil {
		return nil, nil, errors.New("relorm: database has no connection")
	}
	start := time.Now()

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case d.tx != nil:
		rows, err = d.tx.QueryContext(ctx, query, args...)
	case d.stmtCache != nil && (op != "SELECT" || d.dbResolver == nil || !d.dbResolver.HasReplicas()):
		var (
			stmt    *sql.Stmt
			release func()
		)
		stmt, release, err = d.stmtCache.prepare(ctx, d.db, query)
		if err == nil {
			defer release()
			rows, err = stmt.QueryContext(ctx, args...)
		}
	case op != "SELECT":
		rows, err = d.db.QueryContext(ctx, query, args...)
	default:
		rows, err = d.reader().QueryContext(ctx, query, args...)
	}

	var (
		columns []string
		values  [][]any
	)
	if err == nil {
		columns, values, err = scanValues(rows)
		_ = rows.Close()
	}
	d.observe(op, query, args, start, len(values), err)
	if err != nil {
		return nil, nil, WrapQueryError(op, query, args, err)
	}
	return columns, values, nil
}

func (d *Database) exec(ctx context.Context, op, query string, args []any) (sql.Result, error) {
	if d.db == nil && d.tx == nil {
		return nil, errors.New("relorm: database has no connection")
	}
	start := time.Now()

	var (
		res sql.Result
		err error
	)
	switch {
	case d.tx != nil:
		res, err = d.tx.ExecContext(ctx, query, args...)
	case d.stmtCache != nil:
		var (
			stmt    *sql.Stmt
			release func()
		)
		stmt, release, err = d.stmtCache.prepare(ctx, d.db, query)
		if err == nil {
			defer release()
			res, err = stmt.ExecContext(ctx, args...)
		}
	default:
		res, err = d.db.ExecContext(ctx, query, args...)
	}

	affected := 0
	if err == nil {
		if n, rerr := res.RowsAffected(); rerr == nil {
			affected = int(n)
		}
	}
	d.observe(op, query, args, start, affected, err)
	if err != nil {
		return nil, WrapQueryError(op, query, args, err)
	}
	return res, nil
}

// observe records statistics and logs one statement.
func (d *Database) observe(op, query string, args []any, start time.Time, count int, err error) {
	elapsed := time.Since(start)
	slow := d.slowThreshold > 0 && elapsed > d.slowThreshold
	d.stats.record(op == "SELECT", elapsed, slow, err)

	fields := []zap.Field{
		zap.String(FieldOperation, op),
		zap.String(FieldQuery, query),
		zap.Any(FieldArgs, args),
		durationMS(elapsed),
		zap.Int(FieldCount, count),
	}
	switch {
	case err != nil:
		d.logger.Error("query failed", append(fields, zap.Error(err))...)
	case slow:
		d.logger.Warn("slow query", fields...)
	default:
		d.logger.Debug("query", fields...)
	}
}
