// Package pg implements the user directory on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"userdir.org/internal/obs"
	"userdir.org/internal/user"
)

const (
	pgErrUniqueViolation = "23505"
	pgErrSerialization   = "40001"
	pgErrDeadlock        = "40P01"

	// defaultInLimit bounds the number of ids bound into one IN list.
	defaultInLimit     = 1000
	defaultMaxAttempts = 3
)

// Querier is the subset of *sqlx.Conn and *sqlx.Tx the store needs.
type Querier interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
	Rebind(query string) string
}

// Provider hands out connections for a context. Reader connections may point
// at a replica; writer connections always reach the primary.
type Provider interface {
	Reader(ctx context.Context, contextID int) (*sqlx.Conn, error)
	Writer(ctx context.Context, contextID int) (*sqlx.Conn, error)
}

// DBProvider serves reads and writes from a single pool.
type DBProvider struct {
	DB *sqlx.DB
}

func (p DBProvider) Reader(ctx context.Context, _ int) (*sqlx.Conn, error) { return p.DB.Connx(ctx) }
func (p DBProvider) Writer(ctx context.Context, _ int) (*sqlx.Conn, error) { return p.DB.Connx(ctx) }

// Open connects to PostgreSQL through the pgx stdlib driver.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

var (
	txRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "userdir_tx_retries_total",
		Help: "Transactions retried after a serialization failure or deadlock.",
	})
	attributeConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "userdir_attribute_conflicts_total",
		Help: "Attribute writes whose row counts did not match the computed delta.",
	}, []string{"tolerated"})
)

// Collectors returns the metrics of this package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{txRetries, attributeConflicts}
}

// Store is the relational user store.
type Store struct {
	db          Provider
	aliases     AliasStore
	admins      AdminResolver
	listeners   []DeleteListener
	log         *slog.Logger
	inLimit     int
	maxAttempts int
	backoff     func() backoff.BackOff
	lowerLogins bool
}

var _ user.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithAliasStore replaces the table backed alias store.
func WithAliasStore(a AliasStore) Option {
	return func(s *Store) { s.aliases = a }
}

// WithAdminResolver replaces the table backed context admin lookup.
func WithAdminResolver(a AdminResolver) Option {
	return func(s *Store) { s.admins = a }
}

// WithDeleteListener registers a listener notified inside delete transactions.
func WithDeleteListener(l DeleteListener) Option {
	return func(s *Store) { s.listeners = append(s.listeners, l) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithInLimit bounds the number of ids per IN list.
func WithInLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.inLimit = n
		}
	}
}

// WithMaxAttempts bounds how often a write transaction is tried.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackOff sets the policy between write attempts.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Store) {
		if newBackOff != nil {
			s.backoff = newBackOff
		}
	}
}

// WithLowercaseLogins stores login names of new users in lower case.
func WithLowercaseLogins(on bool) Option {
	return func(s *Store) { s.lowerLogins = on }
}

// New creates a store reading and writing through db.
func New(db Provider, opts ...Option) *Store {
	s := &Store{
		db:          db,
		aliases:     AliasTable{},
		admins:      AdminTable{},
		log:         obs.Logger(),
		inLimit:     defaultInLimit,
		maxAttempts: defaultMaxAttempts,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) reader(ctx context.Context, contextID int) (*sqlx.Conn, error) {
	conn, err := s.db.Reader(ctx, contextID)
	if err != nil {
		return nil, user.NoConnection(err)
	}
	return conn, nil
}

func (s *Store) writer(ctx context.Context, contextID int) (*sqlx.Conn, error) {
	conn, err := s.db.Writer(ctx, contextID)
	if err != nil {
		return nil, user.NoConnection(err)
	}
	return conn, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// transient reports failures that a fresh attempt of the same transaction can
// overcome.
func transient(err error) bool {
	pgErr, ok := maybePgError(err)
	return ok && (pgErr.Code == pgErrSerialization || pgErr.Code == pgErrDeadlock)
}

// wrapSQL turns driver errors into user errors and leaves user errors alone.
func wrapSQL(err error) error {
	if err == nil {
		return nil
	}
	var ue *user.Error
	if errors.As(err, &ue) {
		return err
	}
	return user.SQLError(err)
}

func chunks(ids []int, size int) [][]int {
	var out [][]int
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func distinct(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// InvalidateUser has nothing to drop on the relational layer.
func (s *Store) InvalidateUser(context.Context, int, int) error { return nil }
