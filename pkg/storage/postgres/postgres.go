// Package postgres implements the Datastore contract on PostgreSQL, storing
// each record as a jsonb document.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/objectstack/objectstack/pkg/id"
	"github.com/objectstack/objectstack/pkg/logger"
	"github.com/objectstack/objectstack/pkg/object"
	"github.com/objectstack/objectstack/pkg/storage"
)

// Config holds the connection settings for the postgres backend.
type Config struct {
	Logger          logger.Logger
	MaxOpenConns    int32
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// Option configures a Config.
type Option func(*Config)

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func WithMaxOpenConns(n int32) Option {
	return func(c *Config) {
		c.MaxOpenConns = n
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ConnectTimeout = d
	}
}

// Datastore is the postgres implementation of storage.Datastore.
type Datastore struct {
	pool   *pgxpool.Pool
	stbl   sq.StatementBuilderType
	logger logger.Logger
}

var _ storage.Datastore = (*Datastore)(nil)

// New connects to postgres, retrying with exponential backoff until the
// connect timeout elapses.
func New(ctx context.Context, uri string, opts ...Option) (*Datastore, error) {
	cfg := &Config{
		Logger:         logger.NewNoopLogger(),
		ConnectTimeout: 1 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	poolCfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("parse postgres uri: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = cfg.MaxOpenConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.ConnectTimeout
	attempt := 1
	err = backoff.Retry(func() error {
		if err := pool.Ping(ctx); err != nil {
			cfg.Logger.Info("waiting for postgres", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Datastore{
		pool:   pool,
		stbl:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger: cfg.Logger,
	}, nil
}

func (d *Datastore) Find(ctx context.Context, collection string, filter storage.Filter, opts storage.FindOptions) ([]object.Object, error) {
	if err := d.checkGeoIndexes(ctx, collection, filter); err != nil {
		return nil, err
	}

	pred, err := filterToSQL(filter)
	if err != nil {
		return nil, err
	}

	builder := d.stbl.Select("data").
		From("objects").
		Where(sq.Eq{"collection": collection}).
		Where(pred)

	if geo := geoQuery(filter); geo != nil {
		builder = builder.OrderByClause(distanceExpr(geo.field)+" ASC", geo.lat, geo.lat, geo.lng)
	}
	for _, key := range opts.Sort {
		direction := "ASC"
		if key.Descending {
			direction = "DESC"
		}
		builder = builder.OrderBy(fmt.Sprintf("%s %s", jsonExpr(key.Field), direction))
	}
	builder = builder.OrderBy("row_id ASC")

	if opts.Skip > 0 {
		builder = builder.Offset(uint64(opts.Skip))
	}
	limit := opts.Limit
	if limit == 0 {
		limit = storage.DefaultListLimit
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := d.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []object.Object
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc object.Object
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (d *Datastore) Count(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	pred, err := filterToSQL(filter)
	if err != nil {
		return 0, err
	}

	sqlStr, args, err := d.stbl.Select("COUNT(*)").
		From("objects").
		Where(sq.Eq{"collection": collection}).
		Where(pred).
		ToSql()
	if err != nil {
		return 0, err
	}

	var count int64
	if err := d.pool.QueryRow(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (d *Datastore) Create(ctx context.Context, collection string, obj object.Object) error {
	raw, digest, err := encodeDoc(obj)
	if err != nil {
		return err
	}

	sqlStr, args, err := d.stbl.Insert("objects").
		Columns("collection", "row_id", "digest", "data").
		Values(collection, id.NewRowID(), digest, raw).
		ToSql()
	if err != nil {
		return err
	}

	_, err = d.pool.Exec(ctx, sqlStr, args...)
	return err
}

// Update locks the first matching row, applies the update operators, and
// writes the new document back within one transaction.
func (d *Datastore) Update(ctx context.Context, collection string, filter storage.Filter, update object.Object) (storage.UpdateResult, error) {
	pred, err := filterToSQL(filter)
	if err != nil {
		return storage.UpdateResult{}, err
	}

	selectSQL, args, err := d.stbl.Select("row_id", "data").
		From("objects").
		Where(sq.Eq{"collection": collection}).
		Where(pred).
		OrderBy("row_id ASC").
		Limit(1).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return storage.UpdateResult{}, err
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return storage.UpdateResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var rowID string
	var raw []byte
	if err := tx.QueryRow(ctx, selectSQL, args...).Scan(&rowID, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.UpdateResult{}, storage.ErrNotFound
		}
		return storage.UpdateResult{}, err
	}

	var doc object.Object
	if err := json.Unmarshal(raw, &doc); err != nil {
		return storage.UpdateResult{}, err
	}

	computed := storage.ApplyUpdate(doc, update)

	newRaw, digest, err := encodeDoc(doc)
	if err != nil {
		return storage.UpdateResult{}, err
	}

	updateSQL, updateArgs, err := d.stbl.Update("objects").
		Set("data", newRaw).
		Set("digest", digest).
		Where(sq.Eq{"row_id": rowID}).
		ToSql()
	if err != nil {
		return storage.UpdateResult{}, err
	}
	if _, err := tx.Exec(ctx, updateSQL, updateArgs...); err != nil {
		return storage.UpdateResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.UpdateResult{}, err
	}
	return storage.UpdateResult{Computed: computed}, nil
}

func (d *Datastore) Upsert(ctx context.Context, collection string, doc object.Object) error {
	raw, digest, err := encodeDoc(doc)
	if err != nil {
		return err
	}

	sqlStr, args, err := d.stbl.Insert("objects").
		Columns("collection", "row_id", "digest", "data").
		Values(collection, id.NewRowID(), digest, raw).
		Suffix("ON CONFLICT (collection, digest) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}

	_, err = d.pool.Exec(ctx, sqlStr, args...)
	return err
}

func (d *Datastore) Destroy(ctx context.Context, collection string, filter storage.Filter) (int64, error) {
	pred, err := filterToSQL(filter)
	if err != nil {
		return 0, err
	}

	sqlStr, args, err := d.stbl.Delete("objects").
		Where(sq.Eq{"collection": collection}).
		Where(pred).
		ToSql()
	if err != nil {
		return 0, err
	}

	tag, err := d.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (d *Datastore) CreateIndex(ctx context.Context, collection, field, kind string) error {
	sqlStr, args, err := d.stbl.Insert("search_indexes").
		Columns("collection", "field", "kind").
		Values(collection, field, kind).
		Suffix("ON CONFLICT (collection, field) DO NOTHING").
		ToSql()
	if err != nil {
		return err
	}
	if _, err := d.pool.Exec(ctx, sqlStr, args...); err != nil {
		return err
	}

	if kind != storage.IndexKind2D {
		return nil
	}

	indexName := fmt.Sprintf("geo_%x", xxhash.Sum64String(collection+":"+field))
	createSQL := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON objects (((%s)::float8), ((%s)::float8)) WHERE collection = '%s'",
		indexName,
		textExpr(field+".latitude"),
		textExpr(field+".longitude"),
		collection,
	)
	_, err = d.pool.Exec(ctx, createSQL)
	return err
}

func (d *Datastore) Close() {
	d.pool.Close()
}

func (d *Datastore) checkGeoIndexes(ctx context.Context, collection string, filter storage.Filter) error {
	geo := geoQuery(filter)
	if geo == nil {
		return nil
	}

	sqlStr, args, err := d.stbl.Select("COUNT(*)").
		From("search_indexes").
		Where(sq.Eq{"collection": collection, "field": geo.field, "kind": storage.IndexKind2D}).
		ToSql()
	if err != nil {
		return err
	}

	var count int64
	if err := d.pool.QueryRow(ctx, sqlStr, args...).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return &storage.MissingGeoIndexError{Collection: collection, Field: geo.field}
	}
	return nil
}

type geoQueryInfo struct {
	field    string
	lat, lng float64
}

func geoQuery(filter storage.Filter) *geoQueryInfo {
	for key, cond := range filter {
		ops, ok := operatorObject(cond)
		if !ok {
			continue
		}
		if center, geo := ops["$nearSphere"]; geo {
			if lat, lng, ok := object.AsGeoPoint(center); ok {
				return &geoQueryInfo{field: key, lat: lat, lng: lng}
			}
		}
	}
	return nil
}

// encodeDoc renders a document as canonical JSON plus a digest used for
// idempotent upserts. Go's json encoding sorts map keys, so equal documents
// produce equal digests.
func encodeDoc(doc object.Object) ([]byte, string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, "", err
	}
	return raw, fmt.Sprintf("%016x", xxhash.Sum64(raw)), nil
}
