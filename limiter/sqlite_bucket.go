package limiter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rate_items (
	bucket_key TEXT    NOT NULL,
	ts_ms      INTEGER NOT NULL,
	weight     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_items_key_ts ON rate_items (bucket_key, ts_ms);
`

// OpenSQLite opens (creating if needed) the database file backing SQLite
// buckets and ensures the schema exists. Transactions take the write lock
// up front so concurrent admissions serialize instead of failing.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare sqlite schema in %q: %w", path, err)
	}
	return db, nil
}

// sqliteBucket persists admissions in a table so bucket state survives
// process restarts. One database may back any number of buckets; rows are
// partitioned by key.
type sqliteBucket struct {
	db     *sql.DB
	key    string
	rates  []Rate
	clock  Clock
	widest time.Duration
}

// NewSQLiteBucket creates a bucket stored in the given database, normally
// one obtained from OpenSQLite.
func NewSQLiteBucket(db *sql.DB, key string, rates []Rate, clock Clock) (Bucket, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite bucket for key %q: db must not be nil", key)
	}
	if err := validateRates(rates); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &sqliteBucket{
		db:     db,
		key:    key,
		rates:  append([]Rate(nil), rates...),
		clock:  clock,
		widest: widestInterval(rates),
	}, nil
}

func (b *sqliteBucket) Put(ctx context.Context, item RateItem) error {
	return b.record(ctx, item, false)
}

func (b *sqliteBucket) Fill(ctx context.Context, item RateItem) error {
	return b.record(ctx, item, true)
}

func (b *sqliteBucket) record(ctx context.Context, item RateItem, force bool) error {
	if item.Weight < 1 {
		return ErrInvalidWeight
	}

	now := item.Timestamp
	if now.IsZero() {
		now = b.clock.Now()
	}
	nowMS := now.UnixMilli()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite bucket for key %q: %w", b.key, err)
	}
	defer tx.Rollback()

	horizon := nowMS - b.widest.Milliseconds()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_items WHERE bucket_key = ? AND ts_ms < ?`, b.key, horizon); err != nil {
		return fmt.Errorf("sqlite bucket for key %q: evict: %w", b.key, err)
	}

	if !force {
		for _, rate := range b.rates {
			// Oversized weights never fit; zero RetryAfter marks the
			// refusal as non-retryable.
			if item.Weight > rate.Limit {
				return &BucketFullError{Key: b.key, Rate: rate}
			}
			cutoff := nowMS - rate.Interval.Milliseconds()

			var count int64
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(SUM(weight), 0) FROM rate_items WHERE bucket_key = ? AND ts_ms >= ?`,
				b.key, cutoff).Scan(&count); err != nil {
				return fmt.Errorf("sqlite bucket for key %q: count: %w", b.key, err)
			}
			if count+item.Weight <= rate.Limit {
				continue
			}

			var retry time.Time
			var oldest sql.NullInt64
			if err := tx.QueryRowContext(ctx,
				`SELECT MIN(ts_ms) FROM rate_items WHERE bucket_key = ? AND ts_ms >= ?`,
				b.key, cutoff).Scan(&oldest); err != nil {
				return fmt.Errorf("sqlite bucket for key %q: oldest: %w", b.key, err)
			}
			if oldest.Valid {
				retry = time.UnixMilli(oldest.Int64).Add(rate.Interval)
			}
			return &BucketFullError{Key: b.key, Rate: rate, RetryAfter: retry}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_items (bucket_key, ts_ms, weight) VALUES (?, ?, ?)`,
		b.key, nowMS, item.Weight); err != nil {
		return fmt.Errorf("sqlite bucket for key %q: insert: %w", b.key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite bucket for key %q: commit: %w", b.key, err)
	}
	return nil
}

func (b *sqliteBucket) Count(ctx context.Context, interval time.Duration) (int64, error) {
	cutoff := b.clock.Now().Add(-interval).UnixMilli()

	var count int64
	if err := b.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(weight), 0) FROM rate_items WHERE bucket_key = ? AND ts_ms >= ?`,
		b.key, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite bucket for key %q: count: %w", b.key, err)
	}
	return count, nil
}

func (b *sqliteBucket) Rates() []Rate {
	return append([]Rate(nil), b.rates...)
}
