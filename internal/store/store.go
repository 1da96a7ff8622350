// Package store persists telemetry and overlay records in ClickHouse.
// Each table is append-only, ordered by (adnl_address, ts), and carries a
// fixed-horizon TTL; every read re-applies the retention horizon so rows
// the server has not physically purged yet still never surface.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// TelemetryTable holds node status reports.
	TelemetryTable = "telemetry_data"
	// OverlayTable holds overlay-network statistics reports.
	OverlayTable = "overlay_data"

	// DefaultRetention is the horizon after which records become
	// unreachable and are eventually purged.
	DefaultRetention = 90 * 24 * time.Hour
)

// ErrNotFound reports that no record matched a single-record lookup.
// Callers distinguish it from an empty payload.
var ErrNotFound = errors.New("store: record not found")

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Record is one ingested report. Seqno is a per-process monotonic counter
// used only to break ordering ties between records sharing a timestamp;
// it never leaves the store's callers.
type Record struct {
	Timestamp     time.Time
	Seqno         uint64
	ADNLAddress   string
	OriginHash    string
	OriginCountry *string
	OriginISP     *string
	ValidatorInfo *string
	Payload       string
}

// Filter selects records for Query. From is exclusive, To inclusive; a
// zero To means "now". Empty string filters impose no constraint.
type Filter struct {
	From        time.Time
	To          time.Time
	ADNLAddress string
	OriginHash  string
}

// Store reads and writes one table. Construct one per table over a shared
// connection.
type Store struct {
	log       *slog.Logger
	conn      Conn
	clock     clockwork.Clock
	table     string
	retention time.Duration

	seq atomic.Uint64
}

// New creates a store over conn for the given table.
func New(log *slog.Logger, conn Conn, table string, clock clockwork.Clock, retention time.Duration) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if conn == nil {
		return nil, errors.New("connection is required")
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %q", table)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		log:       log,
		conn:      conn,
		clock:     clock,
		table:     table,
		retention: retention,
	}, nil
}

// EnsureSchema creates the table if it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	days := int(s.retention / (24 * time.Hour))
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts DateTime64(3),
		seqno UInt64,
		adnl_address String,
		origin_hash String,
		origin_country Nullable(String),
		origin_isp Nullable(String),
		validator_info Nullable(String),
		payload String
	) ENGINE = MergeTree
	ORDER BY (adnl_address, ts)
	TTL toDateTime(ts) + INTERVAL %d DAY`, s.table, days)

	if err := s.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure table %s: %w", s.table, err)
	}
	return nil
}

// Insert appends one record. Content is not inspected; validation happens
// upstream. Timestamp and Seqno are assigned here.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	rec.Timestamp = s.clock.Now().UTC()
	rec.Seqno = s.seq.Add(1)

	query := fmt.Sprintf(`INSERT INTO %s
		(ts, seqno, adnl_address, origin_hash, origin_country, origin_isp, validator_info, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		rec.Timestamp, rec.Seqno, rec.ADNLAddress, rec.OriginHash,
		rec.OriginCountry, rec.OriginISP, rec.ValidatorInfo, rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", s.table, err)
	}
	return nil
}

// horizon is the oldest instant reads may reach. Rows past it are treated
// as gone even when the TTL merge has not removed them yet.
func (s *Store) horizon() time.Time {
	return s.clock.Now().UTC().Add(-s.retention)
}

// effectiveSince clamps a caller bound to the retention horizon.
func (s *Store) effectiveSince(since time.Time) time.Time {
	if h := s.horizon(); since.Before(h) {
		return h
	}
	return since
}

// Query returns all live records matching the filter, ordered by
// (ts, seqno) so repeated identical queries agree.
func (s *Store) Query(ctx context.Context, f Filter) ([]Record, error) {
	to := f.To
	if to.IsZero() {
		to = s.clock.Now().UTC()
	}

	query, args := s.buildQuery(f.From, to, f.ADNLAddress, f.OriginHash)
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Timestamp, &rec.ADNLAddress, &rec.OriginHash,
			&rec.OriginCountry, &rec.OriginISP, &rec.ValidatorInfo, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", s.table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", s.table, err)
	}
	return out, nil
}

func (s *Store) buildQuery(from, to time.Time, adnl, originHash string) (string, []any) {
	query := fmt.Sprintf(`SELECT ts, adnl_address, origin_hash, origin_country, origin_isp, validator_info, payload
		FROM %s
		WHERE ts > ? AND ts <= ? AND ts > ?`, s.table)
	args := []any{from, to, s.horizon()}

	if adnl != "" {
		query += " AND adnl_address = ?"
		args = append(args, adnl)
	}
	if originHash != "" {
		query += " AND origin_hash = ?"
		args = append(args, originHash)
	}
	query += " ORDER BY ts, seqno"
	return query, args
}

// LatestByIdentity returns the most recent live record for an identity
// with ts > since, or ErrNotFound.
func (s *Store) LatestByIdentity(ctx context.Context, adnl string, since time.Time) (*Record, error) {
	return s.latestBy(ctx, "adnl_address", adnl, since)
}

// LatestByOrigin returns the most recent live record for an origin hash
// with ts > since, or ErrNotFound.
func (s *Store) LatestByOrigin(ctx context.Context, originHash string, since time.Time) (*Record, error) {
	return s.latestBy(ctx, "origin_hash", originHash, since)
}

func (s *Store) latestBy(ctx context.Context, column, value string, since time.Time) (*Record, error) {
	query := fmt.Sprintf(`SELECT ts, adnl_address, origin_hash, origin_country, origin_isp, validator_info, payload
		FROM %s
		WHERE %s = ? AND ts > ?
		ORDER BY ts DESC, seqno DESC
		LIMIT 1`, s.table, column)

	rows, err := s.conn.Query(ctx, query, value, s.effectiveSince(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate %s rows: %w", s.table, err)
		}
		return nil, ErrNotFound
	}

	var rec Record
	if err := rows.Scan(&rec.Timestamp, &rec.ADNLAddress, &rec.OriginHash,
		&rec.OriginCountry, &rec.OriginISP, &rec.ValidatorInfo, &rec.Payload); err != nil {
		return nil, fmt.Errorf("failed to scan %s row: %w", s.table, err)
	}
	return &rec, nil
}

// ExistsSince reports whether any live record for the identity has
// ts > since. An existence probe over the ordering key, not a scan.
func (s *Store) ExistsSince(ctx context.Context, adnl string, since time.Time) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE adnl_address = ? AND ts > ? LIMIT 1`, s.table)

	rows, err := s.conn.Query(ctx, query, adnl, s.effectiveSince(since))
	if err != nil {
		return false, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	defer rows.Close()

	found := rows.Next()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to iterate %s rows: %w", s.table, err)
	}
	return found, nil
}
