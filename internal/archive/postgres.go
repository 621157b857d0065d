// Package archive keeps a copy of every record uploaded to ESDR in Postgres.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/i474232898/air-quality-connectors/internal/airquality"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS esdr_uploads (
    feed_id       integer          NOT NULL,
    sample_time   timestamptz      NOT NULL,
    connector     text             NOT NULL,
    channel_names text[]           NOT NULL,
    row_values    jsonb            NOT NULL,
    uploaded_at   timestamptz      NOT NULL,
    PRIMARY KEY (feed_id, sample_time)
)`

const upsertSQL = `INSERT INTO esdr_uploads (feed_id, sample_time, connector, channel_names, row_values, uploaded_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (feed_id, sample_time) DO UPDATE
SET connector = EXCLUDED.connector,
    channel_names = EXCLUDED.channel_names,
    row_values = EXCLUDED.row_values,
    uploaded_at = EXCLUDED.uploaded_at`

// PostgresArchive implements airquality.Archive on a pgx pool.
type PostgresArchive struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New connects to databaseURL and makes sure the archive table exists.
func New(ctx context.Context, databaseURL string) (*PostgresArchive, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	a := &PostgresArchive{pool: pool, now: time.Now}
	if err := a.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the pool resources.
func (a *PostgresArchive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// EnsureSchema creates the archive table when missing.
func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create esdr_uploads: %w", err)
	}
	return nil
}

// SaveEntries upserts one row per uploaded sample in a single batch.
func (a *PostgresArchive) SaveEntries(ctx context.Context, connector string, entries []airquality.Entry) error {
	rows, err := buildRows(connector, entries, a.now().UTC())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertSQL, r.FeedID, r.SampleTime, r.Connector, r.ChannelNames, r.Row, r.UploadedAt)
	}

	res := a.pool.SendBatch(ctx, batch)
	defer res.Close()

	for range rows {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("archive upsert: %w", err)
		}
	}
	return nil
}

// uploadRow is one esdr_uploads row.
type uploadRow struct {
	FeedID       int
	SampleTime   time.Time
	Connector    string
	ChannelNames []string
	Row          []byte
	UploadedAt   time.Time
}

// buildRows flattens entries into table rows. Every data row of an entry
// becomes its own table row keyed by its leading timestamp.
func buildRows(connector string, entries []airquality.Entry, uploadedAt time.Time) ([]uploadRow, error) {
	var rows []uploadRow
	for _, e := range entries {
		for _, data := range e.EsdrData.Data {
			if len(data) == 0 {
				continue
			}
			secs, ok := data[0].(float64)
			if !ok || math.IsNaN(secs) {
				return nil, fmt.Errorf("archive feed %d: %w", e.FeedID, airquality.ErrMissingTime)
			}
			encoded, err := json.Marshal(data)
			if err != nil {
				return nil, fmt.Errorf("archive feed %d: %w", e.FeedID, err)
			}
			rows = append(rows, uploadRow{
				FeedID:       e.FeedID,
				SampleTime:   unixTime(secs),
				Connector:    connector,
				ChannelNames: e.EsdrData.ChannelNames,
				Row:          encoded,
				UploadedAt:   uploadedAt,
			})
		}
	}
	return rows, nil
}

func unixTime(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC()
}

var _ airquality.Archive = (*PostgresArchive)(nil)
