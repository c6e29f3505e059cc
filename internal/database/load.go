package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/jgoulah/gridreport/pkg/models"
)

// UpsertLoadSamples inserts samples, ignoring timestamps already stored.
// Returns the number of new rows.
func (db *DB) UpsertLoadSamples(ctx context.Context, samples []models.LoadSample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	createdAt := formatTime(time.Now())
	var inserted int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, s := range samples {
			n, err := execBuilt(ctx, tx, db.sb.Insert(tableLoadSamples).
				Columns("ts", "load_mw", "created_at").
				Values(formatTime(s.Timestamp), s.LoadMW, createdAt).
				Suffix("ON CONFLICT (ts) DO NOTHING"))
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, wrapErr("upsert load samples", err)
	}
	return int(inserted), nil
}

// QueryLoadSamples returns samples with start <= ts <= end, ascending
func (db *DB) QueryLoadSamples(ctx context.Context, start, end time.Time) ([]models.LoadSample, error) {
	rows, err := db.query(ctx, db.sb.Select("ts", "load_mw").
		From(tableLoadSamples).
		Where(sq.GtOrEq{"ts": formatTime(start)}).
		Where(sq.LtOrEq{"ts": formatTime(end)}).
		OrderBy("ts"))
	if err != nil {
		return nil, wrapErr("query load samples", err)
	}
	defer rows.Close()

	var results []models.LoadSample
	for rows.Next() {
		s, err := scanLoadSample(rows)
		if err != nil {
			return nil, wrapErr("query load samples", err)
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query load samples", err)
	}
	return results, nil
}

// LatestLoadSampleBefore returns the newest sample at or before t, or nil if none
func (db *DB) LatestLoadSampleBefore(ctx context.Context, t time.Time) (*models.LoadSample, error) {
	row, err := db.queryRow(ctx, db.sb.Select("ts", "load_mw").
		From(tableLoadSamples).
		Where(sq.LtOrEq{"ts": formatTime(t)}).
		OrderBy("ts DESC").
		Limit(1))
	if err != nil {
		return nil, wrapErr("latest load sample", err)
	}

	s, err := scanLoadSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("latest load sample", err)
	}
	return &s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLoadSample(r scanner) (models.LoadSample, error) {
	var (
		s  models.LoadSample
		ts string
	)
	if err := r.Scan(&ts, &s.LoadMW); err != nil {
		return s, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return s, err
	}
	s.Timestamp = t
	return s, nil
}
