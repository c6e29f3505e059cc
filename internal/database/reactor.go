package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/jgoulah/gridreport/pkg/models"
)

// UpsertReactorStatus stores NRC readings. A re-fetch of an identical value
// changes nothing; a corrected value for the same (date, unit) replaces the old one.
// Returns the number of rows inserted or changed.
func (db *DB) UpsertReactorStatus(ctx context.Context, records []models.ReactorStatus) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	now := formatTime(time.Now())
	var changed int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range records {
			n, err := execBuilt(ctx, tx, db.sb.Insert(tableReactorStatus).
				Columns("report_date", "unit_name", "power_pct", "created_at", "updated_at").
				Values(formatTime(r.ReportDate), r.UnitName, r.PowerPct, now, now).
				Suffix(`ON CONFLICT (report_date, unit_name) DO UPDATE
					SET power_pct = excluded.power_pct, updated_at = excluded.updated_at
					WHERE reactor_status.power_pct <> excluded.power_pct`))
			if err != nil {
				return err
			}
			changed += n
		}
		return nil
	})
	if err != nil {
		return 0, wrapErr("upsert reactor status", err)
	}
	return int(changed), nil
}

// QueryReactorStatus returns readings with start <= report_date <= end,
// ordered by date then unit
func (db *DB) QueryReactorStatus(ctx context.Context, start, end time.Time) ([]models.ReactorStatus, error) {
	rows, err := db.query(ctx, db.sb.Select("report_date", "unit_name", "power_pct").
		From(tableReactorStatus).
		Where(sq.GtOrEq{"report_date": formatTime(start)}).
		Where(sq.LtOrEq{"report_date": formatTime(end)}).
		OrderBy("report_date", "unit_name"))
	if err != nil {
		return nil, wrapErr("query reactor status", err)
	}
	defer rows.Close()

	var results []models.ReactorStatus
	for rows.Next() {
		r, err := scanReactorStatus(rows)
		if err != nil {
			return nil, wrapErr("query reactor status", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query reactor status", err)
	}
	return results, nil
}

// LatestReactorStatusBefore returns the unit's newest reading at or before t, or nil
func (db *DB) LatestReactorStatusBefore(ctx context.Context, unit string, t time.Time) (*models.ReactorStatus, error) {
	row, err := db.queryRow(ctx, db.sb.Select("report_date", "unit_name", "power_pct").
		From(tableReactorStatus).
		Where(sq.Eq{"unit_name": unit}).
		Where(sq.LtOrEq{"report_date": formatTime(t)}).
		OrderBy("report_date DESC").
		Limit(1))
	if err != nil {
		return nil, wrapErr("latest reactor status", err)
	}

	r, err := scanReactorStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("latest reactor status", err)
	}
	return &r, nil
}

func scanReactorStatus(r scanner) (models.ReactorStatus, error) {
	var (
		rec models.ReactorStatus
		ts  string
	)
	if err := r.Scan(&ts, &rec.UnitName, &rec.PowerPct); err != nil {
		return rec, err
	}
	t, err := parseTime(ts)
	if err != nil {
		return rec, err
	}
	rec.ReportDate = t
	return rec, nil
}
