package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/jgoulah/gridreport/pkg/models"
)

// RecordPublish logs a successful post
func (db *DB) RecordPublish(ctx context.Context, rec models.PublishRecord) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := execBuilt(ctx, tx, db.sb.Insert(tablePublishLog).
			Columns("process", "posted_at", "uri").
			Values(rec.Process, formatTime(rec.PostedAt), rec.URI).
			Suffix("ON CONFLICT (process, posted_at) DO NOTHING"))
		return err
	})
	return wrapErr("record publish", err)
}

// LastPublish returns the most recent successful post for process, or nil
func (db *DB) LastPublish(ctx context.Context, process string) (*models.PublishRecord, error) {
	row, err := db.queryRow(ctx, db.sb.Select("process", "posted_at", "uri").
		From(tablePublishLog).
		Where(sq.Eq{"process": process}).
		OrderBy("posted_at DESC").
		Limit(1))
	if err != nil {
		return nil, wrapErr("last publish", err)
	}

	var (
		rec      models.PublishRecord
		postedAt string
	)
	err = row.Scan(&rec.Process, &postedAt, &rec.URI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("last publish", err)
	}
	if rec.PostedAt, err = parseTime(postedAt); err != nil {
		return nil, wrapErr("last publish", err)
	}
	return &rec, nil
}

// Counts is the number of stored rows per table
type Counts struct {
	LoadSamples   int
	ReactorStatus int
	PlantCapacity int
	Publishes     int
}

// Counts returns row counts for every table
func (db *DB) Counts(ctx context.Context) (*Counts, error) {
	var c Counts
	targets := []struct {
		table string
		dest  *int
	}{
		{tableLoadSamples, &c.LoadSamples},
		{tableReactorStatus, &c.ReactorStatus},
		{tablePlantCapacity, &c.PlantCapacity},
		{tablePublishLog, &c.Publishes},
	}

	for _, tgt := range targets {
		row, err := db.queryRow(ctx, db.sb.Select("COUNT(*)").From(tgt.table))
		if err != nil {
			return nil, wrapErr("count", err)
		}
		if err := row.Scan(tgt.dest); err != nil {
			return nil, wrapErr("count", fmt.Errorf("counting %s: %w", tgt.table, err))
		}
	}
	return &c, nil
}
