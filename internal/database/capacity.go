package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/jgoulah/gridreport/pkg/models"
)

// UpsertPlantCapacity stores EIA capacity rows, overwriting any existing row
// for the same (plant, generator, period)
func (db *DB) UpsertPlantCapacity(ctx context.Context, records []models.PlantCapacity) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	now := formatTime(time.Now())
	var changed int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, r := range records {
			n, err := execBuilt(ctx, tx, db.sb.Insert(tablePlantCapacity).
				Columns("plant_id", "generator_id", "period", "net_summer_capacity_mw", "net_winter_capacity_mw", "updated_at").
				Values(r.PlantID, r.GeneratorID, models.PeriodKey(r.Period), r.NetSummerCapacityMW, r.NetWinterCapacityMW, now).
				Suffix(`ON CONFLICT (plant_id, generator_id, period) DO UPDATE
					SET net_summer_capacity_mw = excluded.net_summer_capacity_mw,
						net_winter_capacity_mw = excluded.net_winter_capacity_mw,
						updated_at = excluded.updated_at`))
			if err != nil {
				return err
			}
			changed += n
		}
		return nil
	})
	if err != nil {
		return 0, wrapErr("upsert plant capacity", err)
	}
	return int(changed), nil
}

// QueryPlantCapacity returns rows whose period falls in [start, end] by month,
// ordered by period, plant and generator
func (db *DB) QueryPlantCapacity(ctx context.Context, start, end time.Time) ([]models.PlantCapacity, error) {
	rows, err := db.query(ctx, capacitySelect(db.sb).
		Where(sq.GtOrEq{"period": models.PeriodKey(start)}).
		Where(sq.LtOrEq{"period": models.PeriodKey(end)}).
		OrderBy("period", "plant_id", "generator_id"))
	if err != nil {
		return nil, wrapErr("query plant capacity", err)
	}
	defer rows.Close()

	var results []models.PlantCapacity
	for rows.Next() {
		c, err := scanPlantCapacity(rows)
		if err != nil {
			return nil, wrapErr("query plant capacity", err)
		}
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("query plant capacity", err)
	}
	return results, nil
}

// LatestPlantCapacityBefore returns the newest row for the plant (and generator;
// "" is the plant-level total) whose period is at or before t's month, or nil
func (db *DB) LatestPlantCapacityBefore(ctx context.Context, plantID, generatorID string, t time.Time) (*models.PlantCapacity, error) {
	row, err := db.queryRow(ctx, capacitySelect(db.sb).
		Where(sq.Eq{"plant_id": plantID, "generator_id": generatorID}).
		Where(sq.LtOrEq{"period": models.PeriodKey(t)}).
		OrderBy("period DESC").
		Limit(1))
	if err != nil {
		return nil, wrapErr("latest plant capacity", err)
	}

	c, err := scanPlantCapacity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("latest plant capacity", err)
	}
	return &c, nil
}

func capacitySelect(sb sq.StatementBuilderType) sq.SelectBuilder {
	return sb.Select("plant_id", "generator_id", "period", "net_summer_capacity_mw", "net_winter_capacity_mw").
		From(tablePlantCapacity)
}

func scanPlantCapacity(r scanner) (models.PlantCapacity, error) {
	var (
		c      models.PlantCapacity
		period string
	)
	if err := r.Scan(&c.PlantID, &c.GeneratorID, &period, &c.NetSummerCapacityMW, &c.NetWinterCapacityMW); err != nil {
		return c, err
	}
	p, err := parsePeriod(period)
	if err != nil {
		return c, err
	}
	c.Period = p
	return c, nil
}
