package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jinhuaxiao/longport-quant-new-sub000/internal/market"
)

// ============================================================================
// KLINE CACHE
// ============================================================================

// KlineRange returns cached daily bars for symbol in [from, to], ascending.
func (r *Repository) KlineRange(ctx context.Context, symbol string, from, to time.Time) ([]market.Candle, error) {
	query := `
		SELECT date, open, high, low, close, volume
		FROM kline_daily
		WHERE symbol = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, symbol, dateOnly(from), dateOnly(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query klines for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.Date, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		c.Date = dateOnly(c.Date)
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertKlines writes bars into the cache, newest data winning on conflict.
// Returns the number of rows written.
func (r *Repository) UpsertKlines(ctx context.Context, symbol string, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	query := `
		INSERT INTO kline_daily (symbol, date, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol, date) DO UPDATE
		SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		    close = EXCLUDED.close, volume = EXCLUDED.volume
	`
	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(query, symbol, dateOnly(c.Date), c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	written := 0
	for range candles {
		if _, err := results.Exec(); err != nil {
			return written, fmt.Errorf("failed to upsert klines for %s: %w", symbol, err)
		}
		written++
	}
	return written, nil
}

// KlineCount returns how many cached bars exist for symbol.
func (r *Repository) KlineCount(ctx context.Context, symbol string) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM kline_daily WHERE symbol = $1`, symbol).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count klines for %s: %w", symbol, err)
	}
	return n, nil
}

// dateOnly collapses a timestamp to midnight UTC of its calendar date, the
// canonical form for kline_daily.date.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
