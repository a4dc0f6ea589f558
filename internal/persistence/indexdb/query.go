package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

// TradeSummary aggregates the trade ledger.
type TradeSummary struct {
	Trades int
	Buys   int
	Sells  int
	Profit int64
}

// OpenExisting opens a ledger for queries without starting the writer.
func OpenExisting(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return db, nil
}

func SummarizeTrades(ctx context.Context, db *sql.DB) (TradeSummary, error) {
	var out TradeSummary
	row := db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN side='buy' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN side='sell' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(profit),0)
		FROM trades`)
	if err := row.Scan(&out.Trades, &out.Buys, &out.Sells, &out.Profit); err != nil {
		return TradeSummary{}, err
	}
	return out, nil
}

// RecentTrades returns up to limit trades, newest first.
func RecentTrades(ctx context.Context, db *sql.DB, limit int) ([]TradeRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `SELECT ts,sector_id,port_id,commodity,side,qty,unit_price,profit,COALESCE(idempotency_key,'')
		FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TradeRow
	for rows.Next() {
		var (
			t  TradeRow
			ts string
		)
		if err := rows.Scan(&ts, &t.SectorID, &t.PortID, &t.Commodity, &t.Side, &t.Quantity, &t.UnitPrice, &t.Profit, &t.IdempotencyKey); err != nil {
			return nil, err
		}
		t.At, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

// BugReports lists indexed report directories, most frequent first.
func BugReports(ctx context.Context, db *sql.DB) ([]BugRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT dir,kind,command,code,count,first_seen,last_seen,summary_json
		FROM bug_reports ORDER BY count DESC, dir ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BugRow
	for rows.Next() {
		var (
			b           BugRow
			first, last string
		)
		if err := rows.Scan(&b.Dir, &b.Kind, &b.Command, &b.Code, &b.Count, &first, &last, &b.Summary); err != nil {
			return nil, err
		}
		b.FirstSeen, _ = time.Parse(time.RFC3339Nano, first)
		b.LastSeen, _ = time.Parse(time.RFC3339Nano, last)
		out = append(out, b)
	}
	return out, rows.Err()
}
