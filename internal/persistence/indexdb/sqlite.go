package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteIndex is a secondary ledger of trades and bug reports. Writes are
// queued and applied by one goroutine; the state file stays the source of
// truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTrade atomic.Uint64
	dropBug   atomic.Uint64
}

type reqKind int

const (
	reqTrade reqKind = iota + 1
	reqBug
)

type req struct {
	kind reqKind

	trade TradeRow
	bug   BugRow
}

// TradeRow is one executed trade.
type TradeRow struct {
	At             time.Time
	SectorID       int
	PortID         int
	Commodity      string
	Side           string
	Quantity       int
	UnitPrice      int
	Profit         int64
	IdempotencyKey string
}

// BugRow indexes one bug-report directory.
type BugRow struct {
	Dir       string
	Kind      string
	Command   string
	Code      int
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
	Summary   string
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropTradeTotal uint64
	DropBugTotal   uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			sector_id INTEGER NOT NULL,
			port_id INTEGER NOT NULL,
			commodity TEXT NOT NULL,
			side TEXT NOT NULL,
			qty INTEGER NOT NULL,
			unit_price INTEGER NOT NULL,
			profit INTEGER NOT NULL,
			idempotency_key TEXT UNIQUE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_port ON trades(port_id, ts);`,
		`CREATE TABLE IF NOT EXISTS bug_reports (
			dir TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			command TEXT NOT NULL,
			code INTEGER NOT NULL,
			count INTEGER NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			summary_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bug_reports_command ON bug_reports(command, code);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Close drains the queue and closes the database.
func (s *SQLiteIndex) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) RecordTrade(row TradeRow) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqTrade, trade: row}:
	default:
		s.dropTrade.Add(1)
	}
}

func (s *SQLiteIndex) RecordBug(row BugRow) {
	if s == nil || s.closed.Load() || row.Dir == "" {
		return
	}
	select {
	case s.ch <- req{kind: reqBug, bug: row}:
	default:
		s.dropBug.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropTradeTotal: s.dropTrade.Load(),
		DropBugTotal:   s.dropBug.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTrade, _ := s.db.Prepare(`INSERT OR IGNORE INTO trades(ts,sector_id,port_id,commodity,side,qty,unit_price,profit,idempotency_key) VALUES(?,?,?,?,?,?,?,?,?)`)
	upsertBug, _ := s.db.Prepare(`INSERT INTO bug_reports(dir,kind,command,code,count,first_seen,last_seen,summary_json) VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(dir) DO UPDATE SET count=excluded.count, last_seen=excluded.last_seen, summary_json=excluded.summary_json`)
	defer func() {
		if insertTrade != nil {
			_ = insertTrade.Close()
		}
		if upsertBug != nil {
			_ = upsertBug.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 200
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	// The bot writes a handful of rows per minute, so an idle queue commits
	// right away.
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if len(s.ch) == 0 || opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTrade:
			t := r.trade
			var key sql.NullString
			if t.IdempotencyKey != "" {
				key = sql.NullString{String: t.IdempotencyKey, Valid: true}
			}
			if insertTrade != nil {
				if _, err := tx.Stmt(insertTrade).Exec(
					t.At.UTC().Format(time.RFC3339Nano),
					t.SectorID,
					t.PortID,
					t.Commodity,
					t.Side,
					t.Quantity,
					t.UnitPrice,
					t.Profit,
					key,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqBug:
			b := r.bug
			summary := b.Summary
			if summary == "" {
				summary = "{}"
			}
			if upsertBug != nil {
				if _, err := tx.Stmt(upsertBug).Exec(
					b.Dir,
					b.Kind,
					b.Command,
					b.Code,
					b.Count,
					b.FirstSeen.UTC().Format(time.RFC3339Nano),
					b.LastSeen.UTC().Format(time.RFC3339Nano),
					summary,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
