package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"algo-dashboard/internal/snapshot"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

type QuoteRecord struct {
	TS        int64   `json:"ts"`
	Symbol    string  `json:"symbol"`
	Group     string  `json:"group"`
	Price     float64 `json:"price"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
	Source    string  `json:"source"`
	CreatedAt string  `json:"created_at"`
}

type PositionRecord struct {
	TS        int64   `json:"ts"`
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"`
	Qty       int     `json:"qty"`
	AvgPrice  float64 `json:"avg_price"`
	LTP       float64 `json:"ltp"`
	PnL       float64 `json:"pnl"`
	PnLPct    float64 `json:"pnl_pct"`
	CreatedAt string  `json:"created_at"`
}

type EventRecord struct {
	ID           int64  `json:"id"`
	TS           int64  `json:"ts"`
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	Symbol       string `json:"symbol"`
	Title        string `json:"title"`
	DedupKey     string `json:"dedup_key"`
	EvidenceJSON string `json:"evidence_json"`
	CreatedAt    string `json:"created_at"`
}

type AlertRecord struct {
	TS              int64  `json:"ts"`
	Priority        string `json:"priority"`
	GroupName       string `json:"group"`
	Title           string `json:"title"`
	DedupKey        string `json:"dedup_key"`
	Status          string `json:"status"`
	Channel         string `json:"channel"`
	DingTalkErrCode int    `json:"dingtalk_errcode"`
	DingTalkErrMsg  string `json:"dingtalk_errmsg"`
	PayloadMD       string `json:"payload_md"`
	CreatedAt       string `json:"created_at"`
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = "data/dashboard.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS quote_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			grp TEXT,
			price REAL,
			change REAL,
			change_pct REAL,
			source TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_quote_history_symbol_ts ON quote_history(symbol, ts);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			type TEXT,
			qty INTEGER,
			avg_price REAL,
			ltp REAL,
			pnl REAL,
			pnl_pct REAL,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_position_history_symbol_ts ON position_history(symbol, ts);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			type TEXT,
			severity TEXT,
			symbol TEXT,
			title TEXT,
			dedup_key TEXT,
			evidence_json TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			priority TEXT,
			group_name TEXT,
			title TEXT,
			dedup_key TEXT,
			status TEXT,
			channel TEXT,
			dingtalk_errcode INTEGER,
			dingtalk_errmsg TEXT,
			payload_md TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// InsertSnapshot writes every quote and position of snap in one transaction.
func (s *Store) InsertSnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	if s == nil || s.db == nil {
		return nil
	}
	ts := snap.UpdatedAt.Unix()
	createdAt := time.Now().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, in := range snap.Instruments {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO quote_history (ts, symbol, grp, price, change, change_pct, source, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ts, in.Symbol, string(in.Group), in.Price, in.Change(), in.ChangePct(), string(snap.Source), createdAt,
		)
		if err != nil {
			return fmt.Errorf("insert quote history: %w", err)
		}
	}
	for _, p := range snap.Positions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO position_history (ts, symbol, type, qty, avg_price, ltp, pnl, pnl_pct, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ts, p.Symbol, string(p.Type), p.Qty, p.AvgPrice, p.LTP, p.PnL(), p.PnLPct(), createdAt,
		)
		if err != nil {
			return fmt.Errorf("insert position history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

func (s *Store) QueryQuoteHistory(symbol string, limit int, offset int) ([]QuoteRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.Query(
		`SELECT ts, symbol, grp, price, change, change_pct, source, created_at
		FROM quote_history WHERE symbol = ?
		ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`,
		symbol, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query quote history: %w", err)
	}
	defer rows.Close()

	out := []QuoteRecord{}
	for rows.Next() {
		var q QuoteRecord
		if err := rows.Scan(&q.TS, &q.Symbol, &q.Group, &q.Price, &q.Change, &q.ChangePct, &q.Source, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quote history: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows quote history: %w", err)
	}
	return out, nil
}

func (s *Store) QueryPositionHistory(symbol string, limit int, offset int) ([]PositionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.Query(
		`SELECT ts, symbol, type, qty, avg_price, ltp, pnl, pnl_pct, created_at
		FROM position_history WHERE symbol = ?
		ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`,
		symbol, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query position history: %w", err)
	}
	defer rows.Close()

	out := []PositionRecord{}
	for rows.Next() {
		var p PositionRecord
		if err := rows.Scan(&p.TS, &p.Symbol, &p.Type, &p.Qty, &p.AvgPrice, &p.LTP, &p.PnL, &p.PnLPct, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan position history: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows position history: %w", err)
	}
	return out, nil
}

func (s *Store) InsertEventReturnID(e EventRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().Format(time.RFC3339)
	}
	res, err := s.db.Exec(
		`INSERT INTO events (ts, type, severity, symbol, title, dedup_key, evidence_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TS, e.Type, e.Severity, e.Symbol, e.Title, e.DedupKey, e.EvidenceJSON, e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func (s *Store) QueryEventsByDate(date string, eventType string, limit int, offset int) ([]EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	start, end, err := dateRange(date)
	if err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	query := `SELECT id, ts, type, severity, symbol, title, dedup_key, evidence_json, created_at
		FROM events WHERE ts >= ? AND ts < ?`
	args := []any{start, end}
	if eventType != "" {
		query += " AND type = ?"
		args = append(args, eventType)
	}
	query += " ORDER BY ts DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []EventRecord{}
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Severity, &e.Symbol, &e.Title, &e.DedupKey, &e.EvidenceJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows event: %w", err)
	}
	return out, nil
}

func (s *Store) InsertAlert(a AlertRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().Format(time.RFC3339)
	}
	_, err := s.db.Exec(
		`INSERT INTO alerts (ts, priority, group_name, title, dedup_key, status, channel, dingtalk_errcode, dingtalk_errmsg, payload_md, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TS, a.Priority, a.GroupName, a.Title, a.DedupKey, a.Status, a.Channel, a.DingTalkErrCode, a.DingTalkErrMsg, a.PayloadMD, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) QueryAlertsByDate(date string, status string, limit int, offset int) ([]AlertRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	start, end, err := dateRange(date)
	if err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	query := `SELECT ts, priority, group_name, title, dedup_key, status, channel, dingtalk_errcode, dingtalk_errmsg, payload_md, created_at
		FROM alerts WHERE ts >= ? AND ts < ?`
	args := []any{start, end}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY ts DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := []AlertRecord{}
	for rows.Next() {
		var a AlertRecord
		if err := rows.Scan(&a.TS, &a.Priority, &a.GroupName, &a.Title, &a.DedupKey, &a.Status, &a.Channel, &a.DingTalkErrCode, &a.DingTalkErrMsg, &a.PayloadMD, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows alert: %w", err)
	}
	return out, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// dateRange returns the unix bounds of date in exchange time (IST).
func dateRange(date string) (int64, int64, error) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.FixedZone("IST", 5*3600+1800)
	}
	t, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid date: %q", date)
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.Add(24 * time.Hour)
	return start.Unix(), end.Unix(), nil
}
