package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteRepository keeps records in a single SQLite file.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(ctx context.Context, dbPath string) (*SQLiteRepository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return repo, nil
}

func (s *SQLiteRepository) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS found_items (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		found_at INTEGER NOT NULL,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_found_items_category ON found_items(category, found_at);

	CREATE TABLE IF NOT EXISTS lost_reports (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		user_email TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		description TEXT NOT NULL,
		location TEXT NOT NULL,
		date_lost INTEGER NOT NULL,
		features_json TEXT NOT NULL DEFAULT '[]',
		contact_phone TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lost_reports_user ON lost_reports(user_id, created_at);

	CREATE TABLE IF NOT EXISTS report_matches (
		id TEXT PRIMARY KEY,
		report_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		item_title TEXT NOT NULL DEFAULT '',
		score REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_report_matches_report ON report_matches(report_id);

	CREATE TABLE IF NOT EXISTS pickups (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		item_title TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		scheduled_at INTEGER NOT NULL,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pickups_user ON pickups(user_id, scheduled_at);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) Seed(ctx context.Context, f Fixtures) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()

	for _, it := range f.Items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO found_items (id, title, description, category, location, found_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.Title, it.Description, it.Category, it.Location, it.FoundAt.Unix(), it.Status,
		); err != nil {
			return fmt.Errorf("seed item: %w", err)
		}
	}
	for _, rep := range f.Reports {
		if rep.ID == "" {
			rep.ID = uuid.NewString()
		}
		if err := insertSQLiteReport(ctx, tx, rep); err != nil {
			return err
		}
	}
	for _, m := range f.Matches {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO report_matches (id, report_id, item_id, item_title, score, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ReportID, m.ItemID, m.ItemTitle, m.Score, m.Status, m.CreatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("seed match: %w", err)
		}
	}
	for _, p := range f.Pickups {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO pickups (id, user_id, item_id, item_title, location, scheduled_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.UserID, p.ItemID, p.ItemTitle, p.Location, p.ScheduledAt.Unix(), p.Status,
		); err != nil {
			return fmt.Errorf("seed pickup: %w", err)
		}
	}
	return tx.Commit()
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSQLiteReport(ctx context.Context, db sqlExecer, rep Report) error {
	features, err := json.Marshal(nonNil(rep.IdentifyingFeatures))
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO lost_reports
		 (id, user_id, user_email, category, description, location, date_lost, features_json, contact_phone, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.ID, rep.UserID, rep.UserEmail, rep.Category, rep.Description, rep.Location,
		rep.DateLost.Unix(), string(features), rep.ContactPhone, rep.Status, rep.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *SQLiteRepository) SearchItems(ctx context.Context, q ItemQuery) ([]Item, int, error) {
	page := q.Page.normalize()
	where := []string{"1=1"}
	var args []any
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, q.Category)
	}
	if kw := strings.ToLower(strings.TrimSpace(q.Keyword)); kw != "" {
		where = append(where, "lower(title || ' ' || description || ' ' || location) LIKE ?")
		args = append(args, "%"+kw+"%")
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM found_items WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, category, location, found_at, status FROM found_items WHERE `+cond+
			` ORDER BY found_at DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		var foundAt int64
		if err := rows.Scan(&it.ID, &it.Title, &it.Description, &it.Category, &it.Location, &foundAt, &it.Status); err != nil {
			return nil, 0, fmt.Errorf("scan item row: %w", err)
		}
		it.FoundAt = time.Unix(foundAt, 0).UTC()
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate item rows: %w", err)
	}
	return out, total, nil
}

func (s *SQLiteRepository) CreateReport(ctx context.Context, d ReportDraft) (Report, error) {
	rep := reportFromDraft(d)
	if err := insertSQLiteReport(ctx, s.db, rep); err != nil {
		return Report{}, err
	}
	return rep, nil
}

const sqliteReportColumns = `id, user_id, user_email, category, description, location, date_lost, features_json, contact_phone, status, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteReport(row rowScanner) (Report, error) {
	var rep Report
	var dateLost, createdAt int64
	var features string
	if err := row.Scan(&rep.ID, &rep.UserID, &rep.UserEmail, &rep.Category, &rep.Description, &rep.Location,
		&dateLost, &features, &rep.ContactPhone, &rep.Status, &createdAt); err != nil {
		return Report{}, err
	}
	rep.DateLost = time.Unix(dateLost, 0).UTC()
	rep.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(features), &rep.IdentifyingFeatures); err != nil {
		return Report{}, fmt.Errorf("decode features: %w", err)
	}
	if len(rep.IdentifyingFeatures) == 0 {
		rep.IdentifyingFeatures = nil
	}
	return rep, nil
}

func (s *SQLiteRepository) ListReports(ctx context.Context, userID string, page Page) ([]Report, int, error) {
	page = page.normalize()
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lost_reports WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteReportColumns+` FROM lost_reports WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		rep, err := scanSQLiteReport(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan report row: %w", err)
		}
		out = append(out, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate report rows: %w", err)
	}
	return out, total, nil
}

func (s *SQLiteRepository) GetReport(ctx context.Context, id string) (Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteReportColumns+` FROM lost_reports WHERE id = ?`, id)
	rep, err := scanSQLiteReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("get report: %w", err)
	}
	return rep, nil
}

func (s *SQLiteRepository) LatestReport(ctx context.Context, userID string) (Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteReportColumns+` FROM lost_reports WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, userID)
	rep, err := scanSQLiteReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("latest report: %w", err)
	}
	return rep, nil
}

func (s *SQLiteRepository) MatchesForReport(ctx context.Context, reportID string, page Page) ([]Match, int, error) {
	page = page.normalize()
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM report_matches WHERE report_id = ?`, reportID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count matches: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, report_id, item_id, item_title, score, status, created_at FROM report_matches
		 WHERE report_id = ? ORDER BY score DESC LIMIT ? OFFSET ?`,
		reportID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ReportID, &m.ItemID, &m.ItemTitle, &m.Score, &m.Status, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan match row: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate match rows: %w", err)
	}
	return out, total, nil
}

func (s *SQLiteRepository) ListPickups(ctx context.Context, userID string, page Page) ([]Pickup, int, error) {
	page = page.normalize()
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pickups WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pickups: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, item_id, item_title, location, scheduled_at, status FROM pickups
		 WHERE user_id = ? ORDER BY scheduled_at ASC LIMIT ? OFFSET ?`,
		userID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query pickups: %w", err)
	}
	defer rows.Close()

	var out []Pickup
	for rows.Next() {
		var p Pickup
		var scheduledAt int64
		if err := rows.Scan(&p.ID, &p.UserID, &p.ItemID, &p.ItemTitle, &p.Location, &scheduledAt, &p.Status); err != nil {
			return nil, 0, fmt.Errorf("scan pickup row: %w", err)
		}
		p.ScheduledAt = time.Unix(scheduledAt, 0).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate pickup rows: %w", err)
	}
	return out, total, nil
}

func (s *SQLiteRepository) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
