package records

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository persists records in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (s *PostgresRepository) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS found_items (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			found_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_found_items_category ON found_items (category, found_at);`,
		`CREATE TABLE IF NOT EXISTS lost_reports (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			user_email TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			description TEXT NOT NULL,
			location TEXT NOT NULL,
			date_lost DATE NOT NULL,
			identifying_features TEXT[] NOT NULL DEFAULT '{}',
			contact_phone TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lost_reports_user_created ON lost_reports (user_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS report_matches (
			id TEXT PRIMARY KEY,
			report_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			item_title TEXT NOT NULL DEFAULT '',
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_report_matches_report ON report_matches (report_id);`,
		`CREATE TABLE IF NOT EXISTS pickups (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			item_title TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			scheduled_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pickups_user_scheduled ON pickups (user_id, scheduled_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresRepository) Seed(ctx context.Context, f Fixtures) error {
	batch := &pgx.Batch{}
	for _, it := range f.Items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		batch.Queue(`INSERT INTO found_items (id, title, description, category, location, found_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			it.ID, it.Title, it.Description, it.Category, it.Location, it.FoundAt, it.Status)
	}
	for _, rep := range f.Reports {
		if rep.ID == "" {
			rep.ID = uuid.NewString()
		}
		batch.Queue(insertReportSQL+` ON CONFLICT (id) DO NOTHING`, reportArgs(rep)...)
	}
	for _, m := range f.Matches {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		batch.Queue(`INSERT INTO report_matches (id, report_id, item_id, item_title, score, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			m.ID, m.ReportID, m.ItemID, m.ItemTitle, m.Score, m.Status, m.CreatedAt)
	}
	for _, p := range f.Pickups {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		batch.Queue(`INSERT INTO pickups (id, user_id, item_id, item_title, location, scheduled_at, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			p.ID, p.UserID, p.ItemID, p.ItemTitle, p.Location, p.ScheduledAt, p.Status)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed records: %w", err)
	}
	return nil
}

const insertReportSQL = `INSERT INTO lost_reports
	(id, user_id, user_email, category, description, location, date_lost, identifying_features, contact_phone, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func reportArgs(rep Report) []any {
	return []any{
		rep.ID, rep.UserID, rep.UserEmail, rep.Category, rep.Description, rep.Location,
		rep.DateLost, nonNil(rep.IdentifyingFeatures), rep.ContactPhone, rep.Status, rep.CreatedAt,
	}
}

func (s *PostgresRepository) SearchItems(ctx context.Context, q ItemQuery) ([]Item, int, error) {
	page := q.Page.normalize()
	where := []string{"TRUE"}
	var args []any
	if q.Category != "" {
		args = append(args, q.Category)
		where = append(where, "category = $"+strconv.Itoa(len(args)))
	}
	if kw := strings.TrimSpace(q.Keyword); kw != "" {
		args = append(args, "%"+kw+"%")
		where = append(where, "(title || ' ' || description || ' ' || location) ILIKE $"+strconv.Itoa(len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM found_items WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}

	limitArg := len(args) + 1
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, description, category, location, found_at, status FROM found_items WHERE `+cond+
			` ORDER BY found_at DESC LIMIT $`+strconv.Itoa(limitArg)+` OFFSET $`+strconv.Itoa(limitArg+1),
		append(args, page.Limit, page.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Title, &it.Description, &it.Category, &it.Location, &it.FoundAt, &it.Status); err != nil {
			return nil, 0, fmt.Errorf("scan item row: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate item rows: %w", err)
	}
	return out, total, nil
}

func (s *PostgresRepository) CreateReport(ctx context.Context, d ReportDraft) (Report, error) {
	rep := reportFromDraft(d)
	if _, err := s.pool.Exec(ctx, insertReportSQL, reportArgs(rep)...); err != nil {
		return Report{}, fmt.Errorf("insert report: %w", err)
	}
	return rep, nil
}

const pgReportColumns = `id, user_id, user_email, category, description, location, date_lost, identifying_features, contact_phone, status, created_at`

func scanPGReport(row pgx.Row) (Report, error) {
	var rep Report
	if err := row.Scan(&rep.ID, &rep.UserID, &rep.UserEmail, &rep.Category, &rep.Description, &rep.Location,
		&rep.DateLost, &rep.IdentifyingFeatures, &rep.ContactPhone, &rep.Status, &rep.CreatedAt); err != nil {
		return Report{}, err
	}
	if len(rep.IdentifyingFeatures) == 0 {
		rep.IdentifyingFeatures = nil
	}
	return rep, nil
}

func (s *PostgresRepository) ListReports(ctx context.Context, userID string, page Page) ([]Report, int, error) {
	page = page.normalize()
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM lost_reports WHERE user_id=$1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgReportColumns+` FROM lost_reports WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		userID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []Report
	for rows.Next() {
		rep, err := scanPGReport(rows)
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

func (s *PostgresRepository) GetReport(ctx context.Context, id string) (Report, error) {
	rep, err := scanPGReport(s.pool.QueryRow(ctx, `SELECT `+pgReportColumns+` FROM lost_reports WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("get report: %w", err)
	}
	return rep, nil
}

func (s *PostgresRepository) LatestReport(ctx context.Context, userID string) (Report, error) {
	rep, err := scanPGReport(s.pool.QueryRow(ctx,
		`SELECT `+pgReportColumns+` FROM lost_reports WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT 1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("latest report: %w", err)
	}
	return rep, nil
}

func (s *PostgresRepository) MatchesForReport(ctx context.Context, reportID string, page Page) ([]Match, int, error) {
	page = page.normalize()
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM report_matches WHERE report_id=$1`, reportID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count matches: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, report_id, item_id, item_title, score, status, created_at FROM report_matches
		 WHERE report_id=$1 ORDER BY score DESC LIMIT $2 OFFSET $3`,
		reportID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.ReportID, &m.ItemID, &m.ItemTitle, &m.Score, &m.Status, &m.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan match row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate match rows: %w", err)
	}
	return out, total, nil
}

func (s *PostgresRepository) ListPickups(ctx context.Context, userID string, page Page) ([]Pickup, int, error) {
	page = page.normalize()
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pickups WHERE user_id=$1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pickups: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, item_id, item_title, location, scheduled_at, status FROM pickups
		 WHERE user_id=$1 ORDER BY scheduled_at ASC LIMIT $2 OFFSET $3`,
		userID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query pickups: %w", err)
	}
	defer rows.Close()

	var out []Pickup
	for rows.Next() {
		var p Pickup
		if err := rows.Scan(&p.ID, &p.UserID, &p.ItemID, &p.ItemTitle, &p.Location, &p.ScheduledAt, &p.Status); err != nil {
			return nil, 0, fmt.Errorf("scan pickup row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate pickup rows: %w", err)
	}
	return out, total, nil
}

func (s *PostgresRepository) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresRepository) Close() error {
	s.pool.Close()
	return nil
}
