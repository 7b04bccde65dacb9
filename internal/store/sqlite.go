package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MeKo-Tech/cautiond/internal/card"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: exec %s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS patients (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	dob        TEXT,
	blood_type TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS caution_cards (
	id                 TEXT PRIMARY KEY,
	original_file_path TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'processing_ocr',
	ocr_results        TEXT,
	reviewed_data      TEXT,
	linked_patient_id  TEXT REFERENCES patients(id) ON DELETE SET NULL,
	reviewed_by        TEXT,
	reviewed_date      DATETIME,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS orphaned_caution_cards (
	id                 TEXT PRIMARY KEY,
	original_card_id   TEXT NOT NULL,
	original_file_path TEXT NOT NULL,
	ocr_results        TEXT,
	reviewed_data      TEXT,
	marked_orphan_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_caution_cards_status ON caution_cards(status);
CREATE INDEX IF NOT EXISTS idx_caution_cards_patient ON caution_cards(linked_patient_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_orphaned_cards_original ON orphaned_caution_cards(original_card_id);
CREATE INDEX IF NOT EXISTS idx_orphaned_cards_marked_at ON orphaned_caution_cards(marked_orphan_at);
`

// Migrate creates the schema if it does not exist yet.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCard(ctx context.Context, c *card.CautionCard) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = card.StatusProcessingOCR
	}

	ocrJSON, err := marshalJSONColumn(c.OCRResults)
	if err != nil {
		return fmt.Errorf("sqlite: marshal ocr results: %w", err)
	}
	reviewedJSON, err := marshalJSONColumn(c.ReviewedData)
	if err != nil {
		return fmt.Errorf("sqlite: marshal reviewed data: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO caution_cards
		 (id, original_file_path, status, ocr_results, reviewed_data, linked_patient_id, reviewed_by, reviewed_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OriginalFilePath, string(c.Status), ocrJSON, reviewedJSON,
		c.LinkedPatientID, c.ReviewedBy, c.ReviewedDate, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert card: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCard(ctx context.Context, id string) (*card.CautionCard, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, original_file_path, status, ocr_results, reviewed_data, linked_patient_id, reviewed_by, reviewed_date, created_at, updated_at
		 FROM caution_cards WHERE id = ?`, id)
	return scanCard(row)
}

func (s *SQLiteStore) ListCards(ctx context.Context, f CardFilter) ([]*card.CautionCard, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.LinkedPatientID != "" {
		where += " AND linked_patient_id = ?"
		args = append(args, f.LinkedPatientID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM caution_cards"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count cards: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, original_file_path, status, ocr_results, reviewed_data, linked_patient_id, reviewed_by, reviewed_date, created_at, updated_at
		 FROM caution_cards` + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list cards: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cards []*card.CautionCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, 0, err
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: list cards: %w", err)
	}
	return cards, total, nil
}

func (s *SQLiteStore) MarkPendingReview(ctx context.Context, id string, ocrResults map[string]any) (*card.CautionCard, error) {
	ocrJSON, err := marshalJSONColumn(ocrResults)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal ocr results: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE caution_cards SET status = ?, ocr_results = ?, updated_at = ? WHERE id = ?`,
		string(card.StatusPendingReview), ocrJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: mark pending review %s: %w", id, err)
	}
	if err := checkRowsAffected(res); err != nil {
		return nil, err
	}
	return s.GetCard(ctx, id)
}

func (s *SQLiteStore) MarkOCRFailed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE caution_cards SET status = ?, updated_at = ? WHERE id = ?`,
		string(card.StatusOCRFailed), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark ocr failed %s: %w", id, err)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) FinalizeLink(ctx context.Context, id, patientID string, reviewedData map[string]any, reviewedBy string) (*card.CautionCard, error) {
	reviewedJSON, err := marshalJSONColumn(reviewedData)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal reviewed data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE caution_cards
		 SET status = ?, linked_patient_id = ?, reviewed_data = ?, reviewed_by = ?, reviewed_date = ?, updated_at = ?
		 WHERE id = ?`,
		string(card.StatusLinked), patientID, reviewedJSON, nullableString(reviewedBy), time.Now().UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: finalize link %s: %w", id, err)
	}
	if err := checkRowsAffected(res); err != nil {
		return nil, err
	}
	return s.GetCard(ctx, id)
}

func (s *SQLiteStore) FinalizeOrphan(ctx context.Context, id string, reviewedData map[string]any, reviewedBy string) (*card.CautionCard, error) {
	reviewedJSON, err := marshalJSONColumn(reviewedData)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal reviewed data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE caution_cards
		 SET status = ?, linked_patient_id = NULL, reviewed_data = ?, reviewed_by = ?, reviewed_date = ?, updated_at = ?
		 WHERE id = ?`,
		string(card.StatusOrphaned), reviewedJSON, nullableString(reviewedBy), time.Now().UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: finalize orphan %s: %w", id, err)
	}
	if err := checkRowsAffected(res); err != nil {
		return nil, err
	}
	return s.GetCard(ctx, id)
}

func (s *SQLiteStore) LinkCard(ctx context.Context, id, patientID string) (*card.CautionCard, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE caution_cards SET status = ?, linked_patient_id = ?, updated_at = ? WHERE id = ?`,
		string(card.StatusLinked), patientID, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: link card %s: %w", id, err)
	}
	if err := checkRowsAffected(res); err != nil {
		return nil, err
	}
	return s.GetCard(ctx, id)
}

func (s *SQLiteStore) DeleteCard(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM caution_cards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete card %s: %w", id, err)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) CreateOrphan(ctx context.Context, o *card.OrphanedCautionCard) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.MarkedOrphanAt.IsZero() {
		o.MarkedOrphanAt = time.Now().UTC()
	}
	ocrJSON, err := marshalJSONColumn(o.OCRResults)
	if err != nil {
		return fmt.Errorf("sqlite: marshal ocr results: %w", err)
	}
	reviewedJSON, err := marshalJSONColumn(o.ReviewedData)
	if err != nil {
		return fmt.Errorf("sqlite: marshal reviewed data: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orphaned_caution_cards
		 (id, original_card_id, original_file_path, ocr_results, reviewed_data, marked_orphan_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.OriginalCardID, o.OriginalFilePath, ocrJSON, reviewedJSON, o.MarkedOrphanAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert orphan: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOrphan(ctx context.Context, id string) (*card.OrphanedCautionCard, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, original_card_id, original_file_path, ocr_results, reviewed_data, marked_orphan_at
		 FROM orphaned_caution_cards WHERE id = ?`, id)
	return scanOrphan(row)
}

func (s *SQLiteStore) ListOrphans(ctx context.Context, limit, offset int) ([]*card.OrphanedCautionCard, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orphaned_caution_cards`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count orphans: %w", err)
	}
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_card_id, original_file_path, ocr_results, reviewed_data, marked_orphan_at
		 FROM orphaned_caution_cards ORDER BY marked_orphan_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list orphans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orphans []*card.OrphanedCautionCard
	for rows.Next() {
		o, err := scanOrphan(rows)
		if err != nil {
			return nil, 0, err
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: list orphans: %w", err)
	}
	return orphans, total, nil
}

func (s *SQLiteStore) DeleteOrphan(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orphaned_caution_cards WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete orphan %s: %w", id, err)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) DeleteOrphanByCard(ctx context.Context, originalCardID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orphaned_caution_cards WHERE original_card_id = ?`, originalCardID)
	if err != nil {
		return fmt.Errorf("sqlite: delete orphan for card %s: %w", originalCardID, err)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) GetPatient(ctx context.Context, id string) (*card.Patient, error) {
	var p card.Patient
	var dob, bloodType sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, dob, blood_type, created_at FROM patients WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &dob, &bloodType, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get patient %s: %w", id, err)
	}
	p.DOB = dob.String
	p.BloodType = bloodType.String
	return &p, nil
}

func (s *SQLiteStore) CreatePatient(ctx context.Context, p *card.Patient) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO patients (id, name, dob, blood_type, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullableString(p.DOB), nullableString(p.BloodType), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert patient: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*card.CautionCard, error) {
	var c card.CautionCard
	var status string
	var ocrJSON, reviewedJSON, linkedPatientID, reviewedBy sql.NullString
	var reviewedDate sql.NullTime

	err := row.Scan(&c.ID, &c.OriginalFilePath, &status, &ocrJSON, &reviewedJSON,
		&linkedPatientID, &reviewedBy, &reviewedDate, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan card: %w", err)
	}

	c.Status = card.Status(status)
	if c.OCRResults, err = unmarshalJSONColumn(ocrJSON); err != nil {
		return nil, fmt.Errorf("sqlite: decode ocr results for %s: %w", c.ID, err)
	}
	if c.ReviewedData, err = unmarshalJSONColumn(reviewedJSON); err != nil {
		return nil, fmt.Errorf("sqlite: decode reviewed data for %s: %w", c.ID, err)
	}
	if linkedPatientID.Valid {
		c.LinkedPatientID = &linkedPatientID.String
	}
	if reviewedBy.Valid {
		c.ReviewedBy = &reviewedBy.String
	}
	if reviewedDate.Valid {
		c.ReviewedDate = &reviewedDate.Time
	}
	return &c, nil
}

func scanOrphan(row rowScanner) (*card.OrphanedCautionCard, error) {
	var o card.OrphanedCautionCard
	var ocrJSON, reviewedJSON sql.NullString

	err := row.Scan(&o.ID, &o.OriginalCardID, &o.OriginalFilePath, &ocrJSON, &reviewedJSON, &o.MarkedOrphanAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan orphan: %w", err)
	}

	if o.OCRResults, err = unmarshalJSONColumn(ocrJSON); err != nil {
		return nil, fmt.Errorf("sqlite: decode ocr results for orphan %s: %w", o.ID, err)
	}
	if o.ReviewedData, err = unmarshalJSONColumn(reviewedJSON); err != nil {
		return nil, fmt.Errorf("sqlite: decode reviewed data for orphan %s: %w", o.ID, err)
	}
	return &o, nil
}

func marshalJSONColumn(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSONColumn(col sql.NullString) (map[string]any, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(col.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
