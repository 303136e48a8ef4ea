package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"intakeline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is returned by every lookup that matches no row.
var ErrNotFound = domain.ErrNotFound

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func scanForm(row *sql.Row) (domain.Form, error) {
	var f domain.Form
	err := row.Scan(&f.ID, &f.OwnerID, &f.Title, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) InsertForm(ctx context.Context, tx *sql.Tx, f domain.Form) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO forms(id,owner_id,title,created_at) VALUES (?,?,?,?)`,
		f.ID, f.OwnerID, f.Title, f.CreatedAt)
	return err
}

func (r Repo) GetForm(ctx context.Context, id string) (domain.Form, error) {
	return scanForm(r.DB.QueryRowContext(ctx, `SELECT id,owner_id,title,created_at FROM forms WHERE id=?`, id))
}

func (r Repo) ListForms(ctx context.Context, ownerID string) ([]domain.Form, error) {
	query := `SELECT id,owner_id,title,created_at FROM forms`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Form
	for rows.Next() {
		var f domain.Form
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Title, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// UpdateForm rewrites a form's owner and title; created_at is kept.
func (r Repo) UpdateForm(ctx context.Context, tx *sql.Tx, f domain.Form) error {
	res, err := r.execer(tx).ExecContext(ctx, `UPDATE forms SET owner_id=?, title=? WHERE id=?`, f.OwnerID, f.Title, f.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteForm removes a form; fields, rules and submissions cascade.
func (r Repo) DeleteForm(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.execer(tx).ExecContext(ctx, `DELETE FROM forms WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	answers := s.Answers
	if answers == nil {
		answers = map[string]string{}
	}
	payload, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	_, err = r.execer(tx).ExecContext(ctx, `INSERT INTO submissions(id,form_id,answers_json,created_at) VALUES (?,?,?,?)`,
		s.ID, s.FormID, string(payload), s.CreatedAt)
	return err
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	var s domain.Submission
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT id,form_id,answers_json,created_at FROM submissions WHERE id=?`, id).
		Scan(&s.ID, &s.FormID, &payload, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(payload), &s.Answers); err != nil {
		return s, fmt.Errorf("decode answers: %w", err)
	}
	return s, nil
}

func (r Repo) CountSubmissions(ctx context.Context, formID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE form_id=?`, formID).Scan(&n)
	return n, err
}

// LatestEvents returns the newest audit events, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, formID, evtType string) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if formID != "" {
		clauses = append(clauses, "form_id=?")
		args = append(args, formID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(form_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.FormID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id greater than afterID,
// oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(form_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json
FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.FormID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, or 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func ptrFromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
