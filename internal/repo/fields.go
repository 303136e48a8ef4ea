package repo

import (
	"context"
	"database/sql"

	"intakeline/internal/domain"
)

const fieldColumns = `id,form_id,COALESCE(label,''),sort_order,required`

func scanField(row interface{ Scan(...any) error }) (domain.Field, error) {
	var f domain.Field
	err := row.Scan(&f.ID, &f.FormID, &f.Label, &f.Order, &f.Required)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) InsertField(ctx context.Context, tx *sql.Tx, f domain.Field) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO fields(id,form_id,label,sort_order,required) VALUES (?,?,?,?,?)`,
		f.ID, f.FormID, nullable(f.Label), f.Order, boolInt(f.Required))
	return err
}

func (r Repo) GetField(ctx context.Context, id string) (domain.Field, error) {
	return scanField(r.DB.QueryRowContext(ctx, `SELECT `+fieldColumns+` FROM fields WHERE id=?`, id))
}

// NextField returns the field of formID with the smallest order strictly
// greater than afterOrder.
func (r Repo) NextField(ctx context.Context, formID string, afterOrder int) (domain.Field, error) {
	return scanField(r.DB.QueryRowContext(ctx, `SELECT `+fieldColumns+` FROM fields WHERE form_id=? AND sort_order>? ORDER BY sort_order ASC LIMIT 1`,
		formID, afterOrder))
}

func (r Repo) ListFields(ctx context.Context, formID string) ([]domain.Field, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+fieldColumns+` FROM fields WHERE form_id=? ORDER BY sort_order ASC`, formID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Field
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// DeleteFields removes every field of formID along with their rules.
func (r Repo) DeleteFields(ctx context.Context, tx *sql.Tx, formID string) error {
	_, err := r.execer(tx).ExecContext(ctx, `DELETE FROM fields WHERE form_id=?`, formID)
	return err
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.LogicRule) error {
	_, err := r.execer(tx).ExecContext(ctx, `INSERT INTO logic_rules(id,source_field_id,condition,value,destination_field_id,sort_order,group_id,active) VALUES (?,?,?,?,?,?,?,?)`,
		rule.ID, rule.SourceFieldID, string(rule.Condition), nullablePtr(rule.Value), nullablePtr(rule.DestinationFieldID),
		rule.Order, nullablePtr(rule.GroupID), boolInt(rule.Active))
	return err
}

// RulesForField returns the rules attached to fieldID ordered by
// (order, grouped before standalone, group id, id). Inactive rules are
// skipped unless includeInactive is set.
func (r Repo) RulesForField(ctx context.Context, fieldID string, includeInactive bool) ([]domain.LogicRule, error) {
	query := `SELECT id,source_field_id,condition,value,destination_field_id,sort_order,group_id,active FROM logic_rules WHERE source_field_id=?`
	if !includeInactive {
		query += ` AND active=1`
	}
	query += ` ORDER BY sort_order ASC, (group_id IS NULL) ASC, COALESCE(group_id,'') ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, fieldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogicRule
	for rows.Next() {
		var rule domain.LogicRule
		var cond string
		var value, dest, grp sql.NullString
		if err := rows.Scan(&rule.ID, &rule.SourceFieldID, &cond, &value, &dest, &rule.Order, &grp, &rule.Active); err != nil {
			return nil, err
		}
		rule.Condition = domain.ConditionKind(cond)
		rule.Value = ptrFromNull(value)
		rule.DestinationFieldID = ptrFromNull(dest)
		rule.GroupID = ptrFromNull(grp)
		res = append(res, rule)
	}
	return res, rows.Err()
}
