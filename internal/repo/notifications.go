package repo

import (
	"context"
	"database/sql"

	"intakeline/internal/domain"
)

const aggregateColumns = `id,owner_id,form_id,latest_submission_id,count,first_event_at,last_event_at,message,is_read,created_at,updated_at`

func scanAggregate(row interface{ Scan(...any) error }) (domain.NotificationAggregate, error) {
	var a domain.NotificationAggregate
	err := row.Scan(&a.ID, &a.OwnerID, &a.FormID, &a.LatestSubmissionID, &a.Count, &a.FirstEventAt, &a.LastEventAt,
		&a.Message, &a.Read, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// UnreadAggregateSince returns the most recent unread aggregate for
// (ownerID, formID) whose last event is at or after cutoff
// (domain.EventTimeLayout).
func (r Repo) UnreadAggregateSince(ctx context.Context, ownerID, formID, cutoff string) (domain.NotificationAggregate, error) {
	return scanAggregate(r.DB.QueryRowContext(ctx, `SELECT `+aggregateColumns+` FROM notification_aggregates
WHERE owner_id=? AND form_id=? AND is_read=0 AND last_event_at>=?
ORDER BY last_event_at DESC, id DESC LIMIT 1`, ownerID, formID, cutoff))
}

func (r Repo) InsertAggregate(ctx context.Context, a domain.NotificationAggregate) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notification_aggregates(`+aggregateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OwnerID, a.FormID, a.LatestSubmissionID, a.Count, a.FirstEventAt, a.LastEventAt, a.Message,
		boolInt(a.Read), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAggregate(ctx context.Context, a domain.NotificationAggregate) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notification_aggregates
SET latest_submission_id=?, count=?, last_event_at=?, message=?, is_read=?, updated_at=? WHERE id=?`,
		a.LatestSubmissionID, a.Count, a.LastEventAt, a.Message, boolInt(a.Read), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAggregate(ctx context.Context, id string) (domain.NotificationAggregate, error) {
	return scanAggregate(r.DB.QueryRowContext(ctx, `SELECT `+aggregateColumns+` FROM notification_aggregates WHERE id=?`, id))
}

// ListAggregates returns an owner's aggregates, newest first.
func (r Repo) ListAggregates(ctx context.Context, ownerID string, unreadOnly bool, limit int) ([]domain.NotificationAggregate, error) {
	query := `SELECT ` + aggregateColumns + ` FROM notification_aggregates WHERE owner_id=?`
	args := []any{ownerID}
	if unreadOnly {
		query += ` AND is_read=0`
	}
	query += ` ORDER BY last_event_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationAggregate
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// MarkAggregateRead flags an aggregate as read. When ownerID is set the
// aggregate must belong to that owner.
func (r Repo) MarkAggregateRead(ctx context.Context, id, ownerID, updatedAt string) error {
	query := `UPDATE notification_aggregates SET is_read=1, updated_at=? WHERE id=?`
	args := []any{updatedAt, id}
	if ownerID != "" {
		query += ` AND owner_id=?`
		args = append(args, ownerID)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
