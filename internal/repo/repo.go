package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"formbridge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const submissionColumns = `id,local_form_id,domain,language_code,remote_form_id,field_data,status,attempts,submitted_by,created_at,delivered_at`

// InsertSubmission persists one accepted submission. Storage failures
// propagate to the caller; nothing is retried here.
func (r Repo) InsertSubmission(ctx context.Context, s domain.Submission) error {
	data, err := json.Marshal(s.FieldData)
	if err != nil {
		return fmt.Errorf("marshal field data: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO submissions(`+submissionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.LocalFormID, s.Domain, s.LanguageCode, s.RemoteFormID, string(data), s.Status, s.Attempts,
		nullableStringPtr(s.SubmittedBy), s.CreatedAt, nullableStringPtr(s.DeliveredAt))
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id)
	s, err := scanSubmission(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// ListPending returns a snapshot of all pending submissions in creation
// order. Rows are not locked; callers must tolerate concurrent status
// changes.
func (r Repo) ListPending(ctx context.Context) ([]domain.Submission, error) {
	return r.listByStatus(ctx, domain.StatusPending)
}

// ListSubmissions returns submissions, optionally filtered by status.
func (r Repo) ListSubmissions(ctx context.Context, status string) ([]domain.Submission, error) {
	return r.listByStatus(ctx, status)
}

func (r Repo) listByStatus(ctx context.Context, status string) ([]domain.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// MarkDelivered flips one submission to delivered. Marking an already
// delivered submission is a no-op; an unknown id is ErrNotFound.
func (r Repo) MarkDelivered(ctx context.Context, id, deliveredAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE submissions SET status=?, delivered_at=? WHERE id=? AND status=?`,
		domain.StatusDelivered, deliveredAt, id, domain.StatusPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = r.DB.QueryRowContext(ctx, `SELECT status FROM submissions WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// IncrementAttempts records one failed delivery attempt.
func (r Repo) IncrementAttempts(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE submissions SET attempts=attempts+1 WHERE id=?`, id)
	return err
}

// PurgeDelivered bulk-deletes delivered submissions, returning the
// number of rows removed. Pending rows are never touched.
func (r Repo) PurgeDelivered(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM submissions WHERE status=?`, domain.StatusDelivered)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus reports submission counts grouped by status.
func (r Repo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM submissions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// LatestEvents returns recent diagnostics log entries, newest first,
// optionally filtered by type or submission.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, submissionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if submissionID != "" {
		clauses = append(clauses, "submission_id=?")
		args = append(args, submissionID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,ts,type,COALESCE(domain,''),COALESCE(local_form_id,''),COALESCE(submission_id,''),payload_json FROM events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Domain, &e.LocalFormID, &e.SubmissionID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanSubmission(scan func(dest ...any) error) (domain.Submission, error) {
	var s domain.Submission
	var fieldData string
	var submittedBy, deliveredAt sql.NullString
	err := scan(&s.ID, &s.LocalFormID, &s.Domain, &s.LanguageCode, &s.RemoteFormID, &fieldData,
		&s.Status, &s.Attempts, &submittedBy, &s.CreatedAt, &deliveredAt)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(fieldData), &s.FieldData); err != nil {
		return s, fmt.Errorf("decode field data for %s: %w", s.ID, err)
	}
	if submittedBy.Valid {
		s.SubmittedBy = &submittedBy.String
	}
	if deliveredAt.Valid {
		s.DeliveredAt = &deliveredAt.String
	}
	return s, nil
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
