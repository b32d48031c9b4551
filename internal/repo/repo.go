package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"refinery/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const batchColumns = `id,public_id,date,facilitator,status,deadline,created_at`

func scanBatch(row *sql.Row) (domain.Batch, error) {
	var b domain.Batch
	err := row.Scan(&b.ID, &b.PublicID, &b.Date, &b.Facilitator, &b.Status, &b.Deadline, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

// ActiveBatch returns the single non-terminal batch with its issues
// loaded, or ErrNotFound.
func (r Repo) ActiveBatch(ctx context.Context) (domain.Batch, error) {
	b, err := scanBatch(r.DB.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE status IN (?,?) ORDER BY created_at DESC LIMIT 1`,
		domain.BatchVoting, domain.BatchDiscussion))
	if err != nil {
		return b, err
	}
	b.Issues, err = r.ListIssues(ctx, b.ID)
	return b, err
}

func (r Repo) GetBatch(ctx context.Context, id int64) (domain.Batch, error) {
	b, err := scanBatch(r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id))
	if err != nil {
		return b, err
	}
	b.Issues, err = r.ListIssues(ctx, b.ID)
	return b, err
}

func (r Repo) GetBatchByPublicID(ctx context.Context, publicID string) (domain.Batch, error) {
	b, err := scanBatch(r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE public_id=?`, publicID))
	if err != nil {
		return b, err
	}
	b.Issues, err = r.ListIssues(ctx, b.ID)
	return b, err
}

func (r Repo) ListBatches(ctx context.Context, limit int) ([]domain.Batch, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.PublicID, &b.Date, &b.Facilitator, &b.Status, &b.Deadline, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) InsertBatchTx(ctx context.Context, tx *sql.Tx, b *domain.Batch) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches(public_id,date,facilitator,status,deadline,created_at) VALUES (?,?,?,?,?,?)`,
		b.PublicID, b.Date, b.Facilitator, b.Status, b.Deadline, b.CreatedAt)
	if err != nil {
		return err
	}
	b.ID, err = res.LastInsertId()
	return err
}

func (r Repo) UpdateBatchStatusTx(ctx context.Context, tx *sql.Tx, id int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE batches SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const issueColumns = `id,batch_id,number,title,url,status,final_points,rationale,resolution`

func (r Repo) ListIssues(ctx context.Context, batchID int64) ([]domain.Issue, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE batch_id=? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIssues(rows)
}

func (r Repo) ListIssuesTx(ctx context.Context, tx *sql.Tx, batchID int64) ([]domain.Issue, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE batch_id=? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIssues(rows)
}

func collectIssues(rows *sql.Rows) ([]domain.Issue, error) {
	var res []domain.Issue
	for rows.Next() {
		var is domain.Issue
		var points sql.NullInt64
		var resolution sql.NullString
		if err := rows.Scan(&is.ID, &is.BatchID, &is.Number, &is.Title, &is.URL, &is.Status, &points, &is.Rationale, &resolution); err != nil {
			return nil, err
		}
		if points.Valid {
			p := int(points.Int64)
			is.FinalPoints = &p
		}
		if resolution.Valid {
			s := resolution.String
			is.Resolution = &s
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

func (r Repo) InsertIssuesTx(ctx context.Context, tx *sql.Tx, batchID int64, issues []domain.Issue) error {
	for _, is := range issues {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO issues(batch_id,number,title,url,status) VALUES (?,?,?,?,?)`,
			batchID, is.Number, is.Title, is.URL, domain.IssuePending); err != nil {
			return fmt.Errorf("insert issue %s: %w", is.Number, err)
		}
	}
	return nil
}

// ResolveIssueTx marks a pending issue resolved. ErrNotFound when the
// issue does not exist or is already resolved.
func (r Repo) ResolveIssueTx(ctx context.Context, tx *sql.Tx, batchID int64, number string, points int, rationale, resolution string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE issues SET status=?, final_points=?, rationale=?, resolution=? WHERE batch_id=? AND number=? AND status=?`,
		domain.IssueResolved, points, rationale, resolution, batchID, number, domain.IssuePending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertVoteTx records a vote, last write wins. Reports whether an
// earlier vote was replaced.
func (r Repo) UpsertVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) (bool, error) {
	var existing int
	err := tx.QueryRowContext(ctx,
		`SELECT points FROM votes WHERE batch_id=? AND issue_number=? AND voter=?`,
		v.BatchID, v.IssueNumber, v.Voter).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO votes(batch_id,issue_number,voter,points,created_at) VALUES (?,?,?,?,?)`,
			v.BatchID, v.IssueNumber, v.Voter, v.Points, v.CreatedAt)
		return false, err
	case err != nil:
		return false, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE votes SET points=?, created_at=? WHERE batch_id=? AND issue_number=? AND voter=?`,
		v.Points, v.CreatedAt, v.BatchID, v.IssueNumber, v.Voter)
	return true, err
}

func (r Repo) DeleteVoteTx(ctx context.Context, tx *sql.Tx, batchID int64, issueNumber, voter string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM votes WHERE batch_id=? AND issue_number=? AND voter=?`, batchID, issueNumber, voter)
	return err
}

func (r Repo) DeleteVotesByVoterTx(ctx context.Context, tx *sql.Tx, batchID int64, voter string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE batch_id=? AND voter=?`, batchID, voter); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM abstentions WHERE batch_id=? AND voter=?`, batchID, voter)
	return err
}

func (r Repo) DeleteVotesTx(ctx context.Context, tx *sql.Tx, batchID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE batch_id=?`, batchID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM abstentions WHERE batch_id=?`, batchID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM batch_voters WHERE batch_id=?`, batchID)
	return err
}

func (r Repo) ListVotes(ctx context.Context, batchID int64) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT batch_id,issue_number,voter,points,created_at FROM votes WHERE batch_id=? ORDER BY issue_number, voter`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVotes(rows)
}

func (r Repo) ListVotesTx(ctx context.Context, tx *sql.Tx, batchID int64) ([]domain.Vote, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT batch_id,issue_number,voter,points,created_at FROM votes WHERE batch_id=? ORDER BY issue_number, voter`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVotes(rows)
}

func collectVotes(rows *sql.Rows) ([]domain.Vote, error) {
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.BatchID, &v.IssueNumber, &v.Voter, &v.Points, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// UpsertAbstentionTx records an abstention, idempotently.
func (r Repo) UpsertAbstentionTx(ctx context.Context, tx *sql.Tx, a domain.Abstention) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO abstentions(batch_id,issue_number,voter,created_at) VALUES (?,?,?,?)
		 ON CONFLICT(batch_id,issue_number,voter) DO UPDATE SET created_at=excluded.created_at`,
		a.BatchID, a.IssueNumber, a.Voter, a.CreatedAt)
	return err
}

func (r Repo) DeleteAbstentionTx(ctx context.Context, tx *sql.Tx, batchID int64, issueNumber, voter string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM abstentions WHERE batch_id=? AND issue_number=? AND voter=?`, batchID, issueNumber, voter)
	return err
}

func (r Repo) ListAbstentions(ctx context.Context, batchID int64) ([]domain.Abstention, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT batch_id,issue_number,voter,created_at FROM abstentions WHERE batch_id=? ORDER BY issue_number, voter`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAbstentions(rows)
}

func (r Repo) ListAbstentionsTx(ctx context.Context, tx *sql.Tx, batchID int64) ([]domain.Abstention, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT batch_id,issue_number,voter,created_at FROM abstentions WHERE batch_id=? ORDER BY issue_number, voter`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAbstentions(rows)
}

func collectAbstentions(rows *sql.Rows) ([]domain.Abstention, error) {
	var res []domain.Abstention
	for rows.Next() {
		var a domain.Abstention
		if err := rows.Scan(&a.BatchID, &a.IssueNumber, &a.Voter, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// AddVoterTx enrolls a voter. Reports whether the roster changed.
func (r Repo) AddVoterTx(ctx context.Context, tx *sql.Tx, batchID int64, voter string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO batch_voters(batch_id,voter) VALUES (?,?) ON CONFLICT(batch_id,voter) DO NOTHING`,
		batchID, voter)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveVoterTx drops a voter from the roster. Reports whether the
// voter was a member.
func (r Repo) RemoveVoterTx(ctx context.Context, tx *sql.Tx, batchID int64, voter string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM batch_voters WHERE batch_id=? AND voter=?`, batchID, voter)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) ListVoters(ctx context.Context, batchID int64) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT voter FROM batch_voters WHERE batch_id=? ORDER BY voter`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func (r Repo) ListVotersTx(ctx context.Context, tx *sql.Tx, batchID int64) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT voter FROM batch_voters WHERE batch_id=? ORDER BY voter`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStrings(rows)
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertFinalEstimateTx(ctx context.Context, tx *sql.Tx, fe domain.FinalEstimate) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO final_estimates(batch_id,issue_number,points,rationale,resolution,created_at) VALUES (?,?,?,?,?,?)
		 ON CONFLICT(batch_id,issue_number) DO UPDATE SET points=excluded.points, rationale=excluded.rationale,
		 resolution=excluded.resolution, created_at=excluded.created_at`,
		fe.BatchID, fe.IssueNumber, fe.Points, fe.Rationale, fe.Resolution, fe.CreatedAt)
	return err
}

func (r Repo) ListFinalEstimates(ctx context.Context, batchID int64) ([]domain.FinalEstimate, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT batch_id,issue_number,points,rationale,resolution,created_at FROM final_estimates WHERE batch_id=? ORDER BY issue_number`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FinalEstimate
	for rows.Next() {
		var fe domain.FinalEstimate
		if err := rows.Scan(&fe.BatchID, &fe.IssueNumber, &fe.Points, &fe.Rationale, &fe.Resolution, &fe.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, fe)
	}
	return res, rows.Err()
}

// MarkReminderSentTx records a reminder delivery; reports false when
// that reminder kind already fired for the batch.
func (r Repo) MarkReminderSentTx(ctx context.Context, tx *sql.Tx, batchID int64, kind, sentAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO batch_reminders(batch_id,kind,sent_at) VALUES (?,?,?) ON CONFLICT(batch_id,kind) DO NOTHING`,
		batchID, kind, sentAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const eventColumns = `id,ts,type,batch_id,COALESCE(issue,'') AS issue,actor,payload_json`

func (r Repo) LatestEvents(ctx context.Context, limit int, batchID int64, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	if batchID != 0 {
		where = append(where, "batch_id=?")
		args = append(args, batchID)
	}
	if evtType != "" {
		where = append(where, "type=?")
		args = append(args, evtType)
	}
	q := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	evts, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	// reverse into chronological order
	for i, j := 0, len(evts)-1; i < j; i, j = i+1, j-1 {
		evts[i], evts[j] = evts[j], evts[i]
	}
	return evts, nil
}

// EventsAfter returns events with id > cursor in delivery order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.BatchID, &e.Issue, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
