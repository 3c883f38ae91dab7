package store

import (
	"context"
	"database/sql"
	"time"

	"teenlancer/internal/models"
)

const approvalColumns = `id,kind,token_hash,owner_contact,requester_id,status,version,rejection_reason,payload,provision_state,provision_error,created_at,updated_at,expires_at,decided_at,last_notified_at`

func scanApproval(row rowScanner) (models.ApprovalRecord, error) {
	var r models.ApprovalRecord
	var requester, reason, provisionErr sql.NullString
	var decidedAt, notifiedAt sql.NullTime
	err := row.Scan(&r.ID, &r.Kind, &r.TokenHash, &r.OwnerContact, &requester, &r.Status, &r.Version, &reason,
		&r.Payload, &r.ProvisionState, &provisionErr, &r.CreatedAt, &r.UpdatedAt, &r.ExpiresAt, &decidedAt, &notifiedAt)
	if err == sql.ErrNoRows {
		return models.ApprovalRecord{}, ErrNotFound
	}
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.RequesterID = nullString(requester)
	r.RejectionReason = nullString(reason)
	r.ProvisionError = nullString(provisionErr)
	r.DecidedAt = nullTime(decidedAt)
	r.LastNotifiedAt = nullTime(notifiedAt)
	return r, nil
}

func (s *Store) CreateApproval(ctx context.Context, r models.ApprovalRecord) error {
	if r.ProvisionState == "" {
		r.ProvisionState = "none"
	}
	if r.Version == 0 {
		r.Version = 1
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO approvals(`+approvalColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		r.ID, r.Kind, r.TokenHash, r.OwnerContact, r.RequesterID, r.Status, r.Version, r.RejectionReason,
		r.Payload, r.ProvisionState, r.ProvisionError, r.CreatedAt, r.UpdatedAt, r.ExpiresAt, r.DecidedAt, r.LastNotifiedAt,
	)
	return err
}

func (s *Store) GetApprovalByID(ctx context.Context, id string) (models.ApprovalRecord, error) {
	return scanApproval(s.db.QueryRowContext(ctx, s.q(`SELECT `+approvalColumns+` FROM approvals WHERE id=?`), id))
}

func (s *Store) GetApprovalByTokenHash(ctx context.Context, tokenHash string) (models.ApprovalRecord, error) {
	return scanApproval(s.db.QueryRowContext(ctx, s.q(`SELECT `+approvalColumns+` FROM approvals WHERE token_hash=?`), tokenHash))
}

// ListApprovalsByOwner returns the newest records first.
func (s *Store) ListApprovalsByOwner(ctx context.Context, kind models.ApprovalKind, ownerContact string, limit int) ([]models.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+approvalColumns+` FROM approvals WHERE kind=? AND owner_contact=? ORDER BY created_at DESC LIMIT ?`),
		kind, ownerContact, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ApprovalRecord
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) LatestApprovalForRequester(ctx context.Context, kind models.ApprovalKind, requesterID string) (models.ApprovalRecord, error) {
	return scanApproval(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+approvalColumns+` FROM approvals WHERE kind=? AND requester_id=? ORDER BY created_at DESC LIMIT 1`),
		kind, requesterID,
	))
}

// DecideApproval moves a pending record to a terminal status. The write only
// lands while the row is still pending; otherwise ErrConflict is returned and
// the caller must re-read.
func (s *Store) DecideApproval(ctx context.Context, id string, status models.ApprovalStatus, reason *string, at time.Time) (models.ApprovalRecord, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE approvals SET status=?, rejection_reason=?, decided_at=?, updated_at=?, version=version+1 WHERE id=? AND status='pending' AND expires_at > ?`),
		status, reason, at, at, id, at,
	)
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	if rows == 0 {
		return models.ApprovalRecord{}, ErrConflict
	}
	return s.GetApprovalByID(ctx, id)
}

// ExpireApproval persists the expired status for a pending record whose
// expiry has passed.
func (s *Store) ExpireApproval(ctx context.Context, id string, at time.Time) (models.ApprovalRecord, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE approvals SET status='expired', updated_at=?, version=version+1 WHERE id=? AND status='pending' AND expires_at <= ?`),
		at, id, at,
	)
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return models.ApprovalRecord{}, err
	}
	if rows == 0 {
		return models.ApprovalRecord{}, ErrConflict
	}
	return s.GetApprovalByID(ctx, id)
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+approvalColumns+` FROM approvals WHERE status='pending' AND expires_at <= ? ORDER BY expires_at ASC LIMIT ?`),
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ApprovalRecord
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RotateApprovalToken replaces the link token of a pending record, which
// invalidates previously emailed links.
func (s *Store) RotateApprovalToken(ctx context.Context, id, tokenHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE approvals SET token_hash=?, last_notified_at=? WHERE id=? AND status='pending'`),
		tokenHash, at, id,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrConflict
	}
	return nil
}

func (s *Store) TouchApprovalNotified(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE approvals SET last_notified_at=? WHERE id=?`), at, id)
	return err
}

func (s *Store) UpdateProvisionState(ctx context.Context, id, state string, errMsg *string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE approvals SET provision_state=?, provision_error=? WHERE id=?`), state, errMsg, id)
	return err
}
