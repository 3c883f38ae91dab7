package store

import (
	"context"
	"database/sql"

	"teenlancer/internal/models"
)

// UpsertOTP replaces the code for an approval and resets the attempt count.
func (s *Store) UpsertOTP(ctx context.Context, o models.OTPCode) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE approval_otps SET code_hash=?, expires_at=?, attempts=0, blocked=0, requested_at=? WHERE approval_id=?`),
		o.CodeHash, o.ExpiresAt, o.RequestedAt, o.ApprovalID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO approval_otps(approval_id,code_hash,expires_at,attempts,blocked,requested_at) VALUES(?,?,?,?,?,?)`),
		o.ApprovalID, o.CodeHash, o.ExpiresAt, o.Attempts, boolToInt(o.Blocked), o.RequestedAt,
	)
	return err
}

func (s *Store) GetOTP(ctx context.Context, approvalID string) (models.OTPCode, error) {
	var o models.OTPCode
	var blocked int
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT approval_id,code_hash,expires_at,attempts,blocked,requested_at FROM approval_otps WHERE approval_id=?`),
		approvalID,
	).Scan(&o.ApprovalID, &o.CodeHash, &o.ExpiresAt, &o.Attempts, &blocked, &o.RequestedAt)
	if err == sql.ErrNoRows {
		return models.OTPCode{}, ErrNotFound
	}
	if err != nil {
		return models.OTPCode{}, err
	}
	o.Blocked = blocked != 0
	o.ExpiresAt = o.ExpiresAt.UTC()
	o.RequestedAt = o.RequestedAt.UTC()
	return o, nil
}

// RecordOTPFailure counts one failed attempt and blocks the code once
// maxAttempts is reached. The updated row is returned.
func (s *Store) RecordOTPFailure(ctx context.Context, approvalID string, maxAttempts int) (models.OTPCode, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE approval_otps SET attempts=attempts+1, blocked=CASE WHEN attempts+1 >= ? THEN 1 ELSE blocked END WHERE approval_id=? AND blocked=0`),
		maxAttempts, approvalID,
	)
	if err != nil {
		return models.OTPCode{}, err
	}
	if _, err := res.RowsAffected(); err != nil {
		return models.OTPCode{}, err
	}
	return s.GetOTP(ctx, approvalID)
}

func (s *Store) DeleteOTP(ctx context.Context, approvalID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM approval_otps WHERE approval_id=?`), approvalID)
	return err
}
