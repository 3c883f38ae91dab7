package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"teenlancer/internal/models"
)

const userColumns = `id,email,phone,full_name,role,birthdate,parent_id,stripe_account_id,created_at,updated_at`

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	var phone, birthdate, parentID, stripeID sql.NullString
	err := row.Scan(&u.ID, &u.Email, &phone, &u.FullName, &u.Role, &birthdate, &parentID, &stripeID, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	u.Phone = nullString(phone)
	u.Birthdate = nullString(birthdate)
	u.ParentID = nullString(parentID)
	u.StripeAccountID = nullString(stripeID)
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u models.User) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`),
		u.ID, NormalizeEmail(u.Email), u.Phone, u.FullName, u.Role, u.Birthdate, u.ParentID, u.StripeAccountID, u.CreatedAt, u.UpdatedAt,
	)
	return err
}

func (s *Store) GetUserByID(ctx context.Context, id string) (models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE id=?`), id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, s.q(`SELECT `+userColumns+` FROM users WHERE email=?`), NormalizeEmail(email)))
}

// FindOrCreateUser returns the existing user for the email or inserts u.
// created reports whether a row was written.
func (s *Store) FindOrCreateUser(ctx context.Context, u models.User) (models.User, bool, error) {
	existing, err := s.GetUserByEmail(ctx, u.Email)
	if err == nil {
		return existing, false, nil
	}
	if err != ErrNotFound {
		return models.User{}, false, err
	}
	u.Email = NormalizeEmail(u.Email)
	if err := s.CreateUser(ctx, u); err != nil {
		// Lost a race against a concurrent insert for the same email.
		if again, getErr := s.GetUserByEmail(ctx, u.Email); getErr == nil {
			return again, false, nil
		}
		return models.User{}, false, err
	}
	return u, true, nil
}

func (s *Store) SetUserParent(ctx context.Context, teenID, parentID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET parent_id=?, updated_at=? WHERE id=?`), parentID, time.Now().UTC(), teenID)
	return err
}

func (s *Store) SetStripeAccount(ctx context.Context, userID, accountID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET stripe_account_id=?, updated_at=? WHERE id=?`), accountID, time.Now().UTC(), userID)
	return err
}

// SyncParentPhone writes the phone to both the user row and the parent
// profile in one transaction so the two never disagree.
func (s *Store) SyncParentPhone(ctx context.Context, parentID, email, phone string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, s.q(`UPDATE users SET phone=?, updated_at=? WHERE id=?`), phone, now, parentID)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return ErrNotFound
	}
	res, err = tx.ExecContext(ctx, s.q(`UPDATE parent_profiles SET phone=?, email=?, updated_at=? WHERE user_id=?`), phone, NormalizeEmail(email), now, parentID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := tx.ExecContext(ctx,
			s.q(`INSERT INTO parent_profiles(user_id,email,phone,updated_at) VALUES(?,?,?,?)`),
			parentID, NormalizeEmail(email), phone, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UpsertParentProfile(ctx context.Context, p models.ParentProfile) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE parent_profiles SET email=?, phone=?, updated_at=? WHERE user_id=?`),
		NormalizeEmail(p.Email), p.Phone, p.UpdatedAt, p.UserID,
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
		s.q(`INSERT INTO parent_profiles(user_id,email,phone,updated_at) VALUES(?,?,?,?)`),
		p.UserID, NormalizeEmail(p.Email), p.Phone, p.UpdatedAt,
	)
	return err
}

func (s *Store) GetParentProfile(ctx context.Context, userID string) (models.ParentProfile, error) {
	var p models.ParentProfile
	var phone sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT user_id,email,phone,updated_at FROM parent_profiles WHERE user_id=?`), userID).
		Scan(&p.UserID, &p.Email, &phone, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.ParentProfile{}, ErrNotFound
	}
	if err != nil {
		return models.ParentProfile{}, err
	}
	p.Phone = nullString(phone)
	return p, nil
}
