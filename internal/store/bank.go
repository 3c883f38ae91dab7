package store

import (
	"context"

	"teenlancer/internal/models"
)

func (s *Store) CreateBankAccount(ctx context.Context, a models.BankAccount) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO bank_accounts(id,user_id,provider_id,account_holder_name,account_type,account_last4,routing_last4,bank_name,verification_status,requires_verification,created_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		a.ID, a.UserID, a.ProviderID, a.AccountHolderName, a.AccountType, a.AccountLast4, a.RoutingLast4, a.BankName,
		a.VerificationStatus, boolToInt(a.RequiresVerification), a.CreatedAt,
	)
	return err
}

func (s *Store) ListBankAccounts(ctx context.Context, userID string) ([]models.BankAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id,user_id,provider_id,account_holder_name,account_type,account_last4,routing_last4,bank_name,verification_status,requires_verification,created_at FROM bank_accounts WHERE user_id=? ORDER BY created_at DESC`),
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.BankAccount, 0, 4)
	for rows.Next() {
		var a models.BankAccount
		var requires int
		if err := rows.Scan(&a.ID, &a.UserID, &a.ProviderID, &a.AccountHolderName, &a.AccountType, &a.AccountLast4,
			&a.RoutingLast4, &a.BankName, &a.VerificationStatus, &requires, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.RequiresVerification = requires != 0
		out = append(out, a)
	}
	return out, rows.Err()
}
