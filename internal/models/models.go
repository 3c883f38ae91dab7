package models

import (
	"strings"
	"time"
)

type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "pending"
	StatusApproved ApprovalStatus = "approved"
	StatusRejected ApprovalStatus = "rejected"
	StatusExpired  ApprovalStatus = "expired"
)

func (s ApprovalStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired:
		return true
	}
	return false
}

func (s ApprovalStatus) Valid() bool {
	return s == StatusPending || s.IsTerminal()
}

type ApprovalKind string

const (
	KindTeenSignup  ApprovalKind = "teen_signup"
	KindBankAccount ApprovalKind = "bank_account"
)

type ApprovalAction string

const (
	ActionApprove ApprovalAction = "approve"
	ActionReject  ApprovalAction = "reject"
)

// Outcome is the terminal status an action produces.
func (a ApprovalAction) Outcome() ApprovalStatus {
	if a == ActionApprove {
		return StatusApproved
	}
	return StatusRejected
}

type ApprovalRecord struct {
	ID              string
	Kind            ApprovalKind
	TokenHash       string
	OwnerContact    string
	RequesterID     *string
	Status          ApprovalStatus
	Version         int64
	RejectionReason *string
	Payload         string
	ProvisionState  string
	ProvisionError  *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
	DecidedAt       *time.Time
	LastNotifiedAt  *time.Time
}

// EffectiveStatus applies the read-time expiry policy: a pending record
// past its expiry reads as expired whatever the stored status says.
func (r ApprovalRecord) EffectiveStatus(now time.Time) ApprovalStatus {
	if r.Status == StatusPending && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt) {
		return StatusExpired
	}
	return r.Status
}

func (r ApprovalRecord) Snapshot(now time.Time) StatusSnapshot {
	snap := StatusSnapshot{
		ID:        r.ID,
		Kind:      r.Kind,
		Status:    r.EffectiveStatus(now),
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
		ExpiresAt: r.ExpiresAt,
		DecidedAt: r.DecidedAt,
	}
	if r.RejectionReason != nil {
		snap.RejectionReason = *r.RejectionReason
	}
	return snap
}

// StatusSnapshot is what a point-in-time status read returns.
type StatusSnapshot struct {
	ID              string         `json:"id"`
	Kind            ApprovalKind   `json:"kind"`
	Status          ApprovalStatus `json:"status"`
	Version         int64          `json:"version"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
}

type ChangeEvent struct {
	RecordID     string         `json:"record_id"`
	OwnerContact string         `json:"owner_contact,omitempty"`
	OldStatus    ApprovalStatus `json:"old_status"`
	NewStatus    ApprovalStatus `json:"new_status"`
	Version      int64          `json:"version"`
	At           time.Time      `json:"at"`
}

func (e ChangeEvent) IsStatusChange() bool {
	return e.NewStatus != "" && e.OldStatus != e.NewStatus
}

// ChangeFilter selects events by record id, or by owner contact when the id
// is not known yet.
type ChangeFilter struct {
	RecordID     string
	OwnerContact string
}

func (f ChangeFilter) Matches(e ChangeEvent) bool {
	if f.RecordID != "" {
		return f.RecordID == e.RecordID
	}
	if f.OwnerContact != "" {
		return strings.EqualFold(f.OwnerContact, e.OwnerContact)
	}
	return false
}

type LookupKey struct {
	Token        string `json:"token,omitempty"`
	ID           string `json:"id,omitempty"`
	OwnerContact string `json:"owner_contact,omitempty"`
	Birthdate    string `json:"birthdate,omitempty"`
}

func (k LookupKey) Empty() bool {
	return strings.TrimSpace(k.Token) == "" && strings.TrimSpace(k.ID) == "" && strings.TrimSpace(k.OwnerContact) == ""
}

// TeenSignupPayload is stored encrypted on teen_signup records.
type TeenSignupPayload struct {
	FullName    string `json:"full_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	Birthdate   string `json:"birthdate"`
	ParentEmail string `json:"parent_email"`
	ParentPhone string `json:"parent_phone,omitempty"`
	ParentName  string `json:"parent_name,omitempty"`
}

type BankApprovalPayload struct {
	TeenID      string `json:"teen_id"`
	ParentID    string `json:"parent_id"`
	ParentPhone string `json:"parent_phone"`
}

type UserRole string

const (
	RoleTeen   UserRole = "teen"
	RoleParent UserRole = "parent"
	RolePoster UserRole = "poster"
)

type User struct {
	ID              string
	Email           string
	Phone           *string
	FullName        string
	Role            UserRole
	Birthdate       *string
	ParentID        *string
	StripeAccountID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ParentProfile struct {
	UserID    string
	Email     string
	Phone     *string
	UpdatedAt time.Time
}

type OTPCode struct {
	ApprovalID  string
	CodeHash    string
	ExpiresAt   time.Time
	Attempts    int
	Blocked     bool
	RequestedAt time.Time
}

type BankAccount struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	ProviderID           string    `json:"provider_id"`
	AccountHolderName    string    `json:"account_holder_name"`
	AccountType          string    `json:"account_type"`
	AccountLast4         string    `json:"account_last4"`
	RoutingLast4         string    `json:"routing_last4"`
	BankName             string    `json:"bank_name,omitempty"`
	VerificationStatus   string    `json:"verification_status"`
	RequiresVerification bool      `json:"requires_verification"`
	CreatedAt            time.Time `json:"created_at"`
}

type AuditEntry struct {
	ID           string    `json:"id"`
	Actor        string    `json:"actor"`
	Action       string    `json:"action"`
	Target       string    `json:"target"`
	MetadataJSON string    `json:"metadata_json"`
	CreatedAt    time.Time `json:"created_at"`
}
