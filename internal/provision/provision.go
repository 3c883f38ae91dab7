// Package provision creates the accounts that an approved teen signup
// unlocks.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"teenlancer/internal/models"
	"teenlancer/internal/store"
)

type TeenAccount struct {
	ApprovalID  string
	FullName    string
	Email       string
	Phone       string
	Birthdate   string
	ParentEmail string
	ParentPhone string
	ParentName  string
}

type Result struct {
	TeenID   string
	ParentID string
}

type AccountProvisioner interface {
	ProvisionTeen(ctx context.Context, acct TeenAccount) (Result, error)
	Name() string
}

// UserStore is the part of the store the local provisioner needs.
type UserStore interface {
	FindOrCreateUser(ctx context.Context, u models.User) (models.User, bool, error)
	SyncParentPhone(ctx context.Context, parentID, email, phone string) error
	SetUserParent(ctx context.Context, teenID, parentID string) error
}

var _ UserStore = (*store.Store)(nil)

// StoreProvisioner writes the teen and the linked parent to the local
// users table. Re-running it for the same emails is harmless.
type StoreProvisioner struct {
	Users UserStore
}

func (p *StoreProvisioner) Name() string { return "store" }

func (p *StoreProvisioner) ProvisionTeen(ctx context.Context, acct TeenAccount) (Result, error) {
	now := time.Now().UTC()
	parent, _, err := p.Users.FindOrCreateUser(ctx, models.User{
		ID:        uuid.NewString(),
		Email:     acct.ParentEmail,
		FullName:  acct.ParentName,
		Role:      models.RoleParent,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("parent account: %w", err)
	}
	if acct.ParentPhone != "" {
		if err := p.Users.SyncParentPhone(ctx, parent.ID, parent.Email, acct.ParentPhone); err != nil {
			return Result{}, fmt.Errorf("parent phone: %w", err)
		}
	}

	teen := models.User{
		ID:        uuid.NewString(),
		Email:     acct.Email,
		FullName:  acct.FullName,
		Role:      models.RoleTeen,
		ParentID:  &parent.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if acct.Phone != "" {
		teen.Phone = &acct.Phone
	}
	if acct.Birthdate != "" {
		teen.Birthdate = &acct.Birthdate
	}
	created, isNew, err := p.Users.FindOrCreateUser(ctx, teen)
	if err != nil {
		return Result{}, fmt.Errorf("teen account: %w", err)
	}
	if !isNew && (created.ParentID == nil || *created.ParentID != parent.ID) {
		if err := p.Users.SetUserParent(ctx, created.ID, parent.ID); err != nil {
			return Result{}, fmt.Errorf("link parent: %w", err)
		}
	}
	return Result{TeenID: created.ID, ParentID: parent.ID}, nil
}

// Chain runs the primary provisioner and then mirrors the account into
// each secondary directory. The primary result is returned.
type Chain struct {
	Primary     AccountProvisioner
	Secondaries []AccountProvisioner
}

func (c *Chain) Name() string {
	name := c.Primary.Name()
	for _, s := range c.Secondaries {
		name += "+" + s.Name()
	}
	return name
}

func (c *Chain) ProvisionTeen(ctx context.Context, acct TeenAccount) (Result, error) {
	res, err := c.Primary.ProvisionTeen(ctx, acct)
	if err != nil {
		return Result{}, err
	}
	for _, s := range c.Secondaries {
		if _, err := s.ProvisionTeen(ctx, acct); err != nil {
			return res, fmt.Errorf("%s: %w", s.Name(), err)
		}
	}
	return res, nil
}

// Close releases any secondary that holds a connection.
func (c *Chain) Close() error {
	var errs []error
	for _, s := range c.Secondaries {
		if cl, ok := s.(io.Closer); ok {
			errs = append(errs, cl.Close())
		}
	}
	return errors.Join(errs...)
}

type NoopProvisioner struct{}

func (NoopProvisioner) Name() string { return "noop" }

func (NoopProvisioner) ProvisionTeen(context.Context, TeenAccount) (Result, error) {
	return Result{}, nil
}
