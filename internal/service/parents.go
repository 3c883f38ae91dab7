package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"teenlancer/internal/models"
	"teenlancer/internal/store"
)

type ParentAccountRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Phone    string `json:"phone" validate:"required,e164"`
	FullName string `json:"full_name" validate:"omitempty,max=120"`
}

type ParentAccountResult struct {
	ParentID string `json:"parent_id"`
	Created  bool   `json:"created"`
	Linked   bool   `json:"linked"`

	// PhoneChanged is set when an existing parent's number was replaced.
	PhoneChanged bool `json:"phone_changed"`
}

// CreateParentAccount finds or creates the parent by email and always
// rewrites the phone on both the user row and the parent profile. A teen
// caller is linked to the parent; a parent caller may only sync itself.
func (s *Service) CreateParentAccount(ctx context.Context, caller Caller, req ParentAccountRequest) (ParentAccountResult, error) {
	req.Email = store.NormalizeEmail(req.Email)
	req.Phone = strings.TrimSpace(req.Phone)
	req.FullName = strings.TrimSpace(req.FullName)
	if err := validateStruct(&req); err != nil {
		return ParentAccountResult{}, err
	}
	switch caller.Role {
	case models.RoleTeen:
		if store.NormalizeEmail(caller.Email) == req.Email {
			return ParentAccountResult{}, invalidf("parent email must differ from your own")
		}
	case models.RoleParent:
		if store.NormalizeEmail(caller.Email) != req.Email {
			return ParentAccountResult{}, ErrForbiddenRole
		}
	default:
		return ParentAccountResult{}, ErrForbiddenRole
	}

	now := s.now()
	phone := req.Phone
	parent, created, err := s.store.FindOrCreateUser(ctx, models.User{
		ID:        uuid.NewString(),
		Email:     req.Email,
		Phone:     &phone,
		FullName:  req.FullName,
		Role:      models.RoleParent,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return ParentAccountResult{}, err
	}
	if parent.Role != models.RoleParent {
		return ParentAccountResult{}, ErrAlreadyRegistered
	}
	previous := ""
	if !created {
		if previous, err = s.currentParentPhone(ctx, parent); err != nil {
			return ParentAccountResult{}, err
		}
	}
	if err := s.store.SyncParentPhone(ctx, parent.ID, parent.Email, req.Phone); err != nil {
		return ParentAccountResult{}, err
	}

	res := ParentAccountResult{ParentID: parent.ID, Created: created}
	if previous != "" && previous != req.Phone {
		// Bank approval codes go to this number.
		res.PhoneChanged = true
		s.audit(ctx, caller.UserID, "parent_account.phone_changed", parent.ID, map[string]any{
			"caller_role":    caller.Role,
			"previous_last4": last4(previous),
			"new_last4":      last4(req.Phone),
		})
		entry := s.log.WithFields(logrus.Fields{"parent_id": parent.ID, "caller_id": caller.UserID, "caller_role": caller.Role})
		if caller.Role == models.RoleTeen {
			entry.Warn("teen replaced an existing parent's phone")
		} else {
			entry.Info("parent phone replaced")
		}
	}
	if caller.Role == models.RoleTeen {
		if err := s.store.SetUserParent(ctx, caller.UserID, parent.ID); err != nil {
			return ParentAccountResult{}, err
		}
		res.Linked = true
	}
	s.audit(ctx, caller.UserID, "parent_account.synced", parent.ID, map[string]any{"created": created, "linked": res.Linked})
	return res, nil
}

// currentParentPhone prefers the profile number, as bank approvals do.
func (s *Service) currentParentPhone(ctx context.Context, parent models.User) (string, error) {
	profile, err := s.store.GetParentProfile(ctx, parent.ID)
	if err != nil && !isNotFound(err) {
		return "", err
	}
	if err == nil && profile.Phone != nil && *profile.Phone != "" {
		return *profile.Phone, nil
	}
	if parent.Phone != nil {
		return *parent.Phone, nil
	}
	return "", nil
}
