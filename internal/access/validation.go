package access

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// OverrideSpec is the wire shape of one override in a change batch.
type OverrideSpec struct {
	ResourceKey      string       `json:"resourceKey" validate:"required,max=150"`
	OverrideType     OverrideType `json:"overrideType" validate:"required,oneof=GRANT_ADDITIONAL REVOKE_EXISTING MODIFY_EXISTING"`
	AllowedActions   []string     `json:"allowedActions,omitempty" validate:"omitempty,dive,required,max=64"`
	DeniedActions    []string     `json:"deniedActions,omitempty" validate:"omitempty,dive,required,max=64"`
	Reason           string       `json:"reason,omitempty" validate:"max=500"`
	ExpiresAt        *time.Time   `json:"expiresAt,omitempty"`
	RequiresApproval bool         `json:"requiresApproval"`
}

// ChangeRequest replaces a user's role assignments and/or overrides in one batch.
// A nil side is left untouched; an empty slice clears it.
type ChangeRequest struct {
	TenantID       int64           `json:"-" validate:"required,gt=0"`
	UserID         int64           `json:"-" validate:"required,gt=0"`
	RoleUpdates    *[]int64        `json:"roleUpdates,omitempty" validate:"omitempty,dive,gt=0"`
	Overrides      *[]OverrideSpec `json:"overrides,omitempty" validate:"omitempty,dive"`
	Reason         string          `json:"reason" validate:"required,max=500"`
	ActorID        int64           `json:"-" validate:"required,gt=0"`
	IdempotencyKey string          `json:"-" validate:"max=128"`
}

// RoleInput creates or edits a role.
type RoleInput struct {
	TenantID          int64   `json:"-" validate:"required,gt=0"`
	Name              string  `json:"name" validate:"required,max=100"`
	Description       string  `json:"description" validate:"max=500"`
	HierarchyLevel    int     `json:"hierarchyLevel" validate:"gte=0,lte=1000"`
	InheritFromRoleID *int64  `json:"inheritFromRoleId,omitempty" validate:"omitempty,gt=0"`
	Grants            []Grant `json:"grants" validate:"dive"`
	Reason            string  `json:"reason" validate:"max=500"`
	ActorID           int64   `json:"-" validate:"required,gt=0"`
}

// ApprovalRequest approves an override that was created with RequiresApproval.
type ApprovalRequest struct {
	TenantID   int64     `validate:"required,gt=0"`
	UserID     int64     `validate:"required,gt=0"`
	OverrideID uuid.UUID `validate:"required"`
	ApproverID int64     `validate:"required,gt=0"`
	Note       string    `validate:"max=500"`
}

// DisableRequest switches an override off while keeping it for history.
type DisableRequest struct {
	TenantID   int64     `validate:"required,gt=0"`
	UserID     int64     `validate:"required,gt=0"`
	OverrideID uuid.UUID `validate:"required"`
	ActorID    int64     `validate:"required,gt=0"`
	Reason     string    `validate:"max=500"`
}

// Validator checks request structs and converts failures to ErrValidation.
type Validator struct {
	validate *validator.Validate
}

// NewValidator builds a Validator.
func NewValidator() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Struct validates v.
func (v *Validator) Struct(s any) error {
	if err := v.validate.Struct(s); err != nil {
		return translateValidation(err)
	}
	return nil
}

// ChangeRequest validates the batch and turns each spec into an override effect.
func (v *Validator) ChangeRequest(req ChangeRequest, now time.Time) ([]OverrideEffect, error) {
	if err := v.Struct(req); err != nil {
		return nil, err
	}
	if req.RoleUpdates == nil && req.Overrides == nil {
		return nil, validationf("roleUpdates or overrides required")
	}
	if req.Overrides == nil {
		return nil, nil
	}
	effects := make([]OverrideEffect, 0, len(*req.Overrides))
	for i, spec := range *req.Overrides {
		if spec.ExpiresAt != nil && !spec.ExpiresAt.After(now) {
			return nil, validationf("overrides[%d].expiresAt must be in the future", i)
		}
		effect, err := NewOverrideEffect(spec.OverrideType, spec.AllowedActions, spec.DeniedActions)
		if err != nil {
			return nil, fmt.Errorf("overrides[%d]: %w", i, err)
		}
		effects = append(effects, effect)
	}
	return effects, nil
}

func translateValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fieldErr.Namespace(), fieldErr.Tag()))
	}
	return validationf("%s", strings.Join(parts, "; "))
}
