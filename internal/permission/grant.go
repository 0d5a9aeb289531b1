// Package permission decides whether an application may perform a signer
// operation without asking the user.
package permission

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/Bidon15/nsigner"
)

// Grant is the standing policy for one application.
type Grant struct {
	AppID string `json:"app_id" validate:"notblank,max=256"`
	Name  string `json:"name,omitempty" validate:"max=128"`
	// AllowedEventKinds nil means every kind; an empty list means none.
	AllowedEventKinds []int     `json:"allowed_event_kinds" validate:"omitempty,dive,min=0,max=65535"`
	Nip04Allowed      bool      `json:"nip04_allowed"`
	Nip44Allowed      bool      `json:"nip44_allowed"`
	AutoApprove       bool      `json:"auto_approve"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the grant against its validate tags.
func (g *Grant) Validate() error {
	err := validate.Struct(g)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", nsigner.ErrInvalidGrant, err)
	}
	fe := verrs[0]
	return fmt.Errorf("%w: %w", nsigner.ErrInvalidGrant, nsigner.NewValidationError(fe.Field(), violation(fe)))
}

func violation(fe validator.FieldError) string {
	switch fe.Tag() {
	case "notblank":
		return "is required"
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("%v out of range", fe.Value())
	case "min":
		return fmt.Sprintf("%v out of range", fe.Value())
	default:
		return "failed " + fe.Tag()
	}
}

// excludes reports whether the grant forbids op outright.
func (g *Grant) excludes(op nsigner.Operation, kind int) bool {
	switch {
	case op == nsigner.OpSignEvent:
		return !g.allowsKind(kind)
	case op.UsesNip04():
		return !g.Nip04Allowed
	case op.UsesNip44():
		return !g.Nip44Allowed
	default:
		return false
	}
}

func (g *Grant) allowsKind(kind int) bool {
	if g.AllowedEventKinds == nil {
		return true
	}
	for _, k := range g.AllowedEventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (g *Grant) Clone() *Grant {
	out := *g
	if g.AllowedEventKinds != nil {
		out.AllowedEventKinds = append([]int{}, g.AllowedEventKinds...)
	}
	return &out
}

// GrantStore persists grants keyed by app id.
type GrantStore interface {
	// Get returns ErrGrantNotFound for unknown apps.
	Get(ctx context.Context, appID string) (*Grant, error)
	Put(ctx context.Context, g *Grant) error
	// Delete is a no-op for unknown apps.
	Delete(ctx context.Context, appID string) error
	List(ctx context.Context) ([]*Grant, error)
}

// RateWindow tracks recent auto-approvals per app.
type RateWindow interface {
	// Count returns the approvals recorded for appID within window of now,
	// discarding older ones.
	Count(ctx context.Context, appID string, now time.Time, window time.Duration) (int, error)
	Record(ctx context.Context, appID string, now time.Time, window time.Duration) error
	// Reserve counts and records in one step: when fewer than max
	// approvals fall within window of now it records one and returns its
	// slot id, otherwise it returns "".
	Reserve(ctx context.Context, appID string, now time.Time, window time.Duration, max int) (string, error)
	// Release removes a slot taken by Reserve. Unknown slots are ignored.
	Release(ctx context.Context, appID, slot string) error
	// Prune drops expired entries for every app.
	Prune(ctx context.Context, now time.Time, window time.Duration) error
	// Reset forgets appID.
	Reset(ctx context.Context, appID string) error
}
