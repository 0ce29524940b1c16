package relaydesk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaydesk/internal/clock"
)

// IdentityResolver maps a (tenant, phone) pair to one durable user id.
type IdentityResolver struct {
	users  UserStore
	clock  clock.Clock
	logger zerolog.Logger
	newID  func() string
}

type IdentityOptions struct {
	Clock  clock.Clock
	Logger zerolog.Logger
}

func NewIdentityResolver(users UserStore, opts IdentityOptions) *IdentityResolver {
	return &IdentityResolver{
		users:  users,
		clock:  clock.OrReal(opts.Clock),
		logger: opts.Logger,
		newID:  uuid.NewString,
	}
}

// EnsureUser returns the id of the user for (tenantID, phone), creating the
// row on first contact. Concurrent callers for an unseen pair all get the
// same id because the losing inserts fall back to reading the winner's row.
func (r *IdentityResolver) EnsureUser(ctx context.Context, tenantID, phone string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	phone = strings.TrimSpace(phone)
	if tenantID == "" || phone == "" {
		return "", ErrInvalidInput
	}

	existing, err := r.users.FindUserByPhone(ctx, tenantID, phone)
	switch {
	case err == nil:
		return r.touch(ctx, existing)
	case !errors.Is(err, ErrNotFound):
		return "", err
	}

	now := r.clock.Now()
	user := User{
		ID:        r.newID(),
		TenantID:  tenantID,
		Phone:     phone,
		Name:      defaultUserName(phone),
		Type:      DefaultUserType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = r.users.InsertUser(ctx, user)
	if err == nil {
		r.logger.Info().Str("tenant", tenantID).Str("user", user.ID).Msg("user created")
		return user.ID, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		return "", err
	}

	existing, err = r.users.FindUserByPhone(ctx, tenantID, phone)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("user %s/%s vanished after insert conflict: %w", tenantID, phone, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return r.touch(ctx, existing)
}

func (r *IdentityResolver) touch(ctx context.Context, user User) (string, error) {
	if err := r.users.TouchUser(ctx, user.TenantID, user.Phone, r.clock.Now()); err != nil {
		return "", err
	}
	return user.ID, nil
}
