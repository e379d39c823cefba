// Package session hands out anonymous session identities. The id is an
// opaque token; nothing about the holder is verified.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/storage"
)

const maxDisplayName = 50

var ErrInvalidID = errors.New("invalid session id")

type Provider struct {
	users storage.UserStore
}

func NewProvider(users storage.UserStore) *Provider {
	return &Provider{users: users}
}

// Start resumes the session existingID, or opens a new one when it is empty.
// The user record is upserted every time so display names can change.
func (p *Provider) Start(ctx context.Context, existingID, displayName string) (models.User, error) {
	id := strings.TrimSpace(existingID)
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return models.User{}, fmt.Errorf("%w: %q", ErrInvalidID, existingID)
	}

	name := strings.TrimSpace(displayName)
	if r := []rune(name); len(r) > maxDisplayName {
		name = string(r[:maxDisplayName])
	}
	if name == "" {
		if prev, err := p.users.GetUser(ctx, id); err == nil {
			name = prev.DisplayName
		} else if !errors.Is(err, storage.ErrNotFound) {
			return models.User{}, err
		}
	}
	return p.users.UpsertUser(ctx, models.User{ID: id, DisplayName: name})
}

// Lookup returns the user behind an existing session.
func (p *Provider) Lookup(ctx context.Context, id string) (models.User, error) {
	return p.users.GetUser(ctx, id)
}
