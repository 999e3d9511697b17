// Package user resolves login identities to durable users.
package user

import (
	"context"
	"errors"

	userRepo "opencollab/internal/repository/user"

	"opencollab/internal/model"
)

var ErrUnknownUser = errors.New("unknown user")

type Manager struct {
	repo userRepo.Repository
}

func NewManager(repo userRepo.Repository) *Manager {
	return &Manager{repo: repo}
}

// Login fetches the durable user for name, creating it on first sight.
// The advertised public key is persisted on every login.
func (m *Manager) Login(ctx context.Context, name, email string, publicKey []byte) (*model.User, error) {
	user, err := m.repo.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	if user == nil {
		user = &model.User{
			Name:      name,
			Email:     email,
			PublicKey: publicKey,
		}
		if _, err := m.repo.Create(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	}

	if err := m.repo.SetPublicKey(ctx, user.ID, publicKey); err != nil {
		return nil, err
	}
	user.PublicKey = publicKey
	return user, nil
}

// Get resolves a user id from redeemed token claims.
func (m *Manager) Get(ctx context.Context, id string) (*model.User, error) {
	user, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUnknownUser
	}
	return user, nil
}
