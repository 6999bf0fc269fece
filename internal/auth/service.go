package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/liblocker/liblocker/internal/agents"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakPassword       = errors.New("password must be at least 4 characters")
)

const minPasswordLength = 4

// CredentialStore is the slice of agents.Store holding the operator credential.
type CredentialStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Service authenticates the single operator account. The password hash lives
// in settings and is the same hash pushed to agents for offline unlock.
type Service struct {
	store  CredentialStore
	config Config
	now    func() time.Time
}

func NewService(store CredentialStore, config Config) *Service {
	return &Service{
		store:  store,
		config: config,
		now:    time.Now,
	}
}

func (s *Service) Config() Config {
	return s.config
}

// EnsureCredential seeds the operator hash from the initial password when
// none is stored yet.
func (s *Service) EnsureCredential(ctx context.Context) error {
	_, err := s.store.GetSetting(ctx, agents.SettingAdminPasswordHash)
	if err == nil {
		return nil
	}
	if !errors.Is(err, agents.ErrNotFound) {
		return fmt.Errorf("read credential: %w", err)
	}
	if s.config.InitialPassword == "" {
		slog.Warn("No operator credential stored and no initial password configured")
		return nil
	}

	hash, err := HashPassword(s.config.InitialPassword)
	if err != nil {
		return err
	}
	if err := s.store.PutSetting(ctx, agents.SettingAdminPasswordHash, hash); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	slog.Info("Operator credential initialised")
	return nil
}

// Login checks password against the stored hash and returns a signed token.
func (s *Service) Login(ctx context.Context, password string) (string, error) {
	hash, err := s.store.GetSetting(ctx, agents.SettingAdminPasswordHash)
	if err != nil {
		if errors.Is(err, agents.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("read credential: %w", err)
	}

	if !CheckPassword(password, hash) {
		return "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.config, s.now())
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// NewCredentialHash validates and hashes a replacement operator password.
func NewCredentialHash(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrWeakPassword
	}
	return HashPassword(password)
}
