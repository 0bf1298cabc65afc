// Package account registers users and checks their passwords locally.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"chatter/internal/store"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinNameLength     = 3
	MinPasswordLength = 4
)

var (
	ErrNameTooShort       = fmt.Errorf("name must be at least %d characters", MinNameLength)
	ErrNameInvalid        = errors.New("name must not contain control characters")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrPasswordMismatch   = errors.New("passwords do not match")
	ErrNameTaken          = errors.New("name already registered")
	ErrInvalidCredentials = errors.New("invalid name or password")
)

// UserStore defines the storage interface for accounts
type UserStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
}

// Service provides name/password accounts
type Service struct {
	store UserStore
	cost  int
}

func NewService(store UserStore) *Service {
	return &Service{store: store, cost: bcrypt.DefaultCost}
}

// Register creates a user. The name is trimmed before it is checked.
func (s *Service) Register(ctx context.Context, name, password, confirm string) (store.User, error) {
	name = strings.TrimSpace(name)
	if len([]rune(name)) < MinNameLength {
		return store.User{}, ErrNameTooShort
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return store.User{}, ErrNameInvalid
	}
	if len([]rune(password)) < MinPasswordLength {
		return store.User{}, ErrPasswordTooShort
	}
	if password != confirm {
		return store.User{}, ErrPasswordMismatch
	}

	if _, err := s.store.GetUserByName(ctx, name); err == nil {
		return store.User{}, ErrNameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("look up user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           uuid.NewString(),
		Name:         name,
		PasswordHash: string(hash),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			return store.User{}, ErrNameTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login returns the user when name and password match. Unknown names and wrong
// passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, name, password string) (store.User, error) {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByName(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, fmt.Errorf("look up user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) User(ctx context.Context, id string) (store.User, error) {
	return s.store.GetUserByID(ctx, id)
}
