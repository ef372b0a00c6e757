package identity

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/pliu/chatty-rooms/internal/apperr"
	"github.com/pliu/chatty-rooms/internal/auth"
	"github.com/pliu/chatty-rooms/internal/models"
	"github.com/pliu/chatty-rooms/internal/store"
	"go.uber.org/zap"
)

const (
	minHandleLen   = 2
	maxHandleLen   = 64
	minPasswordLen = 6
)

// Notifier delivers the optional welcome message to a new identity.
type Notifier interface {
	SendWelcome(to, username, room string) error
}

// Session is the result of a successful register or login.
type Session struct {
	Token string       `json:"access_token"`
	User  *models.User `json:"user"`
}

type Service struct {
	store  store.Store
	tokens *auth.TokenIssuer
	log    *zap.Logger

	notifier    Notifier
	welcomeRoom string
}

func NewService(st store.Store, tokens *auth.TokenIssuer, log *zap.Logger) *Service {
	return &Service{store: st, tokens: tokens, log: log}
}

// SetNotifier enables welcome messages for registrations that carry an
// email address.
func (s *Service) SetNotifier(n Notifier, room string) {
	s.notifier = n
	s.welcomeRoom = room
}

// NormalizeHandle trims and lowercases a handle and checks its length.
func NormalizeHandle(handle string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(handle))
	n := utf8.RuneCountInString(name)
	if n < minHandleLen {
		return "", apperr.Conflict("Username must be at least 2 characters")
	}
	if n > maxHandleLen {
		return "", apperr.Conflict("Username too long")
	}
	return name, nil
}

// Register creates a credentialed identity and returns a session for it.
func (s *Service) Register(ctx context.Context, handle, password, email string) (*Session, error) {
	name, err := NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLen {
		return nil, apperr.Conflict("Password must be at least 6 characters")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, apperr.Internal("hash password", err)
	}
	user := &models.User{
		Username:     name,
		PasswordHash: hash,
		Email:        strings.TrimSpace(email),
	}
	if err := s.create(ctx, user); err != nil {
		return nil, err
	}
	s.log.Info("registered user", zap.String("user_id", user.ID), zap.String("username", user.Username))

	if user.Email != "" && s.notifier != nil {
		go s.welcome(user)
	}
	return s.issue(user)
}

// RegisterGuest creates an identity without credentials. Such identities
// can own messages but can never authenticate.
func (s *Service) RegisterGuest(ctx context.Context, handle string) (*models.User, error) {
	name, err := NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	user := &models.User{Username: name}
	if err := s.create(ctx, user); err != nil {
		return nil, err
	}
	s.log.Info("registered guest", zap.String("user_id", user.ID), zap.String("username", user.Username))
	return user, nil
}

// create relies on the storage constraint for uniqueness; the lookup only
// gives the common case a clean answer.
func (s *Service) create(ctx context.Context, user *models.User) error {
	if _, err := s.store.GetUserByUsername(ctx, user.Username); err == nil {
		return apperr.Conflict("Username already taken")
	} else if !errors.Is(err, store.ErrNotFound) {
		return apperr.Internal("lookup user", err)
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return apperr.Conflict("Username already taken")
		}
		return apperr.Internal("create user", err)
	}
	return nil
}

func (s *Service) welcome(user *models.User) {
	if err := s.notifier.SendWelcome(user.Email, user.Username, s.welcomeRoom); err != nil {
		s.log.Warn("welcome email failed", zap.String("user_id", user.ID), zap.Error(err))
	}
}

// Authenticate checks credentials and returns a fresh session.
func (s *Service) Authenticate(ctx context.Context, handle, password string) (*Session, error) {
	name := strings.ToLower(strings.TrimSpace(handle))
	if name == "" {
		return nil, apperr.Unauthorized("Invalid username or password")
	}
	user, err := s.store.GetUserByUsername(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Unauthorized("Invalid username or password")
		}
		return nil, apperr.Internal("lookup user", err)
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return nil, apperr.Unauthorized("Invalid username or password")
	}
	return s.issue(user)
}

func (s *Service) issue(user *models.User) (*Session, error) {
	token, err := s.tokens.Sign(user.ID, user.Username)
	if err != nil {
		return nil, apperr.Internal("issue token", err)
	}
	return &Session{Token: token, User: user}, nil
}

// ResolveToken verifies token and loads the live identity it names. The
// handle embedded in the token is ignored.
func (s *Service) ResolveToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, apperr.Unauthorized("Missing token")
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "Invalid token", err)
	}
	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Unauthorized("Unknown user")
		}
		return nil, apperr.Internal("lookup user", err)
	}
	return user, nil
}

// FindByHandle looks a handle up case-insensitively.
func (s *Service) FindByHandle(ctx context.Context, handle string) (*models.User, error) {
	name := strings.ToLower(strings.TrimSpace(handle))
	if name == "" {
		return nil, apperr.NotFound("User not found")
	}
	user, err := s.store.GetUserByUsername(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("User not found")
		}
		return nil, apperr.Internal("lookup user", err)
	}
	return user, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, apperr.Internal("list users", err)
	}
	return users, nil
}
