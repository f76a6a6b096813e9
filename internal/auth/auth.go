package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidInput       = errors.New("invalid input")
)

const minPasswordLength = 8

// User represents a registered viewer
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Never expose password hash
	CreatedAt    time.Time `json:"created_at"`
}

// Claims are carried by every issued token. Subject is the user id.
type Claims struct {
	jwt.StandardClaims
}

func (c *Claims) Valid() error {
	if c.Subject == "" {
		return ErrInvalidToken
	}
	return c.StandardClaims.Valid()
}

// UserID returns the authenticated identity carried by the token.
func (c *Claims) UserID() string {
	return c.Subject
}

// Store defines the interface for user storage
type Store interface {
	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CountUsers(ctx context.Context) (int, error)
}

// Manager handles registration, login and token verification.
type Manager struct {
	store    Store
	secret   []byte
	tokenTTL time.Duration
	cache    *TokenCache
}

// NewManager creates a new authentication manager
func NewManager(store Store, secret string, tokenTTL, cacheTTL time.Duration) *Manager {
	if tokenTTL == 0 {
		tokenTTL = 30 * 24 * time.Hour
	}
	return &Manager{
		store:    store,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		cache:    NewTokenCache(cacheTTL),
	}
}

// TokenTTL is the lifetime of issued tokens.
func (m *Manager) TokenTTL() time.Duration {
	return m.tokenTTL
}

// Close stops the token cache cleanup loop.
func (m *Manager) Close() {
	m.cache.Stop()
}

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword verifies a password against a hash
func VerifyPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateRegistration(name, email, password string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: email is not valid", ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}
	return nil
}

// CreateUser stores a new user after validating input.
func (m *Manager) CreateUser(ctx context.Context, name, email, password string) (*User, error) {
	email = normalizeEmail(email)
	if err := validateRegistration(name, email, password); err != nil {
		return nil, err
	}

	existing, err := m.store.GetUserByEmail(ctx, email)
	if err == nil && existing != nil {
		return nil, ErrUserExists
	}
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	passwordHash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	user := User{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(name),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Register creates a user and returns a token for it.
func (m *Manager) Register(ctx context.Context, name, email, password string) (*User, string, error) {
	user, err := m.CreateUser(ctx, name, email, password)
	if err != nil {
		return nil, "", err
	}
	token, _, err := m.IssueToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login authenticates a user and issues a token
func (m *Manager) Login(ctx context.Context, email, password string) (*User, string, error) {
	user, err := m.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	if !VerifyPassword(password, user.PasswordHash) {
		return nil, "", ErrInvalidCredentials
	}

	token, _, err := m.IssueToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// IssueToken signs an HS256 token for userID.
func (m *Manager) IssueToken(userID string) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(m.tokenTTL)
	claims := &Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			IssuedAt:  now.Unix(),
			ExpiresAt: expires.Unix(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Verify validates a token with caching
func (m *Manager) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	if claims, found := m.cache.Get(token); found {
		return claims, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, m.keyFunc)
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	m.cache.Set(token, claims)
	return claims, nil
}

func (m *Manager) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return m.secret, nil
}

// GetUser returns the user behind an authenticated identity.
func (m *Manager) GetUser(ctx context.Context, id string) (*User, error) {
	return m.store.GetUser(ctx, id)
}

// CountUsers is used by the CLI to report bootstrap state.
func (m *Manager) CountUsers(ctx context.Context) (int, error) {
	return m.store.CountUsers(ctx)
}
