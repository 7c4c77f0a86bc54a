// auth.go — учётные записи: регистрация, вход, выпуск токенов доступа.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/bcrypt"

	"github.com/bigkaa/goartstore/share-module/internal/domain/model"
	"github.com/bigkaa/goartstore/share-module/internal/repository"
)

// Prometheus метрики учётных записей
var authAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sm_auth_attempts_total",
	Help: "Общее количество попыток регистрации и входа по результату",
}, []string{"action", "result"})

// Ограничения полей регистрации.
const (
	usernameMinLen = 3
	usernameMaxLen = 30
	emailMaxLen    = 255
	passwordMinLen = 6
	// bcrypt учитывает не более 72 байт пароля
	passwordMaxBytes = 72
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// TokenIssuer выпускает токены доступа HS256.
type TokenIssuer struct {
	secret []byte
	kid    string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer создаёт выпуск токенов с текущим ключом kid/secret.
func NewTokenIssuer(secret, kid string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret: []byte(secret),
		kid:    kid,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue выпускает токен для пользователя. Возвращает токен и момент истечения.
func (ti *TokenIssuer) Issue(u *model.User) (string, time.Time, error) {
	now := ti.now().UTC()
	expiresAt := now.Add(ti.ttl)

	claims := model.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		UserID: u.ID,
		Email:  u.Email,
		Admin:  u.IsAdmin,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tok.Header["kid"] = ti.kid

	signed, err := tok.SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("подпись токена: %w", err)
	}
	return signed, expiresAt, nil
}

// UserView — представление пользователя в ответах API.
type UserView struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IsAdmin  bool   `json:"is_admin"`
}

// AuthResult — результат регистрации или входа.
type AuthResult struct {
	Success   bool      `json:"success"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      UserView  `json:"user"`
}

// AuthService — регистрация и вход.
type AuthService struct {
	users  repository.UserRepository
	issuer *TokenIssuer
	cost   int
	logger *slog.Logger
}

// NewAuthService создаёт сервис учётных записей.
func NewAuthService(users repository.UserRepository, issuer *TokenIssuer, logger *slog.Logger) *AuthService {
	return &AuthService{
		users:  users,
		issuer: issuer,
		cost:   bcrypt.DefaultCost,
		logger: logger.With(slog.String("component", "auth")),
	}
}

// Register создаёт пользователя и сразу выпускает токен.
// Ошибки: ErrValidation, ErrConflict (email или имя заняты), ErrStorage.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (*AuthResult, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)

	if err := validateRegistration(username, email, password); err != nil {
		authAttemptsTotal.WithLabelValues("register", "invalid").Inc()
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("хеширование пароля: %w", err)
	}

	u := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			authAttemptsTotal.WithLabelValues("register", "conflict").Inc()
			return nil, fmt.Errorf("%w: пользователь с таким email или именем уже существует", ErrConflict)
		}
		return nil, fmt.Errorf("%w: создание пользователя: %w", ErrStorage, err)
	}

	authAttemptsTotal.WithLabelValues("register", "ok").Inc()
	s.logger.Info("Пользователь зарегистрирован",
		slog.Int64("user_id", u.ID),
		slog.String("username", u.Username),
	)
	return s.result(u)
}

// Login проверяет email и пароль и выпускает токен.
// Неизвестный email и неверный пароль неразличимы: ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		authAttemptsTotal.WithLabelValues("login", "invalid").Inc()
		return nil, fmt.Errorf("%w: email и пароль обязательны", ErrValidation)
	}

	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			authAttemptsTotal.WithLabelValues("login", "denied").Inc()
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: поиск пользователя: %w", ErrStorage, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		authAttemptsTotal.WithLabelValues("login", "denied").Inc()
		s.logger.Debug("Неверный пароль", slog.Int64("user_id", u.ID))
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if err := s.users.UpdateLastLogin(ctx, u.ID, now); err != nil {
		// Вход не блокируется ошибкой учёта
		s.logger.Warn("Не удалось обновить время входа",
			slog.Int64("user_id", u.ID),
			slog.String("error", err.Error()),
		)
	} else {
		u.LastLoginAt = &now
	}

	authAttemptsTotal.WithLabelValues("login", "ok").Inc()
	return s.result(u)
}

// result выпускает токен и собирает ответ.
func (s *AuthService) result(u *model.User) (*AuthResult, error) {
	tok, expiresAt, err := s.issuer.Issue(u)
	if err != nil {
		return nil, err
	}
	return &AuthResult{
		Success:   true,
		Token:     tok,
		ExpiresAt: expiresAt,
		User: UserView{
			ID:       u.ID,
			Username: u.Username,
			Email:    u.Email,
			IsAdmin:  u.IsAdmin,
		},
	}, nil
}

// validateRegistration проверяет поля регистрации.
func validateRegistration(username, email, password string) error {
	if username == "" || email == "" || password == "" {
		return fmt.Errorf("%w: имя пользователя, email и пароль обязательны", ErrValidation)
	}
	if n := utf8.RuneCountInString(username); n < usernameMinLen || n > usernameMaxLen {
		return fmt.Errorf("%w: имя пользователя должно содержать от %d до %d символов",
			ErrValidation, usernameMinLen, usernameMaxLen)
	}
	if utf8.RuneCountInString(email) > emailMaxLen {
		return fmt.Errorf("%w: email длиннее %d символов", ErrValidation, emailMaxLen)
	}
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("%w: некорректный email", ErrValidation)
	}
	if utf8.RuneCountInString(password) < passwordMinLen {
		return fmt.Errorf("%w: пароль должен содержать не менее %d символов", ErrValidation, passwordMinLen)
	}
	if len(password) > passwordMaxBytes {
		return fmt.Errorf("%w: пароль длиннее %d байт", ErrValidation, passwordMaxBytes)
	}
	return nil
}
