// auth.go — JWT middleware для аутентификации владельцев файлов.
//
// Токены выпускает сам сервис (HS256, ключ SM_JWT_SECRET, kid SM_JWT_KEY_ID).
// Проверка идёт через keyfunc по локальному JWK Set (kty=oct): текущий ключ
// и предыдущие ключи после ротации (SM_JWT_PREVIOUS_KEYS).
// Дополнительно может подключаться внешний JWKS (RS256, SM_JWKS_URL).
// Claims: id (владелец), email, admin.
package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/goartstore/share-module/internal/api/errors"
	"github.com/bigkaa/goartstore/share-module/internal/domain/model"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyClaims — ключ для claims из JWT в контексте запроса.
const ContextKeyClaims contextKey = "jwt_claims"

// Claims — claims токена доступа Share Module.
type Claims = model.Claims

// JWTAuth — middleware для JWT-аутентификации.
// sources проверяются по порядку: первый источник, знающий kid, выдаёт ключ.
type JWTAuth struct {
	sources   []keyfunc.Keyfunc
	jwtLeeway time.Duration
	logger    *slog.Logger
}

// JWTAuthConfig — параметры для создания JWT middleware.
type JWTAuthConfig struct {
	// Ключи HS256: kid → секрет (текущий и предыдущие)
	Secrets map[string]string
	// URL внешнего JWKS (опционально)
	JWKSURL string
	// Таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// Интервал обновления JWKS-ключей
	RefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
}

// NewJWTAuth создаёт JWT middleware из локальных ключей и, если задан,
// внешнего JWKS.
func NewJWTAuth(authCfg JWTAuthConfig, logger *slog.Logger) (*JWTAuth, error) {
	if len(authCfg.Secrets) == 0 {
		return nil, errors.New("не задан ни один ключ подписи")
	}

	local, err := keyfunc.NewJWKSetJSON(BuildHMACJWKS(authCfg.Secrets))
	if err != nil {
		return nil, fmt.Errorf("создание локального JWK Set: %w", err)
	}
	sources := []keyfunc.Keyfunc{local}

	if authCfg.JWKSURL != "" {
		// NoErrorReturnFirstHTTPReq позволяет стартовать даже если JWKS endpoint
		// ещё недоступен.
		storage, err := jwkset.NewStorageFromHTTP(authCfg.JWKSURL, jwkset.HTTPClientStorageOptions{
			Client:                    &http.Client{Timeout: authCfg.ClientTimeout},
			NoErrorReturnFirstHTTPReq: true,
			RefreshInterval:           authCfg.RefreshInterval,
			RefreshErrorHandler: func(_ context.Context, err error) {
				logger.Error("Ошибка обновления JWKS",
					slog.String("error", err.Error()),
					slog.String("url", authCfg.JWKSURL),
				)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("создание JWKS storage: %w", err)
		}

		remote, err := keyfunc.New(keyfunc.Options{Storage: storage})
		if err != nil {
			return nil, fmt.Errorf("создание keyfunc: %w", err)
		}
		sources = append(sources, remote)

		logger.Info("Подключён внешний JWKS", slog.String("url", authCfg.JWKSURL))
	}

	return &JWTAuth{
		sources:   sources,
		jwtLeeway: authCfg.JWTLeeway,
		logger:    logger.With(slog.String("component", "jwt_auth")),
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, jwtLeeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		sources:   []keyfunc.Keyfunc{kf},
		jwtLeeway: jwtLeeway,
		logger:    logger.With(slog.String("component", "jwt_auth")),
	}
}

// BuildHMACJWKS строит JWK Set (kty=oct, alg=HS256) из секретов kid → secret.
// Не публикуется: содержит секреты.
func BuildHMACJWKS(secrets map[string]string) json.RawMessage {
	kids := make([]string, 0, len(secrets))
	for kid := range secrets {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	keys := make([]map[string]string, 0, len(kids))
	for _, kid := range kids {
		keys = append(keys, map[string]string{
			"kty": "oct",
			"kid": kid,
			"use": "sig",
			"alg": "HS256",
			"k":   base64.RawURLEncoding.EncodeToString([]byte(secrets[kid])),
		})
	}

	data, _ := json.Marshal(map[string]any{"keys": keys})
	return data
}

// keyfunc перебирает источники ключей.
func (j *JWTAuth) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		var lastErr error
		for _, src := range j.sources {
			key, err := src.KeyfuncCtx(ctx)(token)
			if err == nil {
				return key, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

// Parse проверяет подпись, exp/nbf и наличие id владельца.
func (j *JWTAuth) Parse(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, j.keyfunc(ctx),
		jwt.WithValidMethods([]string{"HS256", "RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.jwtLeeway),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("невалидный токен")
	}
	if claims.UserID <= 0 {
		return nil, errors.New("отсутствует id в токене")
	}
	return claims, nil
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token из заголовка Authorization, валидирует подпись,
// проверяет exp/nbf, помещает claims в контекст запроса.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			claims, err := j.Parse(r.Context(), tokenString)
			if err != nil {
				j.logger.Debug("JWT валидация не пройдена",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin возвращает 403, если в токене нет admin: true.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil || !claims.Admin {
			apierrors.Forbidden(w, "Недостаточно прав: требуется администратор")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClaimsFromContext извлекает claims из контекста запроса (nil — нет).
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(ContextKeyClaims).(*Claims)
	return claims
}

// OwnerFromContext возвращает id владельца из контекста (0 — не найден).
func OwnerFromContext(ctx context.Context) int64 {
	if claims := ClaimsFromContext(ctx); claims != nil {
		return claims.UserID
	}
	return 0
}

// WithClaims помещает claims в контекст (для тестов обработчиков).
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ContextKeyClaims, claims)
}
