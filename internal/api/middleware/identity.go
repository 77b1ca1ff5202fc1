// identity.go — middleware определения пользователя.
//
// Сервис не аутентифицирует пользователей сам: идентичность поставляет
// внешний коллаборатор. Поддерживаются два режима:
//   - JWT (UP_JWKS_URL задан): Bearer token валидируется по JWKS
//     (RS256), user_id берётся из claim sub;
//   - standalone (UP_JWKS_URL пуст): user_id берётся из заголовка
//     X-User-Id, при его отсутствии используется пользователь по
//     умолчанию — режим одиночного запуска без внешней аутентификации.
//
// Дальше по конвейеру user_id доступен через UserFromContext; ядро
// только изолирует данные по полученному идентификатору.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/arcstep/illufly-upload/internal/api/errors"
	"github.com/arcstep/illufly-upload/internal/domain/model"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyUser — ключ user_id в контексте запроса.
const ContextKeyUser contextKey = "user_id"

// HeaderUserID — заголовок идентификатора пользователя в standalone-режиме.
const HeaderUserID = "X-User-Id"

// Identity — middleware определения пользователя.
type Identity struct {
	jwks        keyfunc.Keyfunc
	jwtLeeway   time.Duration
	defaultUser string
	logger      *slog.Logger
}

// IdentityConfig — параметры создания middleware идентичности.
type IdentityConfig struct {
	// JWKSURL — URL JWKS endpoint (пусто = standalone-режим)
	JWKSURL string
	// RefreshInterval — интервал обновления JWKS-ключей
	RefreshInterval time.Duration
	// JWTLeeway — допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// DefaultUser — пользователь по умолчанию в standalone-режиме
	DefaultUser string
}

// NewIdentity создаёт middleware идентичности. При заданном JWKSURL
// поднимается фоновое обновление ключей; NoErrorReturnFirstHTTPReq
// позволяет стартовать, даже если JWKS endpoint ещё недоступен.
func NewIdentity(cfg IdentityConfig, logger *slog.Logger) (*Identity, error) {
	ident := &Identity{
		jwtLeeway:   cfg.JWTLeeway,
		defaultUser: cfg.DefaultUser,
		logger:      logger.With(slog.String("component", "identity")),
	}

	if cfg.JWKSURL == "" {
		return ident, nil
	}

	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, refreshErr error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", refreshErr.Error()),
				slog.String("url", cfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	ident.jwks = k
	return ident, nil
}

// NewIdentityWithKeyfunc создаёт middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewIdentityWithKeyfunc(kf keyfunc.Keyfunc, leeway time.Duration, logger *slog.Logger) *Identity {
	return &Identity{
		jwks:      kf,
		jwtLeeway: leeway,
		logger:    logger.With(slog.String("component", "identity")),
	}
}

// Middleware возвращает HTTP middleware, помещающий user_id в контекст.
func (i *Identity) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string
			if i.jwks != nil {
				var ok bool
				userID, ok = i.userFromJWT(w, r)
				if !ok {
					return
				}
			} else {
				userID = r.Header.Get(HeaderUserID)
				if userID == "" {
					userID = i.defaultUser
				}
			}

			// user_id участвует в путях ФС — проверяем до входа в ядро
			if err := model.ValidateKey("user_id", userID); err != nil {
				apierrors.Unauthorized(w, "Некорректный идентификатор пользователя")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyUser, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// userFromJWT извлекает user_id из Bearer token.
// При любой ошибке пишет 401 и возвращает ok=false.
func (i *Identity) userFromJWT(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
		return "", false
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, i.jwks.KeyfuncCtx(r.Context()),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(i.jwtLeeway),
	)
	if err != nil || !token.Valid {
		i.logger.Debug("JWT валидация не пройдена",
			slog.String("remote_addr", r.RemoteAddr),
		)
		apierrors.Unauthorized(w, "Невалидный или просроченный токен")
		return "", false
	}

	if claims.Subject == "" {
		apierrors.Unauthorized(w, "Отсутствует sub в токене")
		return "", false
	}
	return claims.Subject, true
}

// UserFromContext извлекает user_id из контекста запроса.
// Возвращает пустую строку, если user_id не найден.
func UserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(ContextKeyUser).(string)
	return userID
}
