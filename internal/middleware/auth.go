// Package middleware содержит HTTP middleware для сервиса оформления заказа.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const customerIDKey contextKey = "customerID"

const (
	authCookieName = "customer_token"
	authCookieTTL  = 365 * 24 * time.Hour
)

// AuthMiddleware определяет покупателя по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// Без ключа используется случайный, и cookie перестают действовать после перезапуска.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Identify добавляет идентификатор покупателя в контекст запроса.
// Если cookie нет или подпись неверна, выдаётся новый идентификатор гостя.
func (a *AuthMiddleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		customerID, ok := a.fromRequest(r)
		if !ok {
			customerID = uuid.NewString()
			a.SetAuthCookie(w, customerID)
		}

		ctx := context.WithValue(r.Context(), customerIDKey, customerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Require пропускает только запросы с действительным cookie покупателя.
func (a *AuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		customerID, ok := a.fromRequest(r)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), customerIDKey, customerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AuthMiddleware) fromRequest(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(authCookieName)
	if err != nil {
		return "", false
	}
	return a.parseCookie(cookie.Value)
}

// SetAuthCookie устанавливает cookie авторизации для указанного покупателя.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, customerID string) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    customerID + "." + a.sign(customerID),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) sign(customerID string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(customerID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (string, bool) {
	id, signature, found := strings.Cut(cookieValue, ".")
	if !found {
		return "", false
	}

	if !hmac.Equal([]byte(signature), []byte(a.sign(id))) {
		return "", false
	}

	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}

	return id, true
}

// GetCustomerIDFromContext извлекает идентификатор покупателя из контекста запроса.
func GetCustomerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(customerIDKey).(string)
	return id, ok && id != ""
}

// WithCustomerID возвращает контекст с идентификатором покупателя.
func WithCustomerID(ctx context.Context, customerID string) context.Context {
	return context.WithValue(ctx, customerIDKey, customerID)
}
