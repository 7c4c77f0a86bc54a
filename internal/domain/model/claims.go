// claims.go — claims токена доступа Share Module.
package model

import "github.com/golang-jwt/jwt/v5"

// Claims — claims токена доступа: выпускаются сервисом учётных записей,
// проверяются JWT middleware.
type Claims struct {
	jwt.RegisteredClaims
	// UserID — идентификатор владельца
	UserID int64 `json:"id"`
	// Email — email пользователя
	Email string `json:"email"`
	// Admin — доступ к maintenance endpoints
	Admin bool `json:"admin,omitempty"`
}
