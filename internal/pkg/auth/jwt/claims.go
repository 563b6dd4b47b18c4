package jwt

import "github.com/golang-jwt/jwt"

// Payload defines the JWT claims the relay accepts.
// Tokens are issued by the HTTP/CRUD layer; the relay only verifies them.
type Payload struct {
	jwt.StandardClaims

	// ID is the user identifier, the same value clients send as `_id` in their setup event.
	ID string `json:"id"`

	// Name is the display name, informational only.
	Name string `json:"name,omitempty"`
}
