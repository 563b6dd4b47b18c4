/*
Package user contains the user reference carried by relay events.

The relay never loads users itself; it only reads the identifier embedded in
setup payloads and in the sender/chat.users fields of persisted messages.
*/
package user

import "encoding/json"

// User is a chat participant as serialized by the HTTP/CRUD layer.
// Only ID is interpreted by the relay; the other fields are informational.
type User struct {
	// ID is the user identifier; it is also the key of the user's personal room.
	ID string `json:"_id" validate:"required,max=128"`

	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Pic   string `json:"pic,omitempty"`
}

// UnmarshalJSON accepts both the `_id` field written by document stores and a plain `id`.
func (u *User) UnmarshalJSON(data []byte) error {
	var raw struct {
		UnderscoreID string `json:"_id"`
		ID           string `json:"id"`
		Name         string `json:"name"`
		Email        string `json:"email"`
		Pic          string `json:"pic"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*u = User{
		ID:    raw.UnderscoreID,
		Name:  raw.Name,
		Email: raw.Email,
		Pic:   raw.Pic,
	}
	if u.ID == "" {
		u.ID = raw.ID
	}

	return nil
}
