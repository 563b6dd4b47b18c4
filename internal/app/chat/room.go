/*
Package chat contains the relay core: connection registry, room routing, event dispatch
and the WebSocket transport.

This file defines room identity. Chat rooms and personal rooms share one RoomID type but
live in separate namespaces, so a chat id can never alias a user's personal room.
*/
package chat

import "strings"

const (
	chatRoomPrefix     = "chat:"
	personalRoomPrefix = "user:"
)

// RoomID identifies a broadcast group: either a chat or a user's personal room.
type RoomID string

// ChatRoom returns the room of a one-to-one or group chat.
func ChatRoom(chatID string) RoomID {
	return RoomID(chatRoomPrefix + chatID)
}

// PersonalRoom returns the implicit room of a user, joined on setup and used for
// direct notifications such as new-message alerts.
func PersonalRoom(userID string) RoomID {
	return RoomID(personalRoomPrefix + userID)
}

// IsPersonal reports whether r is a personal room.
func (r RoomID) IsPersonal() bool {
	return strings.HasPrefix(string(r), personalRoomPrefix)
}

// Key returns the chat or user id without its namespace prefix.
func (r RoomID) Key() string {
	s := string(r)
	if rest, ok := strings.CutPrefix(s, personalRoomPrefix); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(s, chatRoomPrefix); ok {
		return rest
	}
	return s
}
