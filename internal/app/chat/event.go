/*
Package chat contains the relay core: connection registry, room routing, event dispatch
and the WebSocket transport.

This file defines the wire frame and the tagged inbound event types. Every frame is a JSON
object {"event": <name>, "data": <payload>}; inbound payloads are decoded into one concrete
event type per recognized name, and anything else is rejected before it reaches the dispatcher.
*/
package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"chatrelay/internal/app/user"
	"chatrelay/internal/pkg/errs"
)

// EventName is the name of a frame exchanged over the transport. Names must match exactly.
type EventName string

// Inbound events.
const (
	EventSetup      EventName = "setup"
	EventJoinChat   EventName = "join chat"
	EventTyping     EventName = "typing"
	EventStopTyping EventName = "stop typing"
	EventNewMessage EventName = "new message"
)

// Outbound events.
const (
	EventConnected       EventName = "connected"
	EventMessageReceived EventName = "message received"
	EventError           EventName = "error"
)

// maxRoomIDLength bounds chat ids accepted in join/typing payloads.
const maxRoomIDLength = 128

var validate = validator.New()

// Frame is one framed event on the wire.
type Frame struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame, marshaling payload when it is not nil.
func NewFrame(name EventName, payload any) (Frame, error) {
	frame := Frame{Event: name}
	if payload == nil {
		return frame, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	frame.Data = data

	return frame, nil
}

// ErrorFrame builds an `error` frame carrying the code and message of customErr.
func ErrorFrame(customErr *errs.CustomError) Frame {
	data, _ := json.Marshal(customErr)
	return Frame{Event: EventError, Data: data}
}

// DecodeFrame parses one raw transport message.
func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, err
	}
	if frame.Event == "" {
		return Frame{}, errors.New("frame has no event name")
	}
	return frame, nil
}

// Encode returns the JSON text of the frame.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// InboundEvent is implemented by every recognized client event.
type InboundEvent interface {
	Name() EventName
}

// SetupEvent announces the identity of the connection's user.
type SetupEvent struct {
	User user.User
}

// JoinChatEvent subscribes the connection to a chat room.
type JoinChatEvent struct {
	ChatID string
}

// TypingEvent starts or stops a typing indicator in a chat room.
// Data is the inbound payload, rebroadcast verbatim.
type TypingEvent struct {
	ChatID  string
	Stopped bool
	Data    json.RawMessage
}

// NewMessageEvent announces an already-persisted message.
type NewMessageEvent struct {
	Message Message
}

func (SetupEvent) Name() EventName      { return EventSetup }
func (JoinChatEvent) Name() EventName   { return EventJoinChat }
func (NewMessageEvent) Name() EventName { return EventNewMessage }

func (e TypingEvent) Name() EventName {
	if e.Stopped {
		return EventStopTyping
	}
	return EventTyping
}

// ParseEvent decodes the payload of frame into its tagged event type.
func ParseEvent(frame Frame) (InboundEvent, *errs.CustomError) {
	switch frame.Event {
	case EventSetup:
		var u user.User
		if err := json.Unmarshal(frame.Data, &u); err != nil || validate.Struct(u) != nil {
			return nil, errs.NewError(errs.ErrMalformedEvent, frame.Event)
		}
		return SetupEvent{User: u}, nil

	case EventJoinChat:
		chatID, customErr := decodeRoomID(frame)
		if customErr != nil {
			return nil, customErr
		}
		return JoinChatEvent{ChatID: chatID}, nil

	case EventTyping, EventStopTyping:
		chatID, customErr := decodeRoomID(frame)
		if customErr != nil {
			return nil, customErr
		}
		return TypingEvent{ChatID: chatID, Stopped: frame.Event == EventStopTyping, Data: frame.Data}, nil

	case EventNewMessage:
		msg, customErr := DecodeMessage(frame.Data)
		if customErr != nil {
			return nil, customErr
		}
		return NewMessageEvent{Message: msg}, nil

	default:
		return nil, errs.NewError(errs.ErrUnknownEvent, string(frame.Event))
	}
}

func decodeRoomID(frame Frame) (string, *errs.CustomError) {
	var id string
	if err := json.Unmarshal(frame.Data, &id); err != nil {
		return "", errs.NewError(errs.ErrMalformedEvent, frame.Event)
	}
	if err := validate.Var(id, fmt.Sprintf("required,max=%d", maxRoomIDLength)); err != nil {
		return "", errs.NewError(errs.ErrMalformedEvent, frame.Event)
	}
	return id, nil
}

// Message is the routing view of a persisted message payload.
// Raw is forwarded to recipients unmodified.
type Message struct {
	Raw json.RawMessage

	SenderID string

	// RecipientIDs are the distinct chat user ids other than the sender, in payload order.
	RecipientIDs []string
}

type messageView struct {
	Sender user.User `json:"sender"`
	Chat   struct {
		Users []user.User `json:"users" validate:"required,min=1"`
	} `json:"chat"`
}

// DecodeMessage reads the sender and chat.users of a message payload.
// A missing or empty chat.users yields ErrMissingRecipients; any other shape problem ErrMalformedEvent.
func DecodeMessage(raw json.RawMessage) (Message, *errs.CustomError) {
	var view messageView
	if len(raw) == 0 || json.Unmarshal(raw, &view) != nil {
		return Message{}, errs.NewError(errs.ErrMalformedEvent, EventNewMessage)
	}

	if err := validate.Struct(view); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && lo.SomeBy(fieldErrs, func(fe validator.FieldError) bool {
			return fe.StructField() == "Users"
		}) {
			return Message{}, errs.NewError(errs.ErrMissingRecipients)
		}
		return Message{}, errs.NewError(errs.ErrMalformedEvent, EventNewMessage)
	}

	senderID := view.Sender.ID
	recipients := lo.Uniq(lo.FilterMap(view.Chat.Users, func(u user.User, _ int) (string, bool) {
		return u.ID, u.ID != "" && u.ID != senderID
	}))

	return Message{
		Raw:          raw,
		SenderID:     senderID,
		RecipientIDs: recipients,
	}, nil
}
