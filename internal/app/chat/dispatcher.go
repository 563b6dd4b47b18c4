/*
Package chat contains the relay core: connection registry, room routing, event dispatch
and the WebSocket transport.

This file defines the Dispatcher, the per-connection protocol state machine
(Connected → Identified → Closed). It validates inbound events, mutates the Registry and
fans frames out to the targets resolved by the Router. Fan-out is fire-and-forget: a failed
send to one target is logged and never affects the others or the sender.
*/
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"chatrelay/internal/pkg/errs"
	"chatrelay/internal/pkg/logx"
)

// SessionState is the protocol state of one connection.
type SessionState int

const (
	// StateConnected: registered, no identity yet.
	StateConnected SessionState = iota

	// StateIdentified: setup succeeded, the personal room exists.
	StateIdentified

	// StateClosed is terminal.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Bridge carries fan-out between relay nodes sharing one logical room space.
type Bridge interface {
	// Publish announces a frame delivered locally to room so that other nodes deliver it too.
	Publish(ctx context.Context, room RoomID, frame Frame) error

	// Subscribe calls deliver for every frame published by other nodes until ctx is done
	// or the subscription fails.
	Subscribe(ctx context.Context, deliver func(room RoomID, frame Frame)) error

	// Subscribed reports whether a Subscribe call currently holds a live subscription.
	Subscribed() bool

	Close() error
}

// Session is the Dispatcher's per-connection state.
type Session struct {
	transport Transport

	// verifiedUserID is the identity proven at handshake, empty when anonymous.
	verifiedUserID string

	mu     sync.Mutex
	state  SessionState
	userID string

	logger zerolog.Logger
}

// ID returns the connection handle of the session.
func (s *Session) ID() ConnID {
	return s.transport.ID()
}

// State returns the current protocol state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the identity set by the last successful setup.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Dispatcher routes inbound events and performs fan-out.
type Dispatcher struct {
	registry *Registry
	router   Router

	// bridge is nil on a single-node relay.
	bridge Bridge

	// enforceIdentity drops setup events whose id differs from the handshake identity.
	enforceIdentity bool

	logger zerolog.Logger
}

// NewDispatcher builds a Dispatcher over registry. bridge may be nil.
func NewDispatcher(registry *Registry, bridge Bridge, enforceIdentity bool) *Dispatcher {
	return &Dispatcher{
		registry:        registry,
		router:          NewRouter(registry),
		bridge:          bridge,
		enforceIdentity: enforceIdentity,
		logger:          logx.Component("Dispatcher"),
	}
}

// Registry returns the registry the dispatcher mutates.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Connect registers t and returns its session in StateConnected.
// verifiedUserID is the identity proven by the handshake token, or empty.
func (d *Dispatcher) Connect(t Transport, verifiedUserID string) *Session {
	d.registry.Register(t)

	s := &Session{
		transport:      t,
		verifiedUserID: verifiedUserID,
		state:          StateConnected,
		logger:         d.logger.With().Str("conn_id", string(t.ID())).Logger(),
	}

	s.logger.Debug().Str("verified_user", verifiedUserID).Msg("Connection registered.")
	return s
}

// Disconnect moves s to StateClosed and removes every membership of its connection.
// It unregisters unconditionally, whatever the state, and is safe to call repeatedly.
func (d *Dispatcher) Disconnect(s *Session) {
	s.mu.Lock()
	previous := s.state
	s.state = StateClosed
	s.mu.Unlock()

	userID, _ := d.registry.UserOf(s.ID())
	rooms := len(d.registry.RoomsOf(s.ID()))

	removed := d.registry.Unregister(s.ID())

	if previous != StateClosed {
		s.logger.Info().
			Str("previous_state", previous.String()).
			Str("user_id", userID).
			Int("rooms", rooms).
			Bool("removed", removed).
			Msg("Connection unregistered.")
	}
}

// Handle processes one inbound frame from s. Frames of one connection must be handled
// sequentially by the caller; that is what gives per-connection FIFO ordering.
func (d *Dispatcher) Handle(ctx context.Context, s *Session, frame Frame) {
	if s.State() == StateClosed {
		s.logger.Debug().Str("event", string(frame.Event)).Msg("Ignoring event on closed session.")
		return
	}

	evt, customErr := ParseEvent(frame)
	if customErr != nil {
		// Messages without chat users are dropped quietly.
		level := zerolog.WarnLevel
		if errs.HasCode(customErr, errs.ErrMissingRecipients) {
			level = zerolog.InfoLevel
		}
		s.logger.WithLevel(level).
			Str("event", string(frame.Event)).
			Int("code", customErr.Code).
			Str("reason", customErr.Message).
			Msg("Dropping inbound event.")
		return
	}

	switch e := evt.(type) {
	case SetupEvent:
		d.handleSetup(s, e)

	case JoinChatEvent:
		d.handleJoin(s, e)

	case TypingEvent:
		d.broadcast(ctx, ChatRoom(e.ChatID), s.ID(), Frame{Event: e.Name(), Data: e.Data})

	case NewMessageEvent:
		n := d.fanOutMessage(ctx, e.Message, s.ID())
		s.logger.Debug().
			Str("sender", e.Message.SenderID).
			Int("recipients", len(e.Message.RecipientIDs)).
			Int("delivered", n).
			Msg("Message relayed.")
	}
}

func (d *Dispatcher) handleSetup(s *Session, e SetupEvent) {
	if d.enforceIdentity && e.User.ID != s.verifiedUserID {
		s.logger.Warn().
			Str("claimed_user", e.User.ID).
			Str("verified_user", s.verifiedUserID).
			Msg("Setup rejected: identity mismatch.")
		d.send(s.transport, ErrorFrame(errs.NewError(errs.ErrIdentityMismatch)))
		return
	}

	if err := d.registry.Setup(s.ID(), e.User.ID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", e.User.ID).Msg("Setup failed.")
		return
	}

	s.mu.Lock()
	replaced := s.userID != "" && s.userID != e.User.ID
	s.userID = e.User.ID
	if s.state == StateConnected {
		s.state = StateIdentified
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("user_id", e.User.ID).
		Bool("replaced", replaced).
		Int("user_connections", len(d.registry.ConnectionsOf(e.User.ID))).
		Msg("Connection identified.")

	d.send(s.transport, Frame{Event: EventConnected})
}

func (d *Dispatcher) handleJoin(s *Session, e JoinChatEvent) {
	if err := d.registry.Join(s.ID(), ChatRoom(e.ChatID)); err != nil {
		s.logger.Warn().Err(err).Str("chat_id", e.ChatID).Msg("Join failed.")
		return
	}

	s.logger.Debug().Str("chat_id", e.ChatID).Msg("Chat joined.")
}

// RelayMessage fans out a message pushed by the HTTP layer rather than by a connection.
// Recipients are the chat users other than the sender. It returns the number of local sends.
func (d *Dispatcher) RelayMessage(ctx context.Context, msg Message) int {
	return d.fanOutMessage(ctx, msg, "")
}

// DeliverRemote delivers a frame published by another node to local members of room.
// It does not republish.
func (d *Dispatcher) DeliverRemote(room RoomID, frame Frame) int {
	return d.deliver(d.router.Targets(room, ""), frame)
}

func (d *Dispatcher) fanOutMessage(ctx context.Context, msg Message, exclude ConnID) int {
	frame := Frame{Event: EventMessageReceived, Data: msg.Raw}

	delivered := 0
	for _, userID := range msg.RecipientIDs {
		delivered += d.broadcast(ctx, PersonalRoom(userID), exclude, frame)
	}
	return delivered
}

// broadcast sends frame to every member of room except exclude, then hands it to the bridge.
func (d *Dispatcher) broadcast(ctx context.Context, room RoomID, exclude ConnID, frame Frame) int {
	delivered := d.deliver(d.router.Targets(room, exclude), frame)

	d.logger.Debug().
		Str("event", string(frame.Event)).
		Bool("personal", room.IsPersonal()).
		Str("key", room.Key()).
		Int("delivered", delivered).
		Msg("Broadcast delivered.")

	if d.bridge != nil {
		if err := d.bridge.Publish(ctx, room, frame); err != nil {
			d.logger.Warn().Err(err).Str("room", string(room)).Msg("Bridge publish failed.")
		}
	}

	return delivered
}

func (d *Dispatcher) deliver(targets []Transport, frame Frame) int {
	delivered := 0
	for _, t := range targets {
		if d.send(t, frame) {
			delivered++
		}
	}
	return delivered
}

// send isolates one target: errors and panics are logged and reported as false.
func (d *Dispatcher) send(t Transport, frame Frame) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("conn_id", string(t.ID())).
				Interface("panic", r).
				Msg("Recovered from panic while sending.")
			ok = false
		}
	}()

	if err := t.Send(frame); err != nil {
		event := d.logger.Warn()
		if errors.Is(err, ErrTransportClosed) {
			event = d.logger.Debug()
		}
		event.Err(err).
			Str("conn_id", string(t.ID())).
			Str("event", string(frame.Event)).
			Msg("Send failed.")
		return false
	}

	return true
}
