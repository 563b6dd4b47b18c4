/*
Package chat contains the relay core: connection registry, room routing, event dispatch
and the WebSocket transport.

This file defines the Manager, which owns the Registry and Dispatcher, serves upgraded
connections, runs the optional cross-node bridge loop, and shuts everything down.
*/
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultBridgeRetry is the first delay before resubscribing after a bridge failure.
	DefaultBridgeRetry = 500 * time.Millisecond

	// maxBridgeRetry caps the exponential resubscribe delay.
	maxBridgeRetry = 30 * time.Second
)

// Bridge states reported by BridgeStatus.
const (
	BridgeDisabled     = "disabled"
	BridgeSubscribed   = "subscribed"
	BridgeReconnecting = "reconnecting"
)

// errSubscriptionEnded is retried like any other subscribe failure.
var errSubscriptionEnded = errors.New("bridge subscription ended")

// ManagerConfig holds the settings the Manager passes down to clients and the dispatcher.
type ManagerConfig struct {
	Client ClientOptions

	// EnforceIdentity requires setup ids to match the handshake token identity.
	EnforceIdentity bool

	// BridgeRetry is the initial resubscribe delay; zero means DefaultBridgeRetry.
	BridgeRetry time.Duration
}

// Manager coordinates all live connections of this relay node.
type Manager struct {
	dispatcher *Dispatcher

	// bridge is nil on a single-node relay.
	bridge Bridge

	clientOpts ClientOptions

	bridgeRetry time.Duration

	// ctx is cancelled on Shutdown; it scopes bridge publishing and the subscribe loop.
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards closing and connection registration so wg.Add never races Shutdown's Wait.
	mu      sync.Mutex
	closing bool

	// wg tracks connection pumps and the bridge loop.
	wg sync.WaitGroup

	logger zerolog.Logger
}

// NewManager constructs a Manager. bridge may be nil; when set, its subscribe loop starts immediately.
func NewManager(cfg ManagerConfig, bridge Bridge, logger zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	bridgeRetry := cfg.BridgeRetry
	if bridgeRetry <= 0 {
		bridgeRetry = DefaultBridgeRetry
	}

	m := &Manager{
		dispatcher:  NewDispatcher(NewRegistry(), bridge, cfg.EnforceIdentity),
		bridge:      bridge,
		clientOpts:  cfg.Client,
		bridgeRetry: bridgeRetry,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.With().Str("component", "Manager").Logger(),
	}

	if bridge != nil {
		m.wg.Add(1)
		go m.runBridgeLoop()
	}

	return m
}

// Dispatcher returns the manager's dispatcher.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Stats returns the registry summary.
func (m *Manager) Stats() Stats {
	return m.dispatcher.Registry().Stats()
}

// BridgeStatus reports the cross-node bridge as BridgeDisabled, BridgeSubscribed or BridgeReconnecting.
func (m *Manager) BridgeStatus() string {
	switch {
	case m.bridge == nil:
		return BridgeDisabled
	case m.bridge.Subscribed():
		return BridgeSubscribed
	default:
		return BridgeReconnecting
	}
}

// RelayMessage fans out a message pushed by the HTTP layer.
func (m *Manager) RelayMessage(ctx context.Context, msg Message) int {
	return m.dispatcher.RelayMessage(ctx, msg)
}

// ServeConn runs the lifecycle of one upgraded connection and blocks until it ends.
// verifiedUserID is the identity proven at handshake, or empty.
func (m *Manager) ServeConn(conn *websocket.Conn, verifiedUserID string) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		m.logger.Warn().Msg("Rejecting connection: manager is shutting down.")
		_ = conn.Close()
		return
	}
	m.wg.Add(2)

	// Registering under mu guarantees Shutdown either rejects this connection or sees it in Transports.
	client := NewClient(conn, m.clientOpts)
	session := m.dispatcher.Connect(client, verifiedUserID)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		client.WritePump()
	}()

	defer m.wg.Done()
	client.ReadPump(m.ctx, m.dispatcher, session)
}

// runBridgeLoop delivers frames published by other nodes until Shutdown.
// A failed or ended subscription is retried with capped exponential backoff.
func (m *Manager) runBridgeLoop() {
	defer m.wg.Done()

	m.logger.Info().Msg("Bridge loop started.")

	deliver := func(room RoomID, frame Frame) {
		m.dispatcher.DeliverRemote(room, frame)
	}

	backoff := retry.WithCappedDuration(maxBridgeRetry, retry.NewExponential(m.bridgeRetry))

	err := retry.Do(m.ctx, backoff, func(ctx context.Context) error {
		err := m.bridge.Subscribe(ctx, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errSubscriptionEnded
		}

		m.logger.Warn().Err(err).Msg("Bridge subscription lost, retrying.")
		return retry.RetryableError(err)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error().Err(err).Msg("Bridge loop stopped with error.")
		return
	}

	m.logger.Info().Msg("Bridge loop stopped.")
}

// Shutdown closes every connection, stops the bridge and waits for pumps to exit.
// It returns context.DeadlineExceeded when timeout elapses first.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.logger.Info().Msg("Shutting down Manager...")

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	m.mu.Unlock()

	m.cancel()

	transports := m.dispatcher.Registry().Transports()
	for _, t := range transports {
		if err := t.Close(); err != nil {
			m.logger.Warn().Err(err).Str("conn_id", string(t.ID())).Msg("Failed to close connection.")
		}
	}
	m.logger.Info().Int("connections", len(transports)).Msg("Close requested for all connections.")

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		m.logger.Info().Msg("Manager shutdown complete.")
	case <-time.After(timeout):
		m.logger.Warn().Dur("timeout", timeout).Msg("Manager shutdown timed out, some connections may still be open.")
		err = context.DeadlineExceeded
	}

	if m.bridge != nil {
		if closeErr := m.bridge.Close(); closeErr != nil {
			m.logger.Warn().Err(closeErr).Msg("Failed to close bridge.")
		}
	}

	return err
}
