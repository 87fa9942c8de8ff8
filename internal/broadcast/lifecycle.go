package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marginwatch/internal/models"
)

// Evaluator computes one client's margin status on demand
type Evaluator interface {
	EvaluateClient(ctx context.Context, clientID string) (*models.MarginStatus, error)
}

// Manager is the only writer of connection bindings and subscriptions
type Manager struct {
	registry  *Registry
	evaluator Evaluator
	logger    zerolog.Logger
	newID     func() string
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

// WithManagerLogger replaces the manager logger
func WithManagerLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithIDGenerator overrides the connection id source
func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) { m.newID = fn }
}

// NewManager creates a lifecycle manager over registry
func NewManager(registry *Registry, evaluator Evaluator, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:  registry,
		evaluator: evaluator,
		logger:    log.With().Str("component", "connections").Logger(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the registry the manager writes to
func (m *Manager) Registry() *Registry { return m.registry }

// Connect creates a connection with no binding and no subscriptions
func (m *Manager) Connect() (*Connection, error) {
	c, err := m.registry.add(m.newID())
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("connection_id", c.ID).Int("connections", m.registry.Count()).Msg("Connection opened")
	return c, nil
}

// Register binds the connection to clientID and immediately pushes that
// client's current margin status to it. An evaluation failure does not undo
// the binding; it is delivered to the connection as an error event.
func (m *Manager) Register(ctx context.Context, connID, clientID string) error {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return errors.New("clientId is required")
	}
	if err := m.registry.bind(connID, clientID); err != nil {
		return err
	}
	m.logger.Info().Str("connection_id", connID).Str("client_id", clientID).Msg("Client registered")

	m.pushStatus(ctx, connID, clientID)
	return nil
}

// Deregister unbinds the connection when it is bound to clientID. A mismatch is
// logged and returned as ErrIndexMismatch without changing anything.
func (m *Manager) Deregister(connID, clientID string) error {
	err := m.registry.unbind(connID, strings.TrimSpace(clientID))
	if errors.Is(err, models.ErrIndexMismatch) {
		m.logger.Warn().Str("connection_id", connID).Str("client_id", clientID).Msg("Deregister ignored, binding mismatch")
		return err
	}
	if err != nil {
		return err
	}
	m.logger.Info().Str("connection_id", connID).Str("client_id", clientID).Msg("Client deregistered")
	return nil
}

// Subscribe adds market subscriptions and returns the connection's full set
func (m *Manager) Subscribe(connID string, symbols []string) ([]string, error) {
	set, err := m.registry.subscribe(connID, symbols)
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Str("connection_id", connID).Strs("symbols", set).Msg("Subscribed to market data")
	return set, nil
}

// Unsubscribe removes market subscriptions and returns what remains
func (m *Manager) Unsubscribe(connID string, symbols []string) ([]string, error) {
	set, err := m.registry.unsubscribe(connID, symbols)
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Str("connection_id", connID).Strs("symbols", set).Msg("Unsubscribed from market data")
	return set, nil
}

// RequestMarginCheck evaluates clientID and delivers the result, or an error
// event, to the requesting connection only.
func (m *Manager) RequestMarginCheck(ctx context.Context, connID, clientID string) error {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		err := errors.New("clientId is required")
		m.SendError(connID, err.Error(), "")
		return err
	}
	if _, ok := m.registry.Lookup(connID); !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownConnection, connID)
	}
	return m.pushStatus(ctx, connID, clientID)
}

// Disconnect removes the connection and all its index entries. Unknown ids
// are ignored.
func (m *Manager) Disconnect(connID string) {
	if m.registry.remove(connID) {
		m.logger.Info().Str("connection_id", connID).Int("connections", m.registry.Count()).Msg("Connection closed")
	}
}

// CloseAll disconnects every live connection
func (m *Manager) CloseAll() {
	for _, c := range m.registry.Stats(true).Details {
		m.Disconnect(c.ID)
	}
}

// SendError delivers an error event to a single connection
func (m *Manager) SendError(connID, message, clientID string) {
	m.registry.SendTo(connID, models.EventError, models.ErrorNotice{Message: message, ClientID: clientID})
}

func (m *Manager) pushStatus(ctx context.Context, connID, clientID string) error {
	status, err := m.evaluator.EvaluateClient(ctx, clientID)
	if err != nil {
		m.logger.Warn().Err(err).Str("connection_id", connID).Str("client_id", clientID).Msg("On-demand margin check failed")
		m.SendError(connID, err.Error(), clientID)
		return err
	}
	m.registry.SendTo(connID, models.EventMarginStatus, status)
	return nil
}
