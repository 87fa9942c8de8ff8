// Package broadcast tracks live observer connections with their client binding
// and symbol subscriptions, and fans events out to them.
package broadcast

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marginwatch/internal/metrics"
	"github.com/sawpanic/marginwatch/internal/models"
)

// DefaultBufferSize is the per-connection send buffer
const DefaultBufferSize = 256

// Message is one outbound event for a connection
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Connection is a live observer. Its binding and subscriptions are owned by the
// registry; transports only drain Send.
type Connection struct {
	ID string

	clientID string
	symbols  map[string]struct{}
	send     chan Message
}

// Send is closed when the connection is removed
func (c *Connection) Send() <-chan Message { return c.send }

type idSet map[string]struct{}

// Registry holds live connections and the clientId and symbol indexes over
// them. All reads and writes of the indexes happen under mu.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	byClient map[string]idSet
	bySymbol map[string]idSet

	buffer  int
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry. A buffer below 1 uses DefaultBufferSize.
func NewRegistry(buffer int, collector *metrics.Collector) *Registry {
	if buffer < 1 {
		buffer = DefaultBufferSize
	}
	return &Registry{
		conns:    make(map[string]*Connection),
		byClient: make(map[string]idSet),
		bySymbol: make(map[string]idSet),
		buffer:   buffer,
		metrics:  collector,
		logger:   log.With().Str("component", "registry").Logger(),
	}
}

// WithLogger replaces the registry logger
func (r *Registry) WithLogger(l zerolog.Logger) *Registry {
	r.logger = l
	return r
}

func (r *Registry) add(id string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[id]; exists {
		return nil, fmt.Errorf("connection %s already exists", id)
	}
	c := &Connection{
		ID:      id,
		symbols: make(map[string]struct{}),
		send:    make(chan Message, r.buffer),
	}
	r.conns[id] = c
	r.metrics.SetConnections(len(r.conns))
	return c, nil
}

// remove drops the connection with all its index entries and closes its send
// channel. Publishers hold the read lock, so nothing sends on a closed channel.
func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	if c.clientID != "" {
		unindex(r.byClient, c.clientID, id)
	}
	for sym := range c.symbols {
		unindex(r.bySymbol, sym, id)
	}
	delete(r.conns, id)
	close(c.send)
	r.metrics.SetConnections(len(r.conns))
	return true
}

// bind binds id to clientID, moving it off any previous binding
func (r *Registry) bind(id, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownConnection, id)
	}
	if c.clientID == clientID {
		return nil
	}
	if c.clientID != "" {
		unindex(r.byClient, c.clientID, id)
	}
	c.clientID = clientID
	index(r.byClient, clientID, id)
	return nil
}

// unbind clears the binding only when it equals clientID
func (r *Registry) unbind(id, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrUnknownConnection, id)
	}
	if c.clientID == "" || c.clientID != clientID {
		return fmt.Errorf("%w: %s is bound to %q, not %q", models.ErrIndexMismatch, id, c.clientID, clientID)
	}
	unindex(r.byClient, clientID, id)
	c.clientID = ""
	return nil
}

// subscribe adds normalized symbols and returns the resulting subscription set
func (r *Registry) subscribe(id string, symbols []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownConnection, id)
	}
	for _, sym := range models.NormalizeSymbols(symbols) {
		c.symbols[sym] = struct{}{}
		index(r.bySymbol, sym, id)
	}
	return sortedKeys(c.symbols), nil
}

func (r *Registry) unsubscribe(id string, symbols []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownConnection, id)
	}
	for _, sym := range models.NormalizeSymbols(symbols) {
		if _, held := c.symbols[sym]; !held {
			continue
		}
		delete(c.symbols, sym)
		unindex(r.bySymbol, sym, id)
	}
	return sortedKeys(c.symbols), nil
}

// SendTo delivers one event to a single connection
func (r *Registry) SendTo(id, event string, payload interface{}) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	return r.deliver(c, Message{Event: event, Data: payload})
}

// PublishToClient delivers to every connection bound to clientID
func (r *Registry) PublishToClient(clientID, event string, payload interface{}) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fanOut(r.byClient[clientID], Message{Event: event, Data: payload})
}

// PublishToSymbolSubscribers delivers to every connection subscribed to symbol
func (r *Registry) PublishToSymbolSubscribers(symbol, event string, payload interface{}) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fanOut(r.bySymbol[models.NormalizeSymbol(symbol)], Message{Event: event, Data: payload})
}

// PublishToAll delivers to every live connection
func (r *Registry) PublishToAll(event string, payload interface{}) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg := Message{Event: event, Data: payload}
	n := 0
	for _, c := range r.conns {
		if r.deliver(c, msg) {
			n++
		}
	}
	return n
}

func (r *Registry) fanOut(ids idSet, msg Message) int {
	n := 0
	for id := range ids {
		if c, ok := r.conns[id]; ok && r.deliver(c, msg) {
			n++
		}
	}
	return n
}

// deliver never blocks: a full buffer drops the message for that connection only
func (r *Registry) deliver(c *Connection, msg Message) bool {
	select {
	case c.send <- msg:
		r.metrics.RecordBroadcast(msg.Event)
		return true
	default:
		r.metrics.RecordDropped(msg.Event)
		r.logger.Debug().Str("connection_id", c.ID).Str("event", msg.Event).Msg("Send buffer full, message dropped")
		return false
	}
}

// ConnectionInfo is a point-in-time view of one connection
type ConnectionInfo struct {
	ID       string   `json:"id"`
	ClientID string   `json:"clientId,omitempty"`
	Symbols  []string `json:"symbols"`
	Queued   int      `json:"queued"`
}

// Stats summarizes the registry for debugging
type Stats struct {
	Connections int              `json:"connections"`
	Clients     map[string]int   `json:"clients"`
	Symbols     map[string]int   `json:"symbols"`
	Details     []ConnectionInfo `json:"details,omitempty"`
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Lookup returns the binding and subscriptions of a live connection
func (r *Registry) Lookup(id string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return ConnectionInfo{}, false
	}
	return info(c), true
}

// Stats scans the registry. It is meant for debugging endpoints only.
func (r *Registry) Stats(details bool) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		Connections: len(r.conns),
		Clients:     make(map[string]int, len(r.byClient)),
		Symbols:     make(map[string]int, len(r.bySymbol)),
	}
	for client, ids := range r.byClient {
		st.Clients[client] = len(ids)
	}
	for sym, ids := range r.bySymbol {
		st.Symbols[sym] = len(ids)
	}
	if details {
		for _, c := range r.conns {
			st.Details = append(st.Details, info(c))
		}
		sort.Slice(st.Details, func(i, j int) bool { return st.Details[i].ID < st.Details[j].ID })
	}
	return st
}

func info(c *Connection) ConnectionInfo {
	return ConnectionInfo{
		ID:       c.ID,
		ClientID: c.clientID,
		Symbols:  sortedKeys(c.symbols),
		Queued:   len(c.send),
	}
}

func index(ix map[string]idSet, key, id string) {
	set, ok := ix[key]
	if !ok {
		set = make(idSet)
		ix[key] = set
	}
	set[id] = struct{}{}
}

func unindex(ix map[string]idSet, key, id string) {
	set, ok := ix[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(ix, key)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
