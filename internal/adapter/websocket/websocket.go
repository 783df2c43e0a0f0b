// Package websocket is the WebSocket surface: a hub holding the connection
// table, per-tenant caps, channel subscriptions, and the heartbeat reaper.
package websocket

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pohlai88/aibos-gateway/internal/errors"
	"github.com/pohlai88/aibos-gateway/internal/logging"
	"github.com/pohlai88/aibos-gateway/internal/manifest"
	"github.com/pohlai88/aibos-gateway/internal/pipeline"
)

// Message is the wire shape in both directions.
type Message struct {
	Type    string          `json:"type"` // subscribe, unsubscribe, message, ping, pong, error
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// ChannelHandler reacts to subscriptions and messages on a channel.
type ChannelHandler func(c *Connection, msg Message)

// channelSpec is one registered channel prefix.
type channelSpec struct {
	prefix     string
	permission string
	onMessage  ChannelHandler
}

// payloadBlocklist rejects frames carrying injection-shaped content.
var payloadBlocklist = []*regexp.Regexp{
	regexp.MustCompile(`__proto__|\bprototype\b\s*\[`),
	regexp.MustCompile(`(?i)<script`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
}

// Adapter serves the WebSocket protocol.
type Adapter struct {
	manifest *manifest.Manifest
	pipe     *pipeline.Pipeline
	mount    string
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*Connection
	perTenant   map[string]int
	channels    []channelSpec

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds the WebSocket adapter and starts its heartbeat reaper.
func New(m *manifest.Manifest, pipe *pipeline.Pipeline) *Adapter {
	mount := "/ws"
	if p, ok := m.Protocols[manifest.ProtocolWebSocket]; ok {
		mount = p.Path
	}
	a := &Adapter{
		manifest:    m,
		pipe:        pipe,
		mount:       mount,
		connections: make(map[string]*Connection),
		perTenant:   make(map[string]int),
		stop:        make(chan struct{}),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     a.checkOrigin,
	}
	// Every tenant can hear announcements on its own channels and the public ones.
	a.RegisterChannel("public:", "", nil)
	a.RegisterChannel("tenant:", "", nil)

	go a.reap()
	return a
}

func (a *Adapter) Name() string  { return manifest.ProtocolWebSocket }
func (a *Adapter) Mount() string { return a.mount }
func (a *Adapter) Ready() bool   { return true }

// Describe has no document for this surface.
func (a *Adapter) Describe() (interface{}, bool) { return nil, false }

// RegisterChannel adds a channel prefix, optionally gated on a permission
// scope and wired to a message handler.
func (a *Adapter) RegisterChannel(prefix, permission string, onMessage ChannelHandler) {
	a.mu.Lock()
	a.channels = append(a.channels, channelSpec{prefix: prefix, permission: permission, onMessage: onMessage})
	a.mu.Unlock()
}

func (a *Adapter) config() manifest.ProtocolConfig {
	return a.manifest.Protocols[manifest.ProtocolWebSocket]
}

// checkOrigin validates the Origin header against the environment's CORS
// origins. A missing Origin header (non-browser client) is allowed.
func (a *Adapter) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	policy, ok := a.manifest.CORS[a.manifest.Env]
	if !ok {
		return false
	}
	for _, allowed := range policy.Origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (a *Adapter) Handle(w http.ResponseWriter, r *http.Request) {
	c, ge, handled := a.pipe.Pre(w, r, a.Name())
	if handled {
		return
	}
	if ge != nil {
		a.pipe.WriteError(w, c, ge)
		return
	}

	cfg := a.config()
	if !a.reserve(c.Auth.TenantID, cfg.MaxConnections) {
		a.pipe.WriteError(w, c, errors.New(errors.CodeRateLimited,
			"tenant connection limit reached"))
		return
	}

	sock, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.release(c.Auth.TenantID)
		logging.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	mps := cfg.MessagesPerSecond
	if mps <= 0 {
		mps = a.manifest.RateLimits.WebSocket.Max
	}
	conn := &Connection{
		ID:            uuid.New().String(),
		TenantID:      c.Auth.TenantID,
		UserID:        c.Auth.UserID,
		Roles:         c.Auth.Roles,
		Permissions:   c.Auth.Permissions,
		CreatedAt:     time.Now(),
		subscriptions: make(map[string]struct{}),
		bucket:        rate.NewLimiter(rate.Limit(mps), mps),
		conn:          sock,
		send:          make(chan []byte, sendBuffer),
		done:          make(chan struct{}),
		onClose:       a.unregister,
	}
	conn.Touch()
	a.register(conn)
	a.pipe.FinalizeAudit(c, http.StatusSwitchingProtocols, "")

	interval := a.heartbeatInterval()
	go conn.writePump(interval)
	go conn.readPump(a, int64(cfg.MaxPayloadBytes), 2*interval)

	logging.Info("websocket connected",
		zap.String("connectionId", conn.ID),
		zap.String("tenantId", conn.TenantID))
}

func (a *Adapter) heartbeatInterval() time.Duration {
	ms := a.config().HeartbeatIntervalMs
	if ms <= 0 {
		ms = 30_000
	}
	return time.Duration(ms) * time.Millisecond
}

// reserve takes a connection slot for the tenant, enforcing the per-tenant cap.
func (a *Adapter) reserve(tenant string, max int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if max > 0 && a.perTenant[tenant] >= max {
		return false
	}
	a.perTenant[tenant]++
	return true
}

func (a *Adapter) release(tenant string) {
	a.mu.Lock()
	if a.perTenant[tenant] > 0 {
		a.perTenant[tenant]--
	}
	a.mu.Unlock()
}

func (a *Adapter) register(c *Connection) {
	a.mu.Lock()
	a.connections[c.ID] = c
	a.mu.Unlock()
}

func (a *Adapter) unregister(c *Connection) {
	a.mu.Lock()
	if _, ok := a.connections[c.ID]; ok {
		delete(a.connections, c.ID)
		if a.perTenant[c.TenantID] > 0 {
			a.perTenant[c.TenantID]--
		}
	}
	a.mu.Unlock()
	logging.Info("websocket disconnected", zap.String("connectionId", c.ID))
}

// ConnectionCount returns the number of live connections, optionally for one
// tenant.
func (a *Adapter) ConnectionCount(tenant string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if tenant == "" {
		return len(a.connections)
	}
	return a.perTenant[tenant]
}

// handleFrame validates and dispatches one inbound frame, returning the
// response frame when the message warrants one.
func (a *Adapter) handleFrame(c *Connection, payload []byte) []byte {
	if !c.bucket.Allow() {
		return a.encodeError("", errors.New(errors.CodeRateLimited, "message rate exceeded"))
	}
	if ge := a.validatePayload(payload); ge != nil {
		return a.encodeError("", ge)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return a.encodeError("", errors.New(errors.CodeValidation, "invalid message JSON"))
	}

	switch msg.Type {
	case "ping":
		c.Touch()
		return encode(Message{Type: "pong", ID: msg.ID})
	case "pong":
		c.Touch()
		return nil
	case "subscribe":
		return a.subscribe(c, msg)
	case "unsubscribe":
		c.Unsubscribe(msg.Channel)
		return encode(Message{Type: "unsubscribe", Channel: msg.Channel, ID: msg.ID})
	case "message":
		return a.dispatch(c, msg)
	case "error":
		logging.Debug("client error frame",
			zap.String("connectionId", c.ID), zap.ByteString("payload", msg.Payload))
		return nil
	}
	return a.encodeError(msg.ID, errors.Newf(errors.CodeValidation, "unknown message type %q", msg.Type))
}

// validatePayload applies the structural ceilings: size, nesting depth, and
// the pattern blocklist.
func (a *Adapter) validatePayload(payload []byte) *errors.GatewayError {
	cfg := a.config()
	if cfg.MaxPayloadBytes > 0 && len(payload) > cfg.MaxPayloadBytes {
		return errors.New(errors.CodePayloadTooLarge, "message exceeds payload limit")
	}
	if cfg.MaxNestingDepth > 0 && nestingDepth(payload) > cfg.MaxNestingDepth {
		return errors.New(errors.CodeValidation, "message nesting too deep")
	}
	for _, re := range payloadBlocklist {
		if re.Match(payload) {
			return errors.New(errors.CodeValidation, "message contains a blocked pattern")
		}
	}
	return nil
}

// nestingDepth counts the maximum brace/bracket depth of raw JSON, ignoring
// string contents.
func nestingDepth(payload []byte) int {
	depth, maxDepth := 0, 0
	inString, escaped := false, false
	for _, b := range payload {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case '}', ']':
			depth--
		}
	}
	return maxDepth
}

// subscribe enforces channel existence, permissions, and tenant boundaries
// before adding the subscription.
func (a *Adapter) subscribe(c *Connection, msg Message) []byte {
	if msg.Channel == "" {
		return a.encodeError(msg.ID, errors.New(errors.CodeValidation, "subscribe requires a channel"))
	}
	spec, ok := a.findChannel(msg.Channel)
	if !ok {
		return a.encodeError(msg.ID, errors.Newf(errors.CodeNotFound, "unknown channel %q", msg.Channel))
	}
	if spec.permission != "" && !c.hasPermission(spec.permission) {
		return a.encodeError(msg.ID, errors.New(errors.CodeForbidden, "missing channel permission"))
	}
	if !a.channelVisible(c, msg.Channel) {
		return a.encodeError(msg.ID, errors.New(errors.CodeTenantIsolation,
			"channel belongs to another tenant"))
	}

	c.Subscribe(msg.Channel)
	if spec.onMessage != nil {
		spec.onMessage(c, msg)
	}
	return encode(Message{Type: "subscribe", Channel: msg.Channel, ID: msg.ID})
}

// channelVisible applies the tenant boundary: public channels are open, any
// other channel must embed the connection's tenant id.
func (a *Adapter) channelVisible(c *Connection, channel string) bool {
	if strings.HasPrefix(channel, "public:") {
		return true
	}
	return strings.Contains(channel, c.TenantID)
}

// dispatch routes a message frame to the channel's handler. The sender must
// hold the subscription.
func (a *Adapter) dispatch(c *Connection, msg Message) []byte {
	if !c.Subscribed(msg.Channel) {
		return a.encodeError(msg.ID, errors.Newf(errors.CodeForbidden,
			"not subscribed to %q", msg.Channel))
	}
	spec, ok := a.findChannel(msg.Channel)
	if !ok {
		return a.encodeError(msg.ID, errors.Newf(errors.CodeNotFound, "unknown channel %q", msg.Channel))
	}
	if spec.onMessage != nil {
		spec.onMessage(c, msg)
	}
	return nil
}

func (a *Adapter) findChannel(channel string) (channelSpec, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, spec := range a.channels {
		if strings.HasPrefix(channel, spec.prefix) {
			return spec, true
		}
	}
	return channelSpec{}, false
}

// Broadcast sends a payload to every connection subscribed to the channel,
// optionally restricted to one tenant. Returns the number of receivers.
func (a *Adapter) Broadcast(channel string, payload interface{}, tenantFilter string) int {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Warn("broadcast payload not serializable", zap.Error(err))
		return 0
	}
	frame := encode(Message{Type: "message", Channel: channel, Payload: raw})

	a.mu.RLock()
	targets := make([]*Connection, 0, len(a.connections))
	for _, c := range a.connections {
		if tenantFilter != "" && c.TenantID != tenantFilter {
			continue
		}
		targets = append(targets, c)
	}
	a.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.Subscribed(channel) && c.trySend(frame) {
			sent++
		}
	}
	return sent
}

// reap closes connections whose last ping is older than twice the heartbeat
// interval.
func (a *Adapter) reap() {
	interval := a.heartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * interval).UnixMilli()
			a.mu.RLock()
			var stale []*Connection
			for _, c := range a.connections {
				if c.LastPing() < cutoff {
					stale = append(stale, c)
				}
			}
			a.mu.RUnlock()
			for _, c := range stale {
				logging.Info("reaping stale websocket",
					zap.String("connectionId", c.ID),
					zap.Int64("lastPing", c.LastPing()))
				c.Close()
			}
		case <-a.stop:
			return
		}
	}
}

// Close stops the reaper and tears down every connection.
func (a *Adapter) Close() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.mu.RLock()
	conns := make([]*Connection, 0, len(a.connections))
	for _, c := range a.connections {
		conns = append(conns, c)
	}
	a.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

func encode(msg Message) []byte {
	raw, _ := json.Marshal(msg)
	return raw
}

// encodeError renders a gateway error as an error frame, honoring masking.
func (a *Adapter) encodeError(id string, ge *errors.GatewayError) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"code":    ge.Code,
		"message": errors.MaskMessage(ge.Code, ge.Message, a.manifest.Masking()),
	})
	return encode(Message{Type: "error", Payload: body, ID: id})
}
