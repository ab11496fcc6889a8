package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"workkap/cmd/internal/auth"
	"workkap/cmd/internal/messaging"
	v1 "workkap/shared/contracts/messaging/v1"
)

const (
	wsSubprotocolV1 = "workkap.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultAuthTimeout  = 10 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// TokenVerifier validates an access token and returns its claims.
type TokenVerifier interface {
	Verify(token string, now time.Time) (auth.AccessClaims, error)
}

// WSGateway is the WebSocket entrypoint for realtime messaging.
//
// It enforces origin policy, subprotocol selection, first-frame auth, rate
// limits, and heartbeats, and routes validated envelopes to the messaging
// service and the per-user fanout hub.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	svc      *messaging.Service
	verifier TokenVerifier

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	authTimeout     time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, hub *Hub, svc *messaging.Service, verifier TokenVerifier) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, svc: svc, verifier: verifier}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("WORKKAP_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("WORKKAP_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("WORKKAP_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// IMPORTANT:
	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("WORKKAP_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("WORKKAP_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)
	g.authTimeout = envDurationWS("WORKKAP_WS_AUTH_TIMEOUT", wsDefaultAuthTimeout)

	g.sendQueueSize = envIntWS("WORKKAP_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("WORKKAP_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("WORKKAP_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("WORKKAP_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("WORKKAP_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID := NewRandomHex(10)
	client := NewClient(connID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		joined    *Channel
	)

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if joined != nil {
				joined.Leave(connID)
				joined = nil
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Auth phase: the first frame MUST be an auth envelope, within the auth window.
	claims, ok := g.awaitAuth(ctx, conn, client)
	if !ok {
		shutdown(websocket.StatusPolicyViolation, "auth required")
		<-writerDone
		select {
		case <-heartbeatDone:
		case <-time.After(wsCloseGrace):
		}
		return
	}

	client.UserID = claims.UserID
	joined = g.hub.GetOrCreateChannel(claims.UserID)
	joined.Join(client)

	g.sendAuthAck(ctx, client, claims.UserID)
	g.pushUnread(ctx, client, claims.UserID)

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeAuth:
			g.trySendError(ctx, client, "already_authenticated", "auth accepted earlier")

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, client, env, now); err != nil {
				g.trySendError(ctx, client, errorCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeConversationRead:
			if err := g.onConversationRead(ctx, client, env); err != nil {
				g.trySendError(ctx, client, errorCode(err), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// awaitAuth reads the first frame and verifies its token.
func (g *WSGateway) awaitAuth(ctx context.Context, conn *websocket.Conn, client *Client) (auth.AccessClaims, bool) {
	authCtx, authCancel := context.WithTimeout(ctx, g.authTimeout)
	env, err := readEnvelope(authCtx, conn)
	authCancel()

	if err != nil {
		g.log.Info("ws.auth.read_fail", "conn_id", client.ConnID, "err", err)
		return auth.AccessClaims{}, false
	}
	if err := env.Validate(); err != nil || env.Type != v1.TypeAuth {
		g.trySendError(ctx, client, "auth_required", "first frame must be auth")
		return auth.AccessClaims{}, false
	}

	var p v1.AuthPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.Token) == "" {
		g.trySendError(ctx, client, "auth_invalid", "missing token")
		return auth.AccessClaims{}, false
	}

	claims, err := g.verifier.Verify(strings.TrimSpace(p.Token), time.Now().UTC())
	if err != nil {
		g.trySendError(ctx, client, "auth_invalid", "token rejected")
		return auth.AccessClaims{}, false
	}
	return claims, true
}

// ---- handlers ----

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if strings.TrimSpace(p.ConversationID) == "" {
		return errors.New("missing conversation_id")
	}

	attachments := make([]messaging.Attachment, 0, len(p.Attachments))
	for _, a := range p.Attachments {
		attachments = append(attachments, messaging.Attachment{URL: a.URL, Type: a.Type})
	}

	msg, err := g.svc.Send(ctx, messaging.SendInput{
		ConversationID: p.ConversationID,
		SenderID:       client.UserID,
		Content:        p.Content,
		Attachments:    attachments,
	})
	if err != nil {
		return err
	}

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		CreatedAt:      msg.CreatedAt,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeMessageAck, ackPayload, now)) {
		return errors.New("backpressure: ack")
	}

	wireAtts := make([]v1.AttachmentPayload, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		wireAtts = append(wireAtts, v1.AttachmentPayload{URL: a.URL, Type: a.Type})
	}
	newPayload, _ := json.Marshal(v1.MessageNewPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		Attachments:    wireAtts,
		CreatedAt:      msg.CreatedAt,
	})
	newEnv := newEnvelope(v1.TypeMessageNew, newPayload, now)

	// Both sides receive the message event: every connection of the sender
	// (other tabs) and of the receiver.
	if ch, ok := g.hub.Channel(msg.SenderID); ok {
		ch.Broadcast(newEnv)
	}
	if ch, ok := g.hub.Channel(msg.ReceiverID); ok {
		ch.Broadcast(newEnv)
		g.pushUnreadChannel(ctx, ch, msg.ReceiverID)
	}
	return nil
}

func (g *WSGateway) onConversationRead(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ConversationReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		return errors.New("missing conversation_id")
	}

	unread, err := g.svc.MarkRead(ctx, p.ConversationID, client.UserID)
	if err != nil {
		return err
	}

	countPayload, _ := json.Marshal(v1.UnreadCountPayload{Count: unread})
	countEnv := newEnvelope(v1.TypeUnreadCount, countPayload, time.Now().UTC())

	// All of the user's connections get the fresh total.
	if ch, ok := g.hub.Channel(client.UserID); ok {
		ch.Broadcast(countEnv)
		return nil
	}
	if !g.enqueue(ctx, client, countEnv) {
		return errors.New("backpressure: unread count")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) sendAuthAck(ctx context.Context, client *Client, userID string) {
	p, _ := json.Marshal(v1.AuthAckPayload{UserID: userID})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeAuthAck, p, time.Now().UTC()))
}

// pushUnread sends the user's current global unread total to one connection.
func (g *WSGateway) pushUnread(ctx context.Context, client *Client, userID string) {
	n, err := g.svc.CountUnread(ctx, userID)
	if err != nil {
		g.log.Warn("ws.unread.count_failed", "user_id", userID, "err", err)
		return
	}
	p, _ := json.Marshal(v1.UnreadCountPayload{Count: n})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeUnreadCount, p, time.Now().UTC()))
}

// pushUnreadChannel sends the user's current global unread total to all connections.
func (g *WSGateway) pushUnreadChannel(ctx context.Context, ch *Channel, userID string) {
	n, err := g.svc.CountUnread(ctx, userID)
	if err != nil {
		g.log.Warn("ws.unread.count_failed", "user_id", userID, "err", err)
		return
	}
	p, _ := json.Marshal(v1.UnreadCountPayload{Count: n})
	ch.Broadcast(newEnvelope(v1.TypeUnreadCount, p, time.Now().UTC()))
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// errorCode maps service error kinds onto wire error codes.
func errorCode(err error) string {
	switch messaging.Kind(err) {
	case messaging.ErrInvalidInput:
		return "invalid_input"
	case messaging.ErrForbidden:
		return "forbidden"
	case messaging.ErrNotFound:
		return "not_found"
	case messaging.ErrConflict:
		return "conflict"
	case messaging.ErrUnavailable:
		return "unavailable"
	case nil:
		return "internal"
	default:
		return "internal"
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
