package authstate

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/cardvault/storefront/internal/session"
)

// Frame is one state message sent to the browser.
type Frame struct {
	Loading  bool          `json:"loading"`
	User     *session.User `json:"user"`
	Operator OperatorState `json:"operator"`
}

// Resolver yields the request's session resolution.
type Resolver interface {
	CurrentUser(w http.ResponseWriter, r *http.Request) (session.Resolution, error)
}

// Options tunes the stream. Zero values take defaults.
type Options struct {
	AllowedOrigins []string
	WriteWait      time.Duration
	PongWait       time.Duration
}

// Handler streams auth state over a WebSocket.
type Handler struct {
	sessions  Resolver
	source    Source
	operators OperatorLookup
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	writeWait time.Duration
	pongWait  time.Duration
}

// NewHandler constructs a Handler.
func NewHandler(sessions Resolver, source Source, operators OperatorLookup, logger *slog.Logger, opts Options) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	return &Handler{
		sessions:  sessions,
		source:    source,
		operators: operators,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(opts.AllowedOrigins),
		},
		writeWait: opts.WriteWait,
		pongWait:  opts.PongWait,
	}
}

// MountRoutes registers the stream endpoint.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/state", h.stream)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.CurrentUser(w, r)
	if err != nil {
		h.logger.Warn("authstate resolve session", slog.Any("error", err))
		res = session.Resolution{}
	}

	// Upgrade writes its own response; carry over any refreshed cookies.
	header := http.Header{}
	for _, c := range w.Header().Values("Set-Cookie") {
		header.Add("Set-Cookie", c)
	}
	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		h.logger.Debug("authstate upgrade", slog.Any("error", err))
		return
	}
	defer conn.Close()

	// The stream outlives request-scoped deadlines; it ends with the client.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	pending := make(chan Frame, 1)
	tracker := NewTracker(h.source, res.SessionID, h.logger)
	unwatch := WatchOperator(ctx, tracker, h.operators, h.logger, func(s State, op OperatorState) {
		select {
		case <-pending:
		default:
		}
		pending <- Frame{Loading: s.Loading, User: s.User, Operator: op}
	})
	defer unwatch()
	defer tracker.Close()

	go h.readLoop(conn, cancel)

	if err := tracker.Start(ctx); err != nil {
		h.logger.Warn("authstate start", slog.String("session_id", res.SessionID), slog.Any("error", err))
	}
	h.writeLoop(ctx, conn, pending)
}

// readLoop drains client frames so control messages are processed, and
// cancels the stream when the client goes away.
func (h *Handler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("authstate read", slog.Any("error", err))
			}
			return
		}
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, pending <-chan Frame) {
	ping := time.NewTicker(h.pongWait * 9 / 10)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.writeWait))
			return
		case frame := <-pending:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeWait)); err != nil {
				return
			}
		}
	}
}

// checkOrigin accepts same-host origins plus the configured allow list.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.ToLower(origin), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
