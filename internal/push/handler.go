package push

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/austindbirch/harbor_feed/internal/apperr"
	"github.com/austindbirch/harbor_feed/internal/auth"
	"github.com/austindbirch/harbor_feed/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

var errMissingCredentials = apperr.Unauthenticated("missing bearer token")

// wsTransport adapts a gorilla websocket connection to Transport
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteJSON(v any) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return t.conn.Close()
}

// Handler upgrades requests to push connections. Credentials are checked
// after the upgrade so a failure can be reported with close code 4001.
type Handler struct {
	hub      *Hub
	poller   Poller
	auth     auth.Authenticator
	cfg      Config
	logger   *logging.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, poller Poller, authenticator auth.Authenticator, cfg Config, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.New("push")
	}
	return &Handler{
		hub:    hub,
		poller: poller,
		auth:   authenticator,
		cfg:    cfg.withDefaults(),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Warn("push upgrade failed")
		return
	}
	ws.SetReadLimit(maxMessageSize)
	t := &wsTransport{conn: ws}

	identity, err := h.authenticate(r)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Warn("push authentication failed")
		_ = t.Close(CloseAuthFailed, "Authentication failed")
		return
	}

	newConn(identity, t, h.poller, h.hub, h.cfg, h.logger).Run(r.Context())
}

func (h *Handler) authenticate(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity, nil
	}
	token, ok := auth.BearerToken(r)
	if !ok {
		return "", errMissingCredentials
	}
	return h.auth.Authenticate(token)
}
