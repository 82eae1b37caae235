package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/optibridge/go-companion/pkg/model"
)

const (
	maxPayloadBytes = 1 << 20
	pingInterval    = 15 * time.Second
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
)

// Server accepts websocket connections from the injected UI and shuttles
// intent frames to the Router. Each connection gets its own session with a
// buffered outbound queue so slow readers cannot block handlers.
type Server struct {
	router   *Router
	pairing  *Pairing
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a Server. A nil pairing disables authentication.
func NewServer(router *Router, pairing *Pairing, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		router:  router,
		pairing: pairing,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				// The listener is loopback-only; the browser extension
				// connects with an extension-scheme origin.
				return true
			},
		},
	}
}

// Handler returns the http handler for the websocket endpoint.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.pairing != nil {
		if _, err := s.pairing.Verify(requestToken(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &wsSession{
		server: s,
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
	}
	s.log.Debug("ui connected", "connection", sess.id)
	sess.run()
}

// requestToken pulls the pairing token from the query string or the
// Authorization header; the extension cannot set arbitrary headers on a
// websocket upgrade, so the query form is the common path.
func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	id     string
}

// responseFrame is a terminal reply on the wire: the response fields plus
// the id of the intent it answers.
type responseFrame struct {
	ID string `json:"id,omitempty"`
	model.Response
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.cancel()
	_ = s.conn.Close()
	s.server.log.Debug("ui disconnected", "connection", s.id)
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(maxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var intent Intent
		if err := json.Unmarshal(data, &intent); err != nil {
			s.enqueueResponse("", failure(err))
			continue
		}
		// Handlers run off the read loop so one slow operation does not
		// stall the connection; the UI serializes per-control anyway.
		go s.dispatch(&intent)
	}
}

func (s *wsSession) dispatch(intent *Intent) {
	// Once dispatched, an operation runs to completion or hard failure: a
	// disconnect mid-flight must not abort a write between its phases.
	// Only the outbound queue stays tied to the connection lifetime.
	resp := s.server.router.Handle(context.WithoutCancel(s.ctx), intent, s.emitEvent)
	s.enqueueResponse(intent.ID, resp)
}

func (s *wsSession) emitEvent(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.server.log.Error("encoding event failed", "connection", s.id, "error", err)
		return
	}
	s.enqueue(data)
}

func (s *wsSession) enqueueResponse(id string, resp model.Response) {
	data, err := json.Marshal(responseFrame{ID: id, Response: resp})
	if err != nil {
		s.server.log.Error("encoding response failed", "connection", s.id, "error", err)
		return
	}
	s.enqueue(data)
}

func (s *wsSession) enqueue(data []byte) {
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	default:
		s.server.log.Warn("send buffer full, dropping frame", "connection", s.id)
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
