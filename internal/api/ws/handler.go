package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/bus"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/workspace"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ErrUnauthorized rejects a subscriber the Authorizer turned away
var ErrUnauthorized = errors.New("not allowed to follow this document")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin policy is enforced by the CORS middleware
	},
}

// Message is one frame sent to or received from a subscriber
type Message struct {
	Type        string         `json:"type"`
	DocumentID  string         `json:"documentId,omitempty"`
	ExecutionID id.ExecutionID `json:"executionId,omitempty"`
	Segment     string         `json:"segment,omitempty"`
	Artifact    *result.Result `json:"artifact,omitempty"`
	Replay      bool           `json:"replay,omitempty"`
	Replayed    int            `json:"replayed,omitempty"`
	Message     string         `json:"message,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

// Replayer reads the artifacts already on disk for a new subscriber
type Replayer interface {
	Replay(documentID string) ([]bus.Event, error)
}

// Authorizer decides whether a request may follow a document. Document
// ownership lives outside this service.
type Authorizer func(r *http.Request, documentID string) bool

// Options configures a Handler
type Options struct {
	Bus       *bus.Bus
	Replayer  Replayer
	Authorize Authorizer
	Buffer    int
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
}

// Handler streams the artifacts of one document over a WebSocket
type Handler struct {
	bus       *bus.Bus
	replayer  Replayer
	authorize Authorizer
	buffer    int
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		bus:       opts.Bus,
		replayer:  opts.Replayer,
		authorize: opts.Authorize,
		buffer:    opts.Buffer,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// HandleConnection upgrades the request, replays the document's latest
// artifacts and then forwards live ones until either side closes.
func (h *Handler) HandleConnection(c *gin.Context) {
	documentID := c.Param("id")
	if err := workspace.ValidateSegment(documentID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.authorize != nil && !h.authorize(c.Request, documentID) {
		c.JSON(http.StatusForbidden, gin.H{"error": ErrUnauthorized.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}

	// Subscribe before replaying so nothing written in between is missed.
	sub := h.bus.Subscribe(documentID, h.buffer)
	defer h.bus.Unsubscribe(sub)

	logger := h.logger.With(
		zap.String("document_id", documentID),
		zap.String("subscription_id", sub.ID.String()),
	)

	var replay []bus.Event
	if h.replayer != nil {
		replay, err = h.replayer.Replay(documentID)
		if err != nil {
			logger.Warn("Replay failed", zap.Error(err))
		}
	}
	logger.Info("Subscriber connected", zap.Int("replayed", len(replay)))

	if err := h.send(conn, Message{Type: "system", DocumentID: documentID, Replayed: len(replay), Message: "subscribed"}); err != nil {
		return
	}

	// Replayed artifacts go straight to the socket, so a long history
	// never competes with live events for the subscription buffer. Live
	// copies of the same segments queue up meanwhile and are skipped.
	sent := make(map[string]bool, len(replay))
	for _, ev := range replay {
		sent[ev.Key()] = true
		if err := h.send(conn, artifactMessage(ev)); err != nil {
			logger.Debug("WebSocket write error", zap.Error(err))
			return
		}
	}

	control := make(chan Message, 4)
	done := make(chan struct{})
	go h.readLoop(conn, control, done, logger)
	h.writeLoop(conn, sub, sent, control, done, logger)
	logger.Info("Subscriber disconnected", zap.Uint64("dropped", sub.Dropped()))
}

// readLoop handles client frames. gorilla connections allow one concurrent
// writer, so replies go back through control.
func (h *Handler) readLoop(conn *websocket.Conn, control chan<- Message, done chan<- struct{}, logger *zap.Logger) {
	defer close(done)

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		h.record("inbound", msg.Type)

		var reply Message
		switch msg.Type {
		case "ping":
			reply = Message{Type: "pong"}
		default:
			reply = Message{Type: "error", Message: "unknown message type"}
		}
		select {
		case control <- reply:
		default:
		}
	}
}

// writeLoop forwards live events, skipping segments already replayed.
func (h *Handler) writeLoop(conn *websocket.Conn, sub *bus.Subscription, replayed map[string]bool, control <-chan Message, done <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if replayed[ev.Key()] {
				continue
			}
			if err := h.send(conn, artifactMessage(ev)); err != nil {
				logger.Debug("WebSocket write error", zap.Error(err))
				return
			}
		case msg := <-control:
			if err := h.send(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func artifactMessage(ev bus.Event) Message {
	artifact := ev.Artifact
	return Message{
		Type:        "artifact",
		DocumentID:  ev.DocumentID,
		ExecutionID: ev.ExecutionID,
		Segment:     ev.Segment,
		Artifact:    &artifact,
		Replay:      ev.Replay,
	}
}

func (h *Handler) send(conn *websocket.Conn, msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	h.record("outbound", msg.Type)
	return nil
}

func (h *Handler) record(direction, msgType string) {
	if h.metrics != nil {
		h.metrics.RecordWSMessage(direction, msgType)
	}
}
