package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/99minutos/fleet-tracking/internal/api/metrics"
	"github.com/99minutos/fleet-tracking/internal/core/domain"
	"github.com/99minutos/fleet-tracking/internal/core/ports"
	"github.com/99minutos/fleet-tracking/pkg/fleetapi"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
	handshakeTimeout = 10 * time.Second
	maxMessageSize   = 64 * 1024
)

// StreamConfig tunes the realtime websocket. Zero values take the defaults:
// 10s write deadline, 60s pong deadline and pings at 9/10 of it.
type StreamConfig struct {
	AllowedOrigins []string
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
}

// StreamHandler serves the realtime vehicle stream over websocket.
type StreamHandler struct {
	broadcaster ports.Broadcaster
	cfg         StreamConfig
	upgrader    websocket.Upgrader
	log         zerolog.Logger
}

func NewStreamHandler(broadcaster ports.Broadcaster, cfg StreamConfig, log zerolog.Logger) *StreamHandler {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}

	h := &StreamHandler{
		broadcaster: broadcaster,
		cfg:         cfg,
		log:         log.With().Str("component", "stream").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: handshakeTimeout,
	}
	return h
}

// checkOrigin accepts requests without an Origin header (server side
// consumers) and browser origins from the allow list. An empty list allows all.
func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.log.Warn().Str("origin", origin).Msg("stream connection rejected: origin not allowed")
	return false
}

// Stream handles GET /v1/stream.
//
// The first client frame is a JSON fleetapi.StreamRequest selecting vehicles,
// history and encoding. The server then pushes fleetapi.StreamEnvelope frames:
// text frames for json, binary frames for msgpack.
//
// @Summary      Subscribe to realtime vehicle updates
// @Tags         stream
// @Security     BearerAuth
// @Success      101  {string}  string  "Switching Protocols"
// @Failure      401  {object}  errorResponse
// @Failure      403  {object}  errorResponse
// @Router       /v1/stream [get]
func (h *StreamHandler) Stream(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already answered the request
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}
	defer ws.Close()

	ws.SetReadLimit(maxMessageSize)
	req, err := h.readRequest(ws)
	if err != nil {
		h.closeWith(ws, websocket.CloseUnsupportedData, err.Error())
		return nil
	}

	sub := domain.Subscription{SubscriberID: uuid.NewString(), VehicleFilter: req.Vehicles}
	feed, err := h.broadcaster.Subscribe(sub, ports.SubscribeOptions{
		ReplayLast: req.ReplayLast,
		ResumeFrom: req.ResumeFrom,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("subscribe failed")
		h.closeWith(ws, websocket.CloseInternalServerErr, "subscribe failed")
		return nil
	}
	defer h.broadcaster.Unsubscribe(feed.ID())

	metrics.StreamSubscribers.Inc()
	defer metrics.StreamSubscribers.Dec()

	log := h.log.With().Str("subscriber_id", feed.ID()).Logger()
	log.Info().Strs("vehicles", req.Vehicles).Str("encoding", req.Encoding).Msg("stream opened")

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	go h.readPump(ctx, cancel, ws, log)
	h.writePump(ctx, ws, feed, req.Encoding, log)

	log.Info().Uint64("dropped", feed.Dropped()).Msg("stream closed")
	return nil
}

func (h *StreamHandler) readRequest(ws *websocket.Conn) (fleetapi.StreamRequest, error) {
	var req fleetapi.StreamRequest

	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		return req, err
	}
	_, raw, err := ws.ReadMessage()
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, errors.New("first frame must be a stream request")
	}

	switch req.Encoding {
	case "":
		req.Encoding = fleetapi.EncodingJSON
	case fleetapi.EncodingJSON, fleetapi.EncodingMsgpack:
	default:
		return req, errors.New("unsupported encoding " + req.Encoding)
	}
	if req.ReplayLast < 0 {
		req.ReplayLast = 0
	}
	return req, nil
}

// readPump keeps the pong deadline fresh and notices the client going away.
// Client frames after the request are ignored.
func (h *StreamHandler) readPump(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, log zerolog.Logger) {
	defer cancel()

	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for ctx.Err() == nil {
		if _, _, err := ws.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("unexpected websocket close")
			}
			return
		}
	}
}

func (h *StreamHandler) writePump(ctx context.Context, ws *websocket.Conn, feed ports.Feed, encoding string, log zerolog.Logger) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()

	batches := make(chan []domain.Envelope)
	go func() {
		defer close(batches)
		for {
			envs, err := feed.Receive(ctx)
			if err != nil {
				return
			}
			select {
			case batches <- envs:
			case <-ctx.Done():
				return
			}
		}
	}()

	var dropped uint64
	for {
		select {
		case <-ctx.Done():
			h.closeWith(ws, websocket.CloseGoingAway, "")
			return

		case envs, ok := <-batches:
			if !ok {
				// replaced or unsubscribed
				h.closeWith(ws, websocket.CloseNormalClosure, "")
				return
			}
			for _, env := range envs {
				if err := h.writeEnvelope(ws, env, encoding); err != nil {
					log.Debug().Err(err).Msg("write envelope failed")
					return
				}
			}
			if d := feed.Dropped(); d > dropped {
				metrics.StreamEnvelopesDroppedTotal.Add(float64(d - dropped))
				log.Warn().Uint64("dropped_total", d).Msg("subscriber backlog overflowed")
				dropped = d
			}

		case <-ticker.C:
			if err := ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) writeEnvelope(ws *websocket.Conn, env domain.Envelope, encoding string) error {
	msg := fleetapi.FromEnvelope(env)

	frame := websocket.TextMessage
	var (
		raw []byte
		err error
	)
	if encoding == fleetapi.EncodingMsgpack {
		frame = websocket.BinaryMessage
		raw, err = msgpack.Marshal(msg)
	} else {
		raw, err = json.Marshal(msg)
	}
	if err != nil {
		return err
	}

	if err := ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait)); err != nil {
		return err
	}
	return ws.WriteMessage(frame, raw)
}

func (h *StreamHandler) closeWith(ws *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
}
