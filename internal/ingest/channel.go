package ingest

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"classtrack/internal/apperr"
	"classtrack/internal/auth"
	"classtrack/internal/metrics"
)

// Frame types on the device channel.
const (
	FrameAttendance   = "attendance"
	FrameAirQuality   = "airquality"
	FrameDeviceStatus = "device_status"
)

const (
	welcomeMessage = "Welcome to ClassTrack IoT Server"
	writeWait      = 10 * time.Second
)

// Ack is every frame the server sends: the welcome, one acknowledgment per
// inbound text frame, and error envelopes.
type Ack struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type,omitempty"`
	Data      any       `json:"data,omitempty"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

// ChannelOptions configure the device channel.
type ChannelOptions struct {
	// RequireToken rejects connections without a device token.
	RequireToken bool
	// PingInterval is the keepalive period; zero disables pings and the
	// read deadline.
	PingInterval time.Duration
	// Origins lists allowed browser origins. Devices send no Origin header
	// and are always accepted; "*" accepts every origin.
	Origins []string
}

// ChannelHandler serves the persistent device connection. Each connection is
// read by one goroutine, so its frames are processed and acknowledged in
// arrival order.
type ChannelHandler struct {
	gw       *Gateway
	issuer   *auth.Issuer
	opts     ChannelOptions
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewChannelHandler(gw *Gateway, issuer *auth.Issuer, opts ChannelOptions) *ChannelHandler {
	h := &ChannelHandler{gw: gw, issuer: issuer, opts: opts, now: time.Now}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *ChannelHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.Origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Handle authenticates and upgrades the request. A presented token must be
// a valid device token; the connection is then bound to its device id.
func (h *ChannelHandler) Handle(c *gin.Context) {
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = c.Query("token")
	}

	var boundID string
	switch {
	case token != "":
		claims, err := h.issuer.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid or expired token"})
			return
		}
		if claims.Kind != auth.KindDevice || claims.DeviceID == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid device token"})
			return
		}
		boundID = claims.DeviceID
	case h.opts.RequireToken:
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Access token required"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed from %s: %v", c.ClientIP(), err)
		return
	}
	// oversized frames close the connection with 1009
	ws.SetReadLimit(MaxPayloadBytes)
	h.serve(c.Request.Context(), ws, c.ClientIP(), Source{Transport: TransportChannel, TokenDeviceID: boundID})
}

type deviceConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (d *deviceConn) send(a Ack) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return d.ws.WriteJSON(a)
}

func (h *ChannelHandler) serve(parent context.Context, ws *websocket.Conn, remote string, src Source) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer ws.Close()

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()
	if src.TokenDeviceID != "" {
		log.Printf("[ws] device %s connected from %s", src.TokenDeviceID, remote)
	} else {
		log.Printf("[ws] new device connected from %s", remote)
	}

	conn := &deviceConn{ws: ws}
	if err := conn.send(Ack{Status: "connected", Message: welcomeMessage, Timestamp: h.now().UTC()}); err != nil {
		log.Printf("[ws] welcome to %s failed: %v", remote, err)
		return
	}

	if h.opts.PingInterval > 0 {
		extend := func() { _ = ws.SetReadDeadline(time.Now().Add(3 * h.opts.PingInterval)) }
		extend()
		ws.SetPongHandler(func(string) error { extend(); return nil })
		go h.keepalive(ctx, ws)
	}

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("[ws] error from %s: %v", remote, err)
			}
			log.Printf("[ws] device disconnected from %s", remote)
			return
		}
		if h.opts.PingInterval > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(3 * h.opts.PingInterval))
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := conn.send(h.process(ctx, src, data)); err != nil {
			log.Printf("[ws] ack to %s failed: %v", remote, err)
			return
		}
	}
}

func (h *ChannelHandler) keepalive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// process handles one text frame and returns its acknowledgment.
func (h *ChannelHandler) process(ctx context.Context, src Source, data []byte) Ack {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[ws] invalid frame: %v", err)
		return h.errorAck("", apperr.Validation("Invalid message format"))
	}

	ack := Ack{Status: "received", Type: env.Type}
	switch env.Type {
	case FrameAttendance:
		var p AttendancePayload
		if err := decodeFrame(data, &p); err != nil {
			return h.errorAck(env.Type, err)
		}
		res, err := h.gw.Attendance(ctx, src, p)
		if err != nil {
			return h.errorAck(env.Type, err)
		}
		ack.Data, ack.Duplicate = res.Record, res.Duplicate
	case FrameAirQuality:
		var p AirQualityPayload
		if err := decodeFrame(data, &p); err != nil {
			return h.errorAck(env.Type, err)
		}
		reading, err := h.gw.AirQuality(ctx, src, p)
		if err != nil {
			return h.errorAck(env.Type, err)
		}
		ack.Data = reading
	case FrameDeviceStatus:
		var p DeviceStatusPayload
		if err := decodeFrame(data, &p); err != nil {
			return h.errorAck(env.Type, err)
		}
		d, err := h.gw.DeviceStatus(ctx, src, p)
		if err != nil {
			return h.errorAck(env.Type, err)
		}
		ack.Data = d
	default:
		log.Printf("[ws] unknown message type: %q", env.Type)
	}
	ack.Timestamp = h.now().UTC()
	return ack
}

func (h *ChannelHandler) errorAck(frameType string, err error) Ack {
	return Ack{Status: "error", Message: apperr.Message(err), Type: frameType, Timestamp: h.now().UTC()}
}
