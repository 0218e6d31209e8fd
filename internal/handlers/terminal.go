package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/servoxhq/servox/internal/monitor"
	"github.com/servoxhq/servox/internal/sshterminal"
)

// terminalRateLimit caps client frames per second per socket; the burst
// absorbs paste operations.
const (
	terminalRateLimit = 200
	terminalRateBurst = 200
)

// maxSocketsPerUserInstance caps concurrent sockets for one (user,
// instance) pair. A fairness guard, not a security boundary.
const maxSocketsPerUserInstance = 3

// authTimeout bounds how long a socket may sit unauthenticated.
const authTimeout = 10 * time.Second

var (
	socketMu     sync.Mutex
	socketCounts = make(map[string]int)
)

func acquireSocket(key string) bool {
	socketMu.Lock()
	defer socketMu.Unlock()
	if socketCounts[key] >= maxSocketsPerUserInstance {
		return false
	}
	socketCounts[key]++
	return true
}

func releaseSocket(key string) {
	socketMu.Lock()
	defer socketMu.Unlock()
	if socketCounts[key] <= 1 {
		delete(socketCounts, key)
	} else {
		socketCounts[key]--
	}
}

type clientFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Data  string `json:"data,omitempty"`
	Cols  uint16 `json:"cols,omitempty"`
	Rows  uint16 `json:"rows,omitempty"`
}

type serverFrame struct {
	Type     string `json:"type"`
	Message  string `json:"message,omitempty"`
	IsReused bool   `json:"isReused,omitempty"`
}

// wsSender serializes writes from the output pump and the control path
// onto one socket.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
	ctx  context.Context
}

func (s *wsSender) send(frame serverFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, payload)
}

// sendBinary relays raw shell output. Binary frames keep arbitrary byte
// sequences intact; JSON text would mangle invalid UTF-8.
func (s *wsSender) sendBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageBinary, data)
}

// TerminalWS is the WebSocket endpoint for interactive terminals. The
// first frame must carry a capability token; afterwards the socket
// relays keystrokes and resizes in, shell output and error/end notices
// out. Shell bytes travel in binary frames, control messages in JSON
// text frames. On close the viewer is detached.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[terminal] websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	conn.SetReadLimit(1024 * 1024)
	sender := &wsSender{conn: conn, ctx: ctx}

	// Authenticate before anything touches the pool.
	authCtx, authCancel := context.WithTimeout(ctx, authTimeout)
	_, data, err := conn.Read(authCtx)
	authCancel()
	if err != nil {
		conn.Close(4401, "Authentication timeout")
		return
	}

	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "auth" {
		sender.send(serverFrame{Type: "auth_failed", Message: "Expected auth frame"})
		conn.Close(4401, "Authentication required")
		return
	}

	claims, err := Tokens.Verify(frame.Token)
	if err != nil {
		sender.send(serverFrame{Type: "auth_failed", Message: "Invalid or expired token"})
		conn.Close(4401, "Authentication failed")
		return
	}

	socketKey := strconv.FormatUint(uint64(claims.UserID), 10) + "|" +
		strconv.FormatUint(uint64(claims.InstanceID), 10)
	if !acquireSocket(socketKey) {
		sender.send(serverFrame{Type: "error", Message: "Too many open terminals for this instance"})
		conn.Close(4429, "Connection limit reached")
		return
	}
	defer releaseSocket(socketKey)

	monitor.TerminalSockets.Inc()
	defer monitor.TerminalSockets.Dec()

	if err := sender.send(serverFrame{Type: "auth_success"}); err != nil {
		return
	}

	instanceID := strconv.FormatUint(uint64(claims.InstanceID), 10)
	userID := strconv.FormatUint(uint64(claims.UserID), 10)

	relayCtx, relayCancel := context.WithCancel(ctx)
	defer relayCancel()

	result, err := Terminal.Attach(ctx, sshterminal.AttachRequest{
		InstanceID: instanceID,
		UserID:     userID,
		Sink: func(chunk []byte) {
			if err := sender.sendBinary(chunk); err != nil {
				relayCancel()
			}
		},
		OnError: func(err error) {
			sender.send(serverFrame{Type: "error", Message: "Shell connection error"})
			relayCancel()
		},
		OnEnd: func() {
			sender.send(serverFrame{Type: "disconnected"})
			relayCancel()
		},
	})
	if err != nil {
		switch err {
		case sshterminal.ErrInstanceNotDeployed, sshterminal.ErrMissingCredentials:
			sender.send(serverFrame{Type: "error", Message: "Instance is not ready for terminal access"})
			conn.Close(4404, "Instance not deployed")
		default:
			log.Printf("[terminal] attach failed for instance=%s: %v", instanceID, err)
			sender.send(serverFrame{Type: "error", Message: "Failed to establish terminal connection"})
			conn.Close(4500, "Connection failed")
		}
		return
	}
	defer Terminal.DetachClient(result.ClientID)

	sender.send(serverFrame{Type: "vps_connected", IsReused: result.Reused})

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	for {
		msgType, data, err := conn.Read(relayCtx)
		if err != nil {
			break
		}
		if !limiter.allow() {
			continue
		}

		// Binary frames are raw keystrokes; text frames carry JSON control
		// messages.
		if msgType == websocket.MessageBinary {
			if !Terminal.Send(instanceID, data) {
				log.Printf("[terminal] send with no live shell: instance=%s", instanceID)
			}
			continue
		}

		var msg clientFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "data":
			if !Terminal.Send(instanceID, []byte(msg.Data)) {
				log.Printf("[terminal] send with no live shell: instance=%s", instanceID)
			}
		case "resize":
			if msg.Cols > 0 && msg.Rows > 0 {
				Terminal.Resize(instanceID, msg.Cols, msg.Rows)
			}
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// tokenBucket is a simple per-connection rate limiter for client frames.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// PoolStatus dumps the live session table, for admin debugging.
func PoolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": Pool.ConnectionCount(),
		"sessions":    Pool.Status(),
	})
}
