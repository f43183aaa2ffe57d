// mockgw is a local stand-in for the message gateway, for exercising relayctl
// end to end without real transport hardware behind it.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/relayctl/internal/observability"
)

var startedAt = time.Now()

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type handshakeRequest struct {
	Transport string          `json:"transport"`
	Target    string          `json:"target"`
	Features  json.RawMessage `json:"features"`
}

type encodeRequest struct {
	SessionID         string          `json:"sessionId"`
	Target            string          `json:"target"`
	Payload           json.RawMessage `json:"payload"`
	RequireTranscript bool            `json:"requireTranscript"`
}

type pushEvent struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type state struct {
	apiKey string

	sessionSeq atomic.Uint64
	msgSeq     atomic.Uint64

	mu          sync.RWMutex
	sessions    map[string]handshakeRequest
	transcripts map[string]gin.H
}

func newState(apiKey string) *state {
	return &state{
		apiKey:      apiKey,
		sessions:    make(map[string]handshakeRequest),
		transcripts: make(map[string]gin.H),
	}
}

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	apiKey := flag.String("api-key", "", "require this X-API-Key on every request (empty disables the check)")
	flag.Parse()

	logger := observability.InitLogger("mockgw")
	st := newState(*apiKey)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://localhost:3000"},
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "X-API-Key"},
		MaxAge:       12 * time.Hour,
	}))
	r.Use(st.requireAPIKey)

	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(startedAt).String(),
			"service": "mockgw",
		})
	})
	r.POST("/v1/handshake", st.handleHandshake)
	r.POST("/v1/encode", st.handleEncode)
	r.POST("/v1/decode", st.handleDecode)
	r.GET("/v1/transcript/:msgId", st.handleTranscript)
	r.GET("/v1/push/:sessionId", st.handlePush)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	logger.Info().Str("addr", *addr).Msg("mockgw listening")
	if err := r.Run(*addr); err != nil {
		logger.Fatal().Err(err).Msg("mockgw exited")
	}
}

func (st *state) requireAPIKey(c *gin.Context) {
	if st.apiKey == "" {
		return
	}
	if c.GetHeader("X-API-Key") != st.apiKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
	}
}

func (st *state) handleHandshake(c *gin.Context) {
	var req handshakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Transport {
	case "socket-streaming", "datagram", "acoustic":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown transport %q", req.Transport)})
		return
	}

	id := fmt.Sprintf("sess-%d-%d", startedAt.Unix(), st.sessionSeq.Add(1))
	st.mu.Lock()
	st.sessions[id] = req
	st.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"sessionId": id})
}

func (st *state) handleEncode(c *gin.Context) {
	var req encodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st.mu.RLock()
	_, known := st.sessions[req.SessionID]
	st.mu.RUnlock()
	if !known {
		c.JSON(http.StatusForbidden, gin.H{"error": "unknown session"})
		return
	}

	msgID := fmt.Sprintf("msg-%d", st.msgSeq.Add(1))
	encoded := base64.StdEncoding.EncodeToString(req.Payload)
	if req.RequireTranscript {
		st.mu.Lock()
		st.transcripts[msgID] = gin.H{
			"msgId":       msgID,
			"sessionId":   req.SessionID,
			"target":      req.Target,
			"payload":     req.Payload,
			"bytesBase64": encoded,
			"timestamp":   time.Now().UnixMilli(),
		}
		st.mu.Unlock()
	}
	c.JSON(http.StatusOK, gin.H{"msgId": msgID, "size": len(encoded)})
}

func (st *state) handleDecode(c *gin.Context) {
	var req struct {
		BytesBase64 string `json:"bytesBase64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.BytesBase64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64"})
		return
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "bytes do not decode to a structure"})
		return
	}
	c.JSON(http.StatusOK, decoded)
}

func (st *state) handleTranscript(c *gin.Context) {
	st.mu.RLock()
	transcript, ok := st.transcripts[c.Param("msgId")]
	st.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no transcript"})
		return
	}
	c.JSON(http.StatusOK, transcript)
}

// handlePush upgrades to a websocket and acks every mirrored send so a
// relayctl run sees traffic on both channels.
func (st *state) handlePush(c *gin.Context) {
	sessionID := c.Param("sessionId")
	st.mu.RLock()
	_, known := st.sessions[sessionID]
	st.mu.RUnlock()
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var event pushEvent
		if err := conn.ReadJSON(&event); err != nil {
			return
		}
		if event.Type != "send" {
			continue
		}
		ack := pushEvent{
			Type:      "delivery",
			Payload:   event.Payload,
			Timestamp: time.Now().UnixMilli(),
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
	}
}
