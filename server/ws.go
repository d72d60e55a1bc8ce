package server

import (
	"PhoneDetServer/logger"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsIdleTimeout is a var so tests can shorten it.
var wsIdleTimeout = 60 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type wsSession struct {
	id         string
	conn       *websocket.Conn
	mu         sync.Mutex
	lastActive time.Time
	closeOnce  sync.Once
	done       chan struct{}
}

func (ws *wsSession) touch() {
	ws.mu.Lock()
	ws.lastActive = time.Now()
	ws.mu.Unlock()
}

func (ws *wsSession) idleFor() time.Duration {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return time.Since(ws.lastActive)
}

func (ws *wsSession) close(reason string) {
	ws.closeOnce.Do(func() {
		_ = ws.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		_ = ws.conn.Close()
		close(ws.done)
	})
}

// handleWS is the streaming variant of detect_phone: every text frame
// is one image string, every reply is the same JSON the HTTP endpoint
// would return. Idle sessions are released after wsIdleTimeout.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade failed, the upgrader already wrote the response
		return
	}
	sess := &wsSession{
		id:         uuid.NewString(),
		conn:       conn,
		lastActive: time.Now(),
		done:       make(chan struct{}),
	}
	conn.SetReadLimit(20 * 1024 * 1024)
	logger.Log().Info("ws session opened", zap.String("session", sess.id))
	go s.watchIdle(sess)

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			sess.close("client disconnected")
			logger.Log().Info("ws session closed",
				zap.String("session", sess.id), zap.Error(err))
			return
		}
		sess.touch()
		if mt != websocket.TextMessage {
			_ = conn.WriteJSON(gin.H{"detail": "unsupported message type"})
			continue
		}
		detected, _, detail := s.detectPhone(string(msg))
		if detail != "" {
			_ = conn.WriteJSON(gin.H{"detail": detail})
			continue
		}
		_ = conn.WriteJSON(gin.H{"phone_detected": detected})
	}
}

func (s *Server) watchIdle(sess *wsSession) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if sess.idleFor() > wsIdleTimeout {
				sess.close("session idle, released")
				logger.Log().Info("ws session timed out", zap.String("session", sess.id))
				return
			}
		}
	}
}
