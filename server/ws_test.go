package server

import (
	"PhoneDetServer/engine"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func dialWS(t *testing.T, router *gin.Engine) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWS_DetectFrame(t *testing.T) {
	router := newTestRouter(t, &MockDetector{detections: []engine.Detection{phoneDetection(0.9)}})
	conn := dialWS(t, router)

	assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(jpegBase64(t))))
	var resp map[string]any
	assert.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, true, resp["phone_detected"])
}

func TestWS_InvalidPayload(t *testing.T) {
	router := newTestRouter(t, &MockDetector{})
	conn := dialWS(t, router)

	t.Run("Malformed base64", func(t *testing.T) {
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not-valid-base64!!!")))
		var resp map[string]any
		assert.NoError(t, conn.ReadJSON(&resp))
		assert.Equal(t, "Invalid base64 data", resp["detail"])
	})

	t.Run("Binary frame rejected", func(t *testing.T) {
		assert.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
		var resp map[string]any
		assert.NoError(t, conn.ReadJSON(&resp))
		assert.Equal(t, "unsupported message type", resp["detail"])
	})

	t.Run("Session stays usable after errors", func(t *testing.T) {
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(jpegBase64(t))))
		var resp map[string]any
		assert.NoError(t, conn.ReadJSON(&resp))
		assert.Equal(t, false, resp["phone_detected"])
	})
}

func TestWS_IdleTimeout(t *testing.T) {
	old := wsIdleTimeout
	wsIdleTimeout = 100 * time.Millisecond
	t.Cleanup(func() { wsIdleTimeout = old })

	router := newTestRouter(t, &MockDetector{})
	conn := dialWS(t, router)

	// the idle monitor ticks once a second; the first tick is past the
	// shortened timeout and must close the session
	assert.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"expected a normal close, got %v", err)
}
