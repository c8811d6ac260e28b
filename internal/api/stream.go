package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/rankpilot/internal/notify"
)

type streamMessage struct {
	Type     string          `json:"type"`
	Severity notify.Severity `json:"severity,omitempty"`
	Message  string          `json:"message,omitempty"`
	At       time.Time       `json:"at"`
}

// Stream pushes alerts to dashboard clients over websocket. It is a
// notify.Notifier, so it sits next to the chat notifiers.
type Stream struct {
	clients sync.Map
	nextID  atomic.Int64
	origins []string
	logger  *log.Logger
	now     func() time.Time
}

// NewStream accepts cross-origin clients from origins, given as URLs or
// host patterns.
func NewStream(origins []string, logger *log.Logger) *Stream {
	if logger == nil {
		logger = log.Default()
	}
	s := &Stream{logger: logger, now: time.Now}
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		s.origins = append(s.origins, strings.TrimRight(o, "/"))
	}
	return s
}

func (s *Stream) Alert(_ context.Context, severity notify.Severity, message string) error {
	data, err := json.Marshal(streamMessage{Type: "alert", Severity: severity, Message: message, At: s.now()})
	if err != nil {
		return err
	}
	s.broadcast(data)
	return nil
}

// Clients returns how many clients are connected.
func (s *Stream) Clients() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Stream) broadcast(data []byte) {
	s.clients.Range(func(key, value any) bool {
		conn := value.(*websocket.Conn)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			s.logger.Printf("[api] stream write to %s failed: %v", key, err)
		}
		return true
	})
}

func (s *Stream) handle(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.origins,
	})
	if err != nil {
		s.logger.Printf("[api] stream accept error: %v", err)
		return
	}

	clientID := fmt.Sprintf("stream-%d", s.nextID.Add(1))
	s.clients.Store(clientID, conn)
	s.logger.Printf("[api] stream client connected: %s", clientID)
	defer func() {
		s.clients.Delete(clientID)
		conn.CloseNow()
		s.logger.Printf("[api] stream client disconnected: %s", clientID)
	}()

	hello, _ := json.Marshal(streamMessage{Type: "hello", Message: clientID, At: s.now()})
	ctx := c.Request.Context()
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		return
	}
	// Clients only listen; reading keeps the connection serviced until it closes.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
