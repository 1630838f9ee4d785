// Package obs implements the read-only observability surface every node
// exposes on a separate port from its wire-protocol listeners: a status
// endpoint, a membership/neighbor listing, and a live WebSocket tail of
// the event log. None of it can mutate protocol state. The router shape
// and the status/JSON conventions (gin route groups, gin.H payloads, a
// permissive WebSocket upgrader) are carried over from the teacher
// project's internal/api.Handler; the tree/vector-clock/replication
// endpoints it exposed have no equivalent here and are replaced with
// membership and event-log views.
package obs

import (
	"net/http"
	"sync"
	"time"

	"gossipmesh/internal/eventlog"
	"gossipmesh/internal/identity"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Provider supplies the node state the observability surface renders.
// seednode.Node and peernode.Node both implement it.
type Provider interface {
	Status() map[string]interface{}
	Members() []identity.ID
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the HTTP+WebSocket observability surface for one node.
type Server struct {
	router   *gin.Engine
	provider Provider
	log      *eventlog.Logger
}

// New builds a Server. Call Run to start listening; it never mutates
// provider or log, only reads from them.
func New(provider Provider, log *eventlog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{router: router, provider: provider, log: log}

	router.GET("/status", s.handleStatus)
	router.GET("/members", s.handleMembers)
	router.GET("/events", s.handleEvents)

	return s
}

// Run blocks serving HTTP on addr until the listener errors or the
// process exits. Callers typically run it in its own goroutine.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

func (s *Server) handleStatus(c *gin.Context) {
	status := s.provider.Status()
	status["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleMembers(c *gin.Context) {
	members := s.provider.Members()
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(out),
		"members": out,
	})
}

// handleEvents upgrades to a WebSocket and streams every event-log line
// produced from this point on, until the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	s.log.AddSink(sink)
	defer s.log.RemoveSink(sink)

	// Block until the client goes away; inbound frames are never acted
	// on, this socket is a one-way tail.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// wsSink adapts a *websocket.Conn to io.Writer so the event log can treat
// it like any other sink. gorilla/websocket requires writes on one
// connection to be serialized, hence the mutex.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
