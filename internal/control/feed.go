package control

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arborq/eventhandler/internal/logging"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPingPeriod = 30 * time.Second
	feedPongWait   = 2 * feedPingPeriod
)

var feedUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one notification pushed to connected admin feed subscribers.
type Event struct {
	Type        string    `json:"type"`
	Application string    `json:"application,omitempty"`
	HandlerName string    `json:"handler_name,omitempty"`
	Position    uint64    `json:"position,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Feed broadcasts each Event passed to Publish to every connected admin
// websocket client. The admin surface publishes one event per reset it
// triggers; registry status changes are not published.
type Feed struct {
	log *logging.Logger

	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

// NewFeed constructs a Feed. Callers are expected to gate access to its
// ServeHTTP the same way the REST admin endpoints are gated, since the feed
// itself performs no authorisation.
func NewFeed(log *logging.Logger) *Feed {
	if log == nil {
		log = logging.NewTestLogger()
	}
	return &Feed{
		log:     log.With(logging.String("component", "admin_feed")),
		clients: make(map[*feedClient]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and streams Events to it
// until the client disconnects.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("feed upgrade failed", logging.Error(err))
		return
	}

	client := &feedClient{conn: conn, send: make(chan []byte, 16)}
	f.mu.Lock()
	f.clients[client] = struct{}{}
	f.mu.Unlock()

	go f.writePump(client)
	f.readPump(client)
}

func (f *Feed) readPump(client *feedClient) {
	defer f.deregister(client)
	_ = client.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				f.log.Warn("feed read deadline exceeded", logging.Error(err))
			}
			return
		}
	}
}

func (f *Feed) writePump(client *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				f.deregister(client)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := client.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(feedWriteWait)); err != nil {
				f.deregister(client)
				return
			}
		}
	}
}

func (f *Feed) deregister(client *feedClient) {
	f.mu.Lock()
	if _, ok := f.clients[client]; ok {
		delete(f.clients, client)
		close(client.send)
	}
	f.mu.Unlock()
}

// Publish fans event out to every connected subscriber. Slow subscribers are
// disconnected rather than allowed to block the publisher.
func (f *Feed) Publish(event Event) {
	event.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(event)
	if err != nil {
		f.log.Error("feed event marshal failed", logging.Error(err))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		select {
		case client.send <- payload:
		default:
			//1.- A slow subscriber drops; it reconnects and misses only the
			// events it could not keep up with.
			delete(f.clients, client)
			close(client.send)
		}
	}
}
