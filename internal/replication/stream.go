package replication

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = (streamPongWait * 9) / 10

	// streamBuffer is the per-subscriber queue. A follower that falls this
	// far behind is disconnected and catches up over /cluster/entries.
	streamBuffer = 256
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// streamHub fans committed entries out to subscribed followers. The leader
// owns one hub; followers that reconnect after a gap refill from the log
// before resuming the live stream.
type streamHub struct {
	mu      sync.Mutex
	clients map[chan Entry]bool
	log     *zap.Logger
}

func newStreamHub(logger *zap.Logger) *streamHub {
	return &streamHub{
		clients: make(map[chan Entry]bool),
		log:     logger.Named("stream"),
	}
}

// Broadcast queues an entry for every subscriber. Subscribers that cannot
// keep up are closed; they reconnect and catch up from the log.
func (h *streamHub) Broadcast(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- e:
		default:
			delete(h.clients, ch)
			close(ch)
			h.log.Warn("dropped slow stream subscriber")
		}
	}
}

func (h *streamHub) subscribe() chan Entry {
	ch := make(chan Entry, streamBuffer)
	h.mu.Lock()
	h.clients[ch] = true
	h.mu.Unlock()
	return ch
}

func (h *streamHub) unsubscribe(ch chan Entry) {
	h.mu.Lock()
	if h.clients[ch] {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and streams entries until the follower
// disconnects. Authentication happens in the router middleware.
func (h *streamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("stream upgrade failed", zap.Error(err))
		return
	}
	ch := h.subscribe()
	defer h.unsubscribe(ch)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// streamClient maintains a follower's subscription to the leader's entry
// stream, reconnecting with exponential backoff when the connection or the
// leadership changes.
type streamClient struct {
	secret string
	// leaderURL returns the current leader's ws endpoint, "" when unknown
	// or when this replica leads.
	leaderURL func() string
	onEntry   func(Entry)
	log       *zap.Logger
}

func (c *streamClient) Run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0
	policy.MaxInterval = 10 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		url := c.leaderURL()
		if url == "" {
			select {
			case <-time.After(policy.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}
		if err := c.listen(ctx, url); err != nil && ctx.Err() == nil {
			c.log.Debug("stream disconnected", zap.String("leader", url), zap.Error(err))
		} else {
			policy.Reset()
		}
		select {
		case <-time.After(policy.NextBackOff()):
		case <-ctx.Done():
			return
		}
	}
}

func (c *streamClient) listen(ctx context.Context, url string) error {
	header := http.Header{}
	header.Set(secretHeader, c.secret)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		var e Entry
		if err := conn.ReadJSON(&e); err != nil {
			return err
		}
		c.onEntry(e)
	}
}
