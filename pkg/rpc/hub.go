package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"provisiond/pkg/logging"
	"provisiond/pkg/metrics"
)

const (
	writeTimeout   = 10 * time.Second
	handlerTimeout = 30 * time.Second
)

// Hub holds worker connections per exchange. Cast delivers each envelope to
// one consumer, round-robin; with no consumer connected envelopes wait in a
// bounded queue that is flushed to the next worker to connect.
type Hub struct {
	upgrader   websocket.Upgrader
	log        *zap.Logger
	maxPending int

	mu        sync.Mutex
	consumers map[string][]*consumer
	next      map[string]int
	pending   map[string][]Envelope
	handlers  map[string]HandlerFunc
}

type consumer struct {
	exchange string
	remote   string
	wmu      sync.Mutex
	conn     *websocket.Conn
}

func (c *consumer) write(msg Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func NewHub(maxPending int, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	if maxPending <= 0 {
		maxPending = 1000
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:        log.Named("rpc"),
		maxPending: maxPending,
		consumers:  map[string][]*consumer{},
		next:       map[string]int{},
		pending:    map[string][]Envelope{},
		handlers:   map[string]HandlerFunc{},
	}
}

// Handle routes inbound envelopes whose Method equals name to fn.
func (h *Hub) Handle(name string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = fn
}

// Cast never blocks on a worker response. It fails only if msg cannot be
// encoded.
func (h *Hub) Cast(_ context.Context, exchange string, msg Envelope) error {
	if _, err := json.Marshal(msg); err != nil {
		return fmt.Errorf("failed to encode %s envelope: %w", msg.Method, err)
	}
	for {
		c := h.pick(exchange)
		if c == nil {
			h.enqueue(exchange, msg)
			return nil
		}
		if err := c.write(msg); err != nil {
			h.log.Warn("cast to worker failed", zap.String(logging.FieldExchange, exchange), zap.String("remote", c.remote), zap.Error(err))
			h.remove(c)
			continue
		}
		metrics.BusCasts.WithLabelValues(exchange, "sent").Inc()
		h.log.Debug("cast", zap.String(logging.FieldExchange, exchange), zap.String(logging.FieldMethod, msg.Method), zap.String(logging.FieldTaskUUID, msg.TaskUUID()))
		return nil
	}
}

func (h *Hub) pick(exchange string) *consumer {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.consumers[exchange]
	if len(list) == 0 {
		return nil
	}
	i := h.next[exchange] % len(list)
	h.next[exchange] = i + 1
	return list[i]
}

func (h *Hub) enqueue(exchange string, msgs ...Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := append(h.pending[exchange], msgs...)
	if over := len(q) - h.maxPending; over > 0 {
		h.log.Warn("pending queue full, dropping oldest", zap.String(logging.FieldExchange, exchange), zap.Int("dropped", over))
		metrics.BusCasts.WithLabelValues(exchange, "dropped").Add(float64(over))
		q = q[over:]
	}
	h.pending[exchange] = q
	metrics.BusCasts.WithLabelValues(exchange, "buffered").Add(float64(len(msgs)))
	metrics.BusPending.WithLabelValues(exchange).Set(float64(len(q)))
}

// Consumers reports connected workers on exchange.
func (h *Hub) Consumers(exchange string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.consumers[exchange])
}

// Pending reports envelopes waiting for a worker on exchange.
func (h *Hub) Pending(exchange string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending[exchange])
}

// ServeWS upgrades a worker connection; expects ?exchange=name.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	exchange := r.URL.Query().Get("exchange")
	if exchange == "" {
		http.Error(w, "exchange required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.String(logging.FieldExchange, exchange), zap.Error(err))
		return
	}
	c := &consumer{exchange: exchange, remote: r.RemoteAddr, conn: conn}
	h.mu.Lock()
	h.consumers[exchange] = append(h.consumers[exchange], c)
	n := len(h.consumers[exchange])
	pend := h.pending[exchange]
	delete(h.pending, exchange)
	h.mu.Unlock()
	metrics.BusConsumers.WithLabelValues(exchange).Set(float64(n))
	metrics.BusPending.WithLabelValues(exchange).Set(0)
	h.log.Info("worker connected", zap.String(logging.FieldExchange, exchange), zap.String("remote", c.remote), zap.Int("pending", len(pend)))

	for i, msg := range pend {
		if err := c.write(msg); err != nil {
			h.log.Warn("flush to worker failed", zap.String("remote", c.remote), zap.Error(err))
			h.remove(c)
			h.enqueue(exchange, pend[i:]...)
			return
		}
		metrics.BusCasts.WithLabelValues(exchange, "sent").Inc()
	}
	go h.readLoop(c)
}

func (h *Hub) remove(c *consumer) {
	_ = c.conn.Close()
	h.mu.Lock()
	list := h.consumers[c.exchange]
	for i, other := range list {
		if other == c {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.consumers, c.exchange)
	} else {
		h.consumers[c.exchange] = list
	}
	h.mu.Unlock()
	metrics.BusConsumers.WithLabelValues(c.exchange).Set(float64(len(list)))
}

func (h *Hub) readLoop(c *consumer) {
	defer func() {
		h.remove(c)
		h.log.Info("worker disconnected", zap.String(logging.FieldExchange, c.exchange), zap.String("remote", c.remote))
	}()
	for {
		var msg Envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				h.log.Debug("ws read failed", zap.String("remote", c.remote), zap.Error(err))
			}
			return
		}
		h.dispatch(msg)
	}
}

func (h *Hub) dispatch(msg Envelope) {
	h.mu.Lock()
	fn := h.handlers[msg.Method]
	h.mu.Unlock()
	if fn == nil {
		h.log.Warn("no handler for inbound message", zap.String(logging.FieldMethod, msg.Method), zap.String(logging.FieldTaskUUID, msg.TaskUUID()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := fn(ctx, msg); err != nil {
		h.log.Error("inbound handler failed", zap.String(logging.FieldMethod, msg.Method), zap.String(logging.FieldTaskUUID, msg.TaskUUID()), zap.Error(err))
	}
}

// Close drops every worker connection.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*consumer
	for _, list := range h.consumers {
		all = append(all, list...)
	}
	h.mu.Unlock()
	for _, c := range all {
		h.remove(c)
	}
}
