// Package telemetry distributes relay monitoring events (stream lifecycle,
// faults, loss estimates) to attached SSE clients. This surface observes the
// streaming core; the recorder-bound data path never flows through it.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is one monitoring event. Device-scoped events are buffered for
// Last-Event-ID replay.
type Event struct {
	ID     int64                  `json:"id,omitempty"`
	Type   string                 `json:"type"`
	Data   map[string]interface{} `json:"data"`
	Device string                 `json:"device,omitempty"`
}

// client is one attached SSE connection.
type client struct {
	id     string
	writer http.ResponseWriter
	ctx    context.Context
	cancel context.CancelFunc
	device string
	events chan Event
	mu     sync.Mutex // guards writer
}

// Hub fans monitoring events out to SSE clients with per-device buffering.
type Hub struct {
	log               zerolog.Logger
	bufferSize        int
	heartbeatInterval time.Duration

	mu        sync.RWMutex
	clients   map[string]*client
	eventIDs  map[string]*int64 // monotonic event ids per device
	buffers   map[string]*eventBuffer
	heartbeat *time.Ticker

	done chan struct{}
	stop sync.Once
	wg   sync.WaitGroup
}

// NewHub creates a hub. bufferSize bounds each device's replay buffer.
func NewHub(log zerolog.Logger, bufferSize int, heartbeatInterval time.Duration) *Hub {
	return &Hub{
		log:               log.With().Str("component", "telemetry").Logger(),
		bufferSize:        bufferSize,
		heartbeatInterval: heartbeatInterval,
		clients:           make(map[string]*client),
		eventIDs:          make(map[string]*int64),
		buffers:           make(map[string]*eventBuffer),
		done:              make(chan struct{}),
	}
}

// PublishDevice publishes an event scoped to one device.
func (h *Hub) PublishDevice(deviceID string, event Event) error {
	event.Device = deviceID
	return h.Publish(event)
}

// Publish assigns an event id, buffers device-scoped events, and delivers to
// all attached clients. Slow clients drop events rather than block the
// publisher.
func (h *Hub) Publish(event Event) error {
	select {
	case <-h.done:
		return fmt.Errorf("telemetry hub stopped")
	default:
	}

	if event.ID == 0 {
		event.ID = h.nextEventID(event.Device)
	}
	if event.Device != "" {
		h.bufferEvent(event)
	}

	h.mu.RLock()
	receivers := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.device == "" || event.Device == "" || c.device == event.Device {
			receivers = append(receivers, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range receivers {
		select {
		case <-c.ctx.Done():
		case c.events <- event:
		default:
			h.log.Debug().Str("client", c.id).Msg("dropping event for slow client")
		}
	}
	return nil
}

// Subscribe attaches an SSE client and blocks until it disconnects. The
// optional device query parameter scopes delivery; Last-Event-ID resumes from
// the device buffer.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCtx, cancel := context.WithCancel(ctx)
	c := &client{
		id:     uuid.NewString(),
		writer: w,
		ctx:    clientCtx,
		cancel: cancel,
		device: r.URL.Query().Get("device"),
		events: make(chan Event, 64),
	}

	var lastID int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastID = id
		}
	}

	h.mu.Lock()
	h.clients[c.id] = c
	if len(h.clients) == 1 && h.heartbeat == nil {
		h.startHeartbeat()
	}
	h.mu.Unlock()

	defer h.detach(c)

	ready := Event{ID: h.nextEventID(c.device), Type: "ready", Data: map[string]interface{}{
		"device": c.device,
	}}
	if err := h.send(c, ready); err != nil {
		return fmt.Errorf("send ready event: %w", err)
	}

	if lastID > 0 && c.device != "" {
		if err := h.replay(c, lastID); err != nil {
			return fmt.Errorf("replay events: %w", err)
		}
	}

	for {
		select {
		case <-clientCtx.Done():
			return nil
		case <-h.done:
			return nil
		case event := <-c.events:
			if err := h.send(c, event); err != nil {
				return nil // client went away
			}
		}
	}
}

// Stop shuts the hub down and disconnects all clients.
func (h *Hub) Stop() {
	h.stop.Do(func() {
		close(h.done)

		h.mu.Lock()
		for _, c := range h.clients {
			c.cancel()
		}
		if h.heartbeat != nil {
			h.heartbeat.Stop()
			h.heartbeat = nil
		}
		h.mu.Unlock()

		h.wg.Wait()
	})
}

func (h *Hub) detach(c *client) {
	c.cancel()
	h.mu.Lock()
	delete(h.clients, c.id)
	if len(h.clients) == 0 && h.heartbeat != nil {
		h.heartbeat.Stop()
		h.heartbeat = nil
	}
	h.mu.Unlock()
}

func (h *Hub) replay(c *client, lastID int64) error {
	h.mu.RLock()
	buffer, exists := h.buffers[c.device]
	h.mu.RUnlock()
	if !exists {
		return nil
	}

	for _, event := range buffer.after(lastID) {
		if err := h.send(c, event); err != nil {
			return err
		}
	}
	return nil
}

// send writes one event in SSE framing and flushes.
func (h *Hub) send(c *client, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	if event.ID > 0 {
		if _, err := fmt.Fprintf(c.writer, "id: %d\n", event.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}

	if flusher, ok := c.writer.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (h *Hub) nextEventID(deviceID string) int64 {
	if deviceID == "" {
		deviceID = "global"
	}

	h.mu.RLock()
	counter, exists := h.eventIDs[deviceID]
	h.mu.RUnlock()

	if !exists {
		h.mu.Lock()
		counter, exists = h.eventIDs[deviceID]
		if !exists {
			var initial int64
			counter = &initial
			h.eventIDs[deviceID] = counter
		}
		h.mu.Unlock()
	}

	return atomic.AddInt64(counter, 1)
}

func (h *Hub) bufferEvent(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buffer, exists := h.buffers[event.Device]
	if !exists {
		buffer = newEventBuffer(h.bufferSize)
		h.buffers[event.Device] = buffer
	}
	buffer.add(event)
}

// startHeartbeat begins the keepalive cadence. Caller holds h.mu and has
// verified h.heartbeat == nil.
func (h *Hub) startHeartbeat() {
	h.heartbeat = time.NewTicker(h.heartbeatInterval)
	ticker := h.heartbeat

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ticker.C:
				_ = h.Publish(Event{Type: "heartbeat", Data: map[string]interface{}{
					"ts": time.Now().UTC().Format(time.RFC3339),
				}})
			case <-h.done:
				return
			}
		}
	}()
}

// eventBuffer is a bounded FIFO of one device's events for replay.
type eventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

func newEventBuffer(capacity int) *eventBuffer {
	return &eventBuffer{capacity: capacity}
}

func (b *eventBuffer) add(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)
	if len(b.events) > b.capacity {
		b.events = b.events[1:]
	}
}

func (b *eventBuffer) after(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, event := range b.events {
		if event.ID > lastID {
			out = append(out, event)
		}
	}
	return out
}
