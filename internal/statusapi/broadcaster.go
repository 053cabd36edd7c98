package statusapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/notify"
)

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized google.protobuf.Struct, base64 encoded for SSE
}

// SerializeSnapshot encodes a snapshot as JSON and as a protobuf Struct.
func SerializeSnapshot(s engine.Snapshot) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	return serialize(jsonData, s.Fields())
}

// SerializeAlert encodes an alert event in both formats.
func SerializeAlert(ev notify.Event) (*SerializedEvent, error) {
	jsonData, err := ev.JSON()
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	return serialize(jsonData, fields)
}

func serialize(jsonData []byte, fields map[string]any) (*SerializedEvent, error) {
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// hub fans serialized events out to subscribers. Slow subscribers miss events.
type hub struct {
	name    string
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
}

func newHub(name string) *hub {
	return &hub{name: name, clients: make(map[int]chan *SerializedEvent)}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (h *hub) Subscribe() (int, <-chan *SerializedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan *SerializedEvent, 2) // Buffer 2 events to avoid blocking
	h.clients[id] = ch

	logger.Debug(h.name, "Client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (h *hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		logger.Debug(h.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

// ClientCount returns the number of subscribers.
func (h *hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) broadcast(event *SerializedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.clients {
		select {
		case ch <- event:
		default:
			// Client too slow, skip this event for this client
		}
	}
}

// StatusBroadcaster periodically publishes the engine status to subscribers.
type StatusBroadcaster struct {
	*hub
	status   func() engine.Snapshot
	interval time.Duration

	stopMu  sync.Mutex
	stop    chan struct{}
	stopped bool
}

// NewStatusBroadcaster creates a broadcaster for status events.
func NewStatusBroadcaster(status func() engine.Snapshot, interval time.Duration) *StatusBroadcaster {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &StatusBroadcaster{
		hub:      newHub("StatusBroadcaster"),
		status:   status,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the broadcaster.
func (sb *StatusBroadcaster) Stop() {
	sb.stopMu.Lock()
	if !sb.stopped {
		close(sb.stop)
		sb.stopped = true
	}
	sb.stopMu.Unlock()
}

// Current serializes the current status.
func (sb *StatusBroadcaster) Current() (*SerializedEvent, error) {
	return SerializeSnapshot(sb.status())
}

func (sb *StatusBroadcaster) run() {
	logger.Info("StatusBroadcaster", "Starting status event broadcaster (interval=%v)...", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	// The frame counter restarts on reset, so snapshots are compared by content.
	var last []byte
	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			if sb.ClientCount() == 0 {
				continue
			}

			event, err := SerializeSnapshot(sb.status())
			if err != nil {
				logger.Error("StatusBroadcaster", "Serialize error: %v", err)
				continue
			}
			// Unchanged snapshots are skipped; stream handlers send keepalives.
			if last != nil && bytes.Equal(event.JSONData, last) {
				continue
			}
			last = event.JSONData
			sb.broadcast(event)
		}
	}
}

// AlertBroadcaster forwards alert events to stream subscribers. It is a
// notify.Sink.
type AlertBroadcaster struct {
	*hub
}

// NewAlertBroadcaster creates an empty alert broadcaster.
func NewAlertBroadcaster() *AlertBroadcaster {
	return &AlertBroadcaster{hub: newHub("AlertBroadcaster")}
}

// Name implements notify.Sink.
func (ab *AlertBroadcaster) Name() string { return "sse" }

// Send implements notify.Sink.
func (ab *AlertBroadcaster) Send(_ context.Context, ev notify.Event) error {
	if ab.ClientCount() == 0 {
		return nil
	}
	event, err := SerializeAlert(ev)
	if err != nil {
		return err
	}
	ab.broadcast(event)
	return nil
}
