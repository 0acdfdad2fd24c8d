// Package udi is the userspace debug interface: log clients that receive
// a copy of every signal crossing the dispatcher, and a gRPC service that
// exposes them together with status and signal injection.
package udi

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/frobware/go-hip"
)

// MaxFilterIDs is the largest number of signal ids a filter may list.
const MaxFilterIDs = 5

// DefaultClientBuffer is the per-client queue depth.
const DefaultClientBuffer = 1024

// Filter selects the signals a log client receives. By default every
// signal except the listed ids is delivered; with ListedOnly only the
// listed ids are.
type Filter struct {
	IDs        []hip.SignalID
	ListedOnly bool
	// UnitdataSizeLimit truncates unitdata signals to this many bytes.
	// Zero keeps them whole.
	UnitdataSizeLimit int
}

// compiledFilter is a Filter reduced to a bitmap over [min, max].
type compiledFilter struct {
	min, max   hip.SignalID
	listed     []bool
	listedOnly bool
	sizeLimit  int
}

func (f Filter) compile() (compiledFilter, error) {
	if len(f.IDs) > MaxFilterIDs {
		return compiledFilter{}, fmt.Errorf("filter lists %d signal ids, at most %d allowed", len(f.IDs), MaxFilterIDs)
	}
	if f.UnitdataSizeLimit < 0 {
		return compiledFilter{}, fmt.Errorf("negative unitdata size limit %d", f.UnitdataSizeLimit)
	}
	cf := compiledFilter{listedOnly: f.ListedOnly, sizeLimit: f.UnitdataSizeLimit}
	if len(f.IDs) == 0 {
		return cf, nil
	}
	cf.min, cf.max = f.IDs[0], f.IDs[0]
	for _, id := range f.IDs[1:] {
		cf.min = min(cf.min, id)
		cf.max = max(cf.max, id)
	}
	cf.listed = make([]bool, int(cf.max-cf.min)+1)
	for _, id := range f.IDs {
		cf.listed[id-cf.min] = true
	}
	return cf, nil
}

func (cf *compiledFilter) isListed(id hip.SignalID) bool {
	return cf.listed != nil && id >= cf.min && id <= cf.max && cf.listed[id-cf.min]
}

// Match reports whether a signal with id passes the filter.
func (cf *compiledFilter) Match(id hip.SignalID) bool {
	if cf.listedOnly {
		return cf.isListed(id)
	}
	return !cf.isListed(id)
}

// Entry is one logged signal as delivered to a client.
type Entry struct {
	Seq       uint64
	Direction hip.Direction
	Header    hip.Header
	Body      []byte
	// Length is the length of the original signal body; Body may be
	// shorter when truncated.
	Length int
	Time   time.Time
}

func isUnitdata(id hip.SignalID) bool {
	return id == hip.MAUnitdataReq || id == hip.MAUnitdataInd
}

// LogClient is one registered log reader.
type LogClient struct {
	id     uuid.UUID
	filter compiledFilter
	logger *slog.Logger

	mu           sync.Mutex
	ch           chan Entry
	closed       bool
	dropping     bool
	droppingData bool

	restart     int
	dataMax     int
	dataRestart int

	dropped     atomic.Uint64
	droppedData atomic.Uint64
	delivered   atomic.Uint64
}

// ID returns the client identifier.
func (c *LogClient) ID() uuid.UUID { return c.id }

// C returns the channel entries are delivered on. It is closed when the
// client is unregistered.
func (c *LogClient) C() <-chan Entry { return c.ch }

// Dropped returns the number of entries lost because the client queue
// was full.
func (c *LogClient) Dropped() uint64 { return c.dropped.Load() }

// DroppedData returns the number of unitdata entries shed to keep room
// for control signals.
func (c *LogClient) DroppedData() uint64 { return c.droppedData.Load() }

// Delivered returns the number of entries queued to the client.
func (c *LogClient) Delivered() uint64 { return c.delivered.Load() }

// offer queues e unless the client is saturated. Once the queue fills,
// everything is dropped until it drains below the restart mark. Unitdata
// is shed earlier so control signals keep flowing.
func (c *LogClient) offer(e Entry) {
	if !c.filter.Match(e.Header.ID) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	n := len(c.ch)
	if c.dropping {
		if n >= c.restart {
			c.dropped.Inc()
			return
		}
		c.dropping = false
		c.logger.Warn("stop dropping log entries", "dropped", c.dropped.Load())
	} else if n >= cap(c.ch) {
		c.dropping = true
		c.dropped.Inc()
		c.logger.Warn("start dropping log entries")
		return
	}

	if isUnitdata(e.Header.ID) {
		if c.droppingData {
			if n >= c.dataRestart {
				c.droppedData.Inc()
				return
			}
			c.droppingData = false
			c.logger.Warn("stop dropping unitdata log entries", "dropped", c.droppedData.Load())
		} else if n >= c.dataMax {
			c.droppingData = true
			c.droppedData.Inc()
			c.logger.Warn("start dropping unitdata log entries")
			return
		}
		if c.filter.sizeLimit > 0 && len(e.Body) > c.filter.sizeLimit {
			e.Body = e.Body[:c.filter.sizeLimit]
		}
	}

	select {
	case c.ch <- e:
		c.delivered.Inc()
	default:
		c.dropped.Inc()
	}
}

func (c *LogClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Hub fans logged signals out to every registered client.
type Hub struct {
	bufSize int
	logger  *slog.Logger
	seq     atomic.Uint64

	mu      sync.RWMutex
	clients map[uuid.UUID]*LogClient
}

// NewHub returns a hub whose clients queue up to bufSize entries.
func NewHub(bufSize int, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if bufSize <= 0 {
		bufSize = DefaultClientBuffer
	}
	return &Hub{
		bufSize: bufSize,
		logger:  logger.With("component", "udi"),
		clients: make(map[uuid.UUID]*LogClient),
	}
}

// Register adds a client receiving signals that pass f.
func (h *Hub) Register(f Filter) (*LogClient, error) {
	cf, err := f.compile()
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	c := &LogClient{
		id:          id,
		filter:      cf,
		logger:      h.logger.With("client", id),
		ch:          make(chan Entry, h.bufSize),
		restart:     h.bufSize * 9 / 10,
		dataMax:     h.bufSize * 9 / 10,
		dataRestart: h.bufSize * 8 / 10,
	}

	h.mu.Lock()
	h.clients[id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("log client registered", "client", id, "clients", n)
	return c, nil
}

// Unregister removes c and closes its channel. It reports false when c
// was not registered.
func (h *Hub) Unregister(c *LogClient) bool {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return false
	}
	c.close()
	h.logger.Info("log client unregistered", "client", c.id, "clients", n, "dropped", c.Dropped())
	return true
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unregisters every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[uuid.UUID]*LogClient)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// LogSignal copies sig to every client. It never blocks.
func (h *Hub) LogSignal(sig *hip.Signal, dir hip.Direction) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	body := append([]byte(nil), sig.Body()...)
	e := Entry{
		Seq:       h.seq.Inc(),
		Direction: dir,
		Header:    sig.Header,
		Body:      body,
		Length:    len(body),
		Time:      time.Now(),
	}
	for _, c := range h.clients {
		c.offer(e)
	}
}
