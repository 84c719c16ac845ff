// internal/agent/events.go
package agent

import (
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Bus fans engine progress events out to subscribers using a Pub/Sub model.
// Publishing never blocks the execution loop: a subscriber whose buffer is
// full loses the event with a warning instead of stalling a step. The only
// engine waits with a response path are confirmation and guidance, and those
// run through the Confirmer, not the bus.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[int]chan schemas.EngineEvent
	nextID      int
	bufferSize  int
	isShutdown  bool
}

// Statically assert that Bus satisfies the sink the engine publishes to.
var _ schemas.EventSink = (*Bus)(nil)

// NewBus initializes the event bus.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[int]chan schemas.EngineEvent),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel of engine events and an unsubscribe function.
// The unsubscribe function is idempotent and closes the channel. Subscribing
// after shutdown yields an already-closed channel so consumers drain and exit
// uniformly.
func (b *Bus) Subscribe() (<-chan schemas.EngineEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan schemas.EngineEvent, b.bufferSize)
	if b.isShutdown {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subscribers[id]; !ok {
				return
			}
			delete(b.subscribers, id)
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish delivers the event to every subscriber without blocking. Holding
// the read lock through the sends is safe because each send is a non-blocking
// select, and it guarantees Shutdown cannot close a channel mid-send.
func (b *Bus) Publish(ev schemas.EngineEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.isShutdown {
		return
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				zap.Int("subscriber_id", id),
				zap.String("event_type", string(ev.Type)),
				zap.String("request_id", ev.RequestID),
			)
		}
	}
}

// Shutdown closes every subscriber channel and rejects further publishes.
// Buffered events remain readable by consumers until they drain the closed
// channels. Safe to call more than once.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isShutdown {
		return
	}
	b.isShutdown = true

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.logger.Debug("Event bus shut down")
}
