package notifier

import (
	"sync"

	"telegram-grid-bot-go/internal/models"

	"go.uber.org/zap"
)

// Subscriber receives every event, in dispatch order, on the hub's goroutine.
type Subscriber interface {
	HandleEvent(event models.Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(event models.Event)

func (f SubscriberFunc) HandleEvent(event models.Event) { f(event) }

const defaultHistorySize = 20

// Hub fans session events out to subscribers.
// All events are processed serially by a single goroutine, so subscribers
// never run concurrently with each other.
type Hub struct {
	eventChannel chan models.Event
	stopChan     chan struct{}
	doneChan     chan struct{}
	stopOnce     sync.Once
	logger       *zap.Logger

	mu          sync.RWMutex
	subscribers []Subscriber
	history     map[int64][]models.Event
	historySize int
	dropped     int
}

// NewHub creates a new Hub with the given channel buffer size.
func NewHub(bufferSize int, logger *zap.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Hub{
		eventChannel: make(chan models.Event, bufferSize),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
		logger:       logger,
		history:      make(map[int64][]models.Event),
		historySize:  defaultHistorySize,
	}
}

// Subscribe registers a subscriber. Must be called before Start.
func (h *Hub) Subscribe(s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, s)
}

// Start begins the event processing loop.
func (h *Hub) Start() {
	go h.eventLoop()
	h.logger.Sugar().Info("Notifier hub started.")
}

// Stop delivers any events still buffered, then shuts the loop down.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
	})
	<-h.doneChan
	h.logger.Sugar().Info("Notifier hub stopped.")
}

// Dispatch queues an event without blocking. Events are dropped (and
// counted) when the buffer is full so a slow subscriber never stalls a
// trading loop. Terminal events are never dropped.
func (h *Hub) Dispatch(event models.Event) {
	if event.Terminal() {
		select {
		case h.eventChannel <- event:
		case <-h.stopChan:
		}
		return
	}
	select {
	case h.eventChannel <- event:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		h.logger.Sugar().Warnf("Event buffer full, dropping %s event for user %d", event.Kind, event.UserID)
	}
}

// Recent returns a copy of the most recent events for a user, oldest first.
func (h *Hub) Recent(userID int64) []models.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	events := h.history[userID]
	out := make([]models.Event, len(events))
	copy(out, events)
	return out
}

// Dropped returns how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (h *Hub) eventLoop() {
	defer close(h.doneChan)
	for {
		select {
		case event := <-h.eventChannel:
			h.processEvent(event)
		case <-h.stopChan:
			for {
				select {
				case event := <-h.eventChannel:
					h.processEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) processEvent(event models.Event) {
	h.mu.Lock()
	events := append(h.history[event.UserID], event)
	if len(events) > h.historySize {
		events = events[len(events)-h.historySize:]
	}
	h.history[event.UserID] = events
	subscribers := h.subscribers
	h.mu.Unlock()

	for _, s := range subscribers {
		h.deliver(s, event)
	}
}

// deliver isolates subscribers from each other: a panicking subscriber is logged.
func (h *Hub) deliver(s Subscriber, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Sugar().Errorf("Subscriber panicked handling %s event for user %d: %v", event.Kind, event.UserID, r)
		}
	}()
	s.HandleEvent(event)
}
