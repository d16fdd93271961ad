package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentEvent is a status change of one of a user's payments
type PaymentEvent struct {
	// Kind is "crypto_intent" or "fiat_session"
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	KindCryptoIntent = "crypto_intent"
	KindFiatSession  = "fiat_session"
)

// Hub fans payment events out to the owning user's open streams
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[chan PaymentEvent]struct{}
	logger      *zap.Logger
	bufferSize  int
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[uuid.UUID]map[chan PaymentEvent]struct{}),
		logger:      logger,
		bufferSize:  10,
	}
}

// Subscribe returns a channel receiving the user's events until Unsubscribe
func (h *Hub) Subscribe(userID uuid.UUID) chan PaymentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan PaymentEvent, h.bufferSize)
	if h.subscribers[userID] == nil {
		h.subscribers[userID] = make(map[chan PaymentEvent]struct{})
	}
	h.subscribers[userID][ch] = struct{}{}

	h.logger.Debug("payment stream subscribed",
		zap.String("user_id", userID.String()),
		zap.Int("user_streams", len(h.subscribers[userID])),
	)
	return ch
}

func (h *Hub) Unsubscribe(userID uuid.UUID, ch chan PaymentEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[userID]
	if !ok {
		return
	}
	if _, exists := subs[ch]; !exists {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, userID)
	}
}

// Publish never blocks; a stream with a full buffer misses the event
func (h *Hub) Publish(userID uuid.UUID, event PaymentEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[userID] {
		select {
		case ch <- event:
		default:
			h.logger.Warn("dropping payment event, stream buffer full",
				zap.String("user_id", userID.String()),
				zap.String("kind", event.Kind),
				zap.String("id", event.ID),
				zap.String("status", event.Status),
			)
		}
	}
}

// SubscriberCount returns the number of open streams for a user
func (h *Hub) SubscriberCount(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID])
}
