package helpers

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Change describes a completed state mutation. Listeners re-read the component
// they care about; the change itself carries no state.
type Change struct {
	Component      string `json:"component"`
	Op             string `json:"op"`
	Version        int64  `json:"version"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type listener struct {
	id int
	fn func(Change)
}

// Notifier fans out Change values to in-process listeners and, when publishers
// are registered, to watermill topics as JSON messages.
//
// A nil *Notifier is valid and drops everything.
type Notifier struct {
	mu         sync.Mutex
	listeners  []listener
	nextID     int
	publishers map[string][]message.Publisher
	logger     zerolog.Logger
}

func NewNotifier() *Notifier {
	return &Notifier{
		publishers: make(map[string][]message.Publisher),
		logger:     log.Logger,
	}
}

func (n *Notifier) WithLogger(logger zerolog.Logger) *Notifier {
	n.logger = logger
	return n
}

// Subscribe registers fn and returns a function removing it again. Listeners
// are called synchronously, in registration order, on the goroutine that
// completed the mutation.
func (n *Notifier) Subscribe(fn func(Change)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.listeners = append(n.listeners, listener{id: id, fn: fn})

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, l := range n.listeners {
			if l.id == id {
				n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
				return
			}
		}
	}
}

// AddPublisher forwards every change to topic on pub. Messages carry the
// conversation id as correlation id.
func (n *Notifier) AddPublisher(topic string, pub message.Publisher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.publishers[topic] = append(n.publishers[topic], CorrelationPublisherDecorator{Publisher: pub})
}

// Notify must not be called while holding a state lock.
func (n *Notifier) Notify(c Change) {
	if n == nil {
		return
	}

	n.mu.Lock()
	listeners := make([]listener, len(n.listeners))
	copy(listeners, n.listeners)
	publishers := make(map[string][]message.Publisher, len(n.publishers))
	for topic, pubs := range n.publishers {
		publishers[topic] = append([]message.Publisher(nil), pubs...)
	}
	n.mu.Unlock()

	for _, l := range listeners {
		l.fn(c)
	}

	if len(publishers) == 0 {
		return
	}

	b, err := json.Marshal(c)
	if err != nil {
		n.logger.Warn().Err(err).Msg("failed to marshal change")
		return
	}

	for topic, pubs := range publishers {
		for _, pub := range pubs {
			msg := message.NewMessage(watermill.NewUUID(), b)
			ctx := context.Background()
			if c.ConversationID != "" {
				ctx = ContextWithCorrelationID(ctx, c.ConversationID)
			}
			msg.SetContext(ctx)
			if err := pub.Publish(topic, msg); err != nil {
				n.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish change")
			}
		}
	}
}
