// ABOUTME: In-memory fan-out of newly aggregated messages to per-group subscribers
// ABOUTME: Backs the "new message in group X" notification surface without polling

package aggregator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Broadcaster provides in-memory pub/sub for folded ChatMessages.
// Subscribers register for an MLS group id and receive each message as its
// fold changes (new message, reaction added, deletion applied).
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *ChatMessage // groupID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *ChatMessage),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for messages in the given group. Returns
// a channel and a subscription id for later unsubscription. The
// subscription is cleaned up automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, mlsGroupID string) (<-chan *ChatMessage, string) {
	subID := uuid.New().String()
	ch := make(chan *ChatMessage, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[mlsGroupID]; !ok {
		b.subscribers[mlsGroupID] = make(map[string]chan *ChatMessage)
	}
	b.subscribers[mlsGroupID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "group", mlsGroupID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(mlsGroupID, subID)
	}()

	return ch, subID
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(mlsGroupID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[mlsGroupID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.subscribers, mlsGroupID)
	}
	close(ch)
}

// Publish sends a folded message to all subscribers of its group.
// Non-blocking: messages are dropped for subscribers whose channels are
// full; they re-query the aggregator on demand anyway.
func (b *Broadcaster) Publish(msg *ChatMessage) {
	if msg == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[msg.MLSGroupID] {
		select {
		case ch <- msg:
		default:
			b.logger.Debug("subscriber channel full, dropping", "group", msg.MLSGroupID, "sub_id", subID)
		}
	}
}
