// ABOUTME: Relay connection pool: publish fan-out, filtered subscriptions, per-relay status
// ABOUTME: Wraps nostr.SimplePool with backoff, demotion, and bounded drop-oldest delivery

package relay

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Status of a single relay connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusConnecting:
		return "connecting"
	default:
		return "disconnected"
	}
}

const (
	// defaultPublishTimeout bounds the background settle of a publish fan-out.
	defaultPublishTimeout = 10 * time.Second

	// subscribeBufferSize is the bounded per-subscription channel. When the
	// consumer lags past it, the oldest unprocessed event is dropped and a
	// gap marker surfaced.
	subscribeBufferSize = 512

	// demoteAfterFailures is the consecutive-publish-failure threshold after
	// which a relay is demoted. Demoted relays keep their pool slot.
	demoteAfterFailures = 5

	maxBackoff = 60 * time.Second
)

// Incoming is one delivery from a subscription. When Gap is true the event
// is nil: events were dropped under backpressure and the caller should
// re-fetch the window since GapSince.
type Incoming struct {
	Event    *nostr.Event
	Relay    string
	Gap      bool
	GapSince nostr.Timestamp
}

// PublishReceipt reports a publish fan-out. Acked and Failed are complete
// only once Done is closed; FirstAck is valid as soon as Publish returns
// without error.
type PublishReceipt struct {
	FirstAck string
	Done     <-chan struct{}

	mu     sync.Mutex
	acked  []string
	failed map[string]error
}

// Acked returns the relays that have acknowledged so far.
func (r *PublishReceipt) Acked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.acked...)
}

// Failed returns the per-relay errors recorded so far.
func (r *PublishReceipt) Failed() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]error, len(r.failed))
	for k, v := range r.failed {
		out[k] = v
	}
	return out
}

// relayState tracks health bookkeeping for one canonical URL.
type relayState struct {
	status   Status
	failures int
	demoted  bool
}

// Router maintains the process-wide relay pool. One Router is shared by all
// accounts; per-account scoping happens at the subscription filters.
type Router struct {
	pool           *nostr.SimplePool
	publishTimeout time.Duration
	logger         *slog.Logger

	mu     sync.RWMutex
	relays map[string]*relayState
}

// NewRouter creates a Router whose connections live until ctx is cancelled.
func NewRouter(ctx context.Context, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		pool:           nostr.NewSimplePool(ctx),
		publishTimeout: defaultPublishTimeout,
		relays:         make(map[string]*relayState),
		logger:         logger.With("component", "relay"),
	}
}

func (r *Router) state(url string) *relayState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.relays[url]
	if !ok {
		st = &relayState{}
		r.relays[url] = st
	}
	return st
}

func (r *Router) markResult(url string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, found := r.relays[url]
	if !found {
		st = &relayState{}
		r.relays[url] = st
	}
	if ok {
		st.status = StatusConnected
		st.failures = 0
		st.demoted = false
		return
	}
	st.status = StatusDisconnected
	st.failures++
	if st.failures >= demoteAfterFailures && !st.demoted {
		st.demoted = true
		r.logger.Warn("relay demoted after repeated failures", "relay", url, "failures", st.failures)
	}
}

// Publish fans an event out to the given relays in parallel. It returns as
// soon as one relay acks (or all have failed); remaining attempts settle in
// the background until the publish timeout. A publish that reaches at least
// one relay is a success.
func (r *Router) Publish(ctx context.Context, ev nostr.Event, relays []string) (*PublishReceipt, error) {
	urls := make([]string, 0, len(relays))
	for _, raw := range relays {
		u, err := Canonicalize(raw)
		if err != nil {
			r.logger.Warn("skipping invalid relay URL", "url", raw, "error", err)
			continue
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}

	done := make(chan struct{})
	receipt := &PublishReceipt{Done: done, failed: make(map[string]error)}

	// The settle context outlives the caller's: a caller that returns on
	// first ack must not cancel in-flight publishes to the slower relays.
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), r.publishTimeout)

	firstAck := make(chan string, 1)
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r.state(url).status = StatusConnecting
			rl, err := r.pool.EnsureRelay(url)
			if err == nil {
				err = rl.Publish(settleCtx, ev)
			}
			r.markResult(url, err == nil)

			receipt.mu.Lock()
			if err == nil {
				receipt.acked = append(receipt.acked, url)
			} else {
				receipt.failed[url] = err
			}
			receipt.mu.Unlock()

			if err == nil {
				select {
				case firstAck <- url:
				default:
				}
			} else {
				r.logger.Debug("publish failed", "relay", url, "event", ev.ID, "error", err)
			}
		}(url)
	}

	allSettled := make(chan struct{})
	go func() {
		wg.Wait()
		close(allSettled)
		settleCancel()
		close(done)
	}()

	select {
	case url := <-firstAck:
		receipt.FirstAck = url
		return receipt, nil
	case <-allSettled:
		// Nothing acked.
		select {
		case url := <-firstAck:
			receipt.FirstAck = url
			return receipt, nil
		default:
		}
		return receipt, ErrPublishFailed
	case <-ctx.Done():
		return receipt, ctx.Err()
	}
}

// Subscribe opens a long-lived subscription over the given relays. The
// returned channel is bounded; under consumer lag the oldest undelivered
// events are dropped and a single gap marker is queued in their place. The
// subscription re-establishes itself with jittered exponential backoff and
// never gives up until ctx is cancelled.
func (r *Router) Subscribe(ctx context.Context, relays []string, filter nostr.Filter) (<-chan Incoming, error) {
	urls := make([]string, 0, len(relays))
	for _, raw := range relays {
		u, err := Canonicalize(raw)
		if err != nil {
			r.logger.Warn("skipping invalid relay URL", "url", raw, "error", err)
			continue
		}
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, ErrNoRelays
	}

	out := make(chan Incoming, subscribeBufferSize)
	go r.subscribeLoop(ctx, urls, filter, out)
	return out, nil
}

// subscribeLoop owns the upstream pool subscription and the bounded
// delivery into out.
func (r *Router) subscribeLoop(ctx context.Context, urls []string, filter nostr.Filter, out chan Incoming) {
	defer close(out)

	backoff := time.Second
	for {
		for _, u := range urls {
			r.state(u).status = StatusConnecting
		}
		upstream := r.pool.SubscribeMany(ctx, urls, filter)

		delivered := false
		for ie := range upstream {
			if ie.Event == nil {
				continue
			}
			delivered = true
			url := ""
			if ie.Relay != nil {
				url = ie.Relay.URL
			}
			r.markResult(url, true)
			r.deliver(out, Incoming{Event: ie.Event, Relay: url})
		}

		if ctx.Err() != nil {
			return
		}

		// Upstream closed: reconnect after backoff with jitter.
		if delivered {
			backoff = time.Second
		}
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		r.logger.Debug("subscription ended, reconnecting", "relays", len(urls), "backoff", sleep)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// deliver enqueues in, dropping the oldest buffered event and queueing a gap
// marker when the consumer has fallen behind the channel capacity.
func (r *Router) deliver(out chan Incoming, in Incoming) {
	select {
	case out <- in:
		return
	default:
	}

	// Channel full: drop the two oldest entries, one slot for the gap marker
	// and one for in. The gap marker tells the consumer to re-fetch by time
	// range from the earliest dropped timestamp.
	var since nostr.Timestamp
	dropped := false
	for i := 0; i < 2; i++ {
		select {
		case old := <-out:
			t := old.GapSince
			if old.Event != nil {
				t = old.Event.CreatedAt
			}
			if !dropped || t < since {
				since = t
			}
			dropped = true
		default:
		}
	}
	select {
	case out <- Incoming{Gap: true, GapSince: since}:
	default:
	}
	select {
	case out <- in:
	default:
	}
}

// StatusSnapshot returns the current per-relay connection status.
func (r *Router) StatusSnapshot() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.relays))
	for url, st := range r.relays {
		out[url] = st.status
	}
	return out
}

// Demoted reports whether a relay has been demoted for repeated failures.
func (r *Router) Demoted(url string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.relays[MustCanonicalize(url)]
	return ok && st.demoted
}

// QuerySync fetches events matching filter from the given relays, returning
// once all relays respond or ctx expires. Used for bounded backfills.
func (r *Router) QuerySync(ctx context.Context, relays []string, filter nostr.Filter) []*nostr.Event {
	urls := make([]string, 0, len(relays))
	for _, raw := range relays {
		if u, err := Canonicalize(raw); err == nil {
			urls = append(urls, u)
		}
	}
	var events []*nostr.Event
	seen := make(map[string]struct{})
	for ie := range r.pool.FetchMany(ctx, urls, filter) {
		if ie.Event == nil {
			continue
		}
		if _, dup := seen[ie.Event.ID]; dup {
			continue
		}
		seen[ie.Event.ID] = struct{}{}
		events = append(events, ie.Event)
	}
	return events
}
