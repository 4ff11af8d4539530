// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package stream fans committed events out to live subscribers, one feed per
// run. Delivery is best effort: a subscriber that stops draining its buffer
// is dropped and must reconnect and catch up by sequence number.
package stream

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/alexandergreif/soullink-tracker/event"
	"github.com/alexandergreif/soullink-tracker/log"
	"github.com/alexandergreif/soullink-tracker/metrics"
)

const (
	// subscriber buffer; a websocket writer that falls this far behind is
	// better served by a reconnect + catch-up than by backpressure.
	subscriberBuffer = 64

	messageCacheSize = 1024
)

var (
	logger            = log.WithContext("pkg", "stream")
	metricSubscribers = metrics.Gauge("stream_subscribers_gauge")
	metricDropped     = metrics.Counter("stream_dropped_subscribers_count")
	metricPublished   = metrics.Counter("stream_published_count")
)

// Message is one event as delivered to subscribers.
type Message struct {
	Seq  uint64
	Data []byte // wire-format envelope JSON
}

type Broadcaster struct {
	mu   sync.Mutex
	runs map[uuid.UUID]map[chan *Message]struct{}

	// marshaled envelopes by event id; multiple subscribers and the
	// catch-up path share one encode.
	cache *lru.Cache

	done chan struct{}
}

func NewBroadcaster() *Broadcaster {
	cache, _ := lru.New(messageCacheSize)
	return &Broadcaster{
		runs:  make(map[uuid.UUID]map[chan *Message]struct{}),
		cache: cache,
		done:  make(chan struct{}),
	}
}

// Encode marshals the envelope to wire format, memoized by event id.
func (b *Broadcaster) Encode(env *event.Envelope) ([]byte, error) {
	if cached, ok := b.cache.Get(env.ID); ok {
		return cached.([]byte), nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	b.cache.Add(env.ID, data)
	return data, nil
}

// Publish delivers the committed envelope to the run's subscribers. Full
// subscriber buffers cause a drop, never a stall of the ingestion path.
func (b *Broadcaster) Publish(env *event.Envelope) {
	data, err := b.Encode(env)
	if err != nil {
		logger.Error("encode event for broadcast", "err", err, "event", env.ID)
		return
	}
	msg := &Message{Seq: env.Seq, Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.runs[env.RunID]
	for ch := range subs {
		select {
		case ch <- msg:
		default:
			delete(subs, ch)
			close(ch)
			metricSubscribers.Add(-1)
			metricDropped.Add(1)
			logger.Info("dropped slow subscriber", "run", env.RunID)
		}
	}
	metricPublished.Add(1)
}

// Subscribe registers a live feed for the run. The returned channel closes
// when the subscriber is dropped or unsubscribed; unsubscribe is idempotent.
func (b *Broadcaster) Subscribe(run uuid.UUID) (<-chan *Message, func()) {
	ch := make(chan *Message, subscriberBuffer)

	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	subs := b.runs[run]
	if subs == nil {
		subs = make(map[chan *Message]struct{})
		b.runs[run] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()
	metricSubscribers.Add(1)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.runs[run]; ok {
				if _, live := subs[ch]; live {
					delete(subs, ch)
					close(ch)
					metricSubscribers.Add(-1)
				}
				if len(subs) == 0 {
					delete(b.runs, run)
				}
			}
		})
	}
}

// SubscriberCount reports the run's live subscriber count.
func (b *Broadcaster) SubscriberCount(run uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs[run])
}

// Close drops every subscriber and refuses new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return
	default:
	}
	close(b.done)
	for run, subs := range b.runs {
		for ch := range subs {
			close(ch)
		}
		delete(b.runs, run)
	}
}
