package bus

import (
	"sync"
	"time"

	"github.com/nevil-robotics/nevil-core/pkg/logging"
)

// DefaultQueueDepth is the bounded depth given to every subscriber queue
// unless a node requests a different one at wiring time.
const DefaultQueueDepth = 100

// Queue is the read/write handle a subscriber owns. The bus only ever holds
// the write side; NodeRuntime holds the read side.
type Queue chan Message

// Bus is a thread-safe, in-process topic registry with bounded per-subscriber
// queues and fan-out publish. It never blocks a publisher: a full subscriber
// queue simply drops that one delivery.
//
// The zero value is not usable; construct with New.
type Bus struct {
	mu    sync.RWMutex
	log   logging.Logger
	start time.Time

	topics      map[string]map[string]Queue // topic -> nodeName -> queue
	subscribers map[string]map[string]Queue // nodeName -> topic -> queue

	messageCount uint64
	errorCount   uint64
}

// New creates an empty Bus.
func New(log logging.Logger) *Bus {
	if log == nil {
		log = logging.Discard
	}
	return &Bus{
		log:         logging.Named(log, "bus"),
		start:       time.Now(),
		topics:      make(map[string]map[string]Queue),
		subscribers: make(map[string]map[string]Queue),
	}
}

// CreateTopic registers a topic if it does not already exist. Idempotent.
func (b *Bus) CreateTopic(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createTopicLocked(topic)
}

func (b *Bus) createTopicLocked(topic string) {
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = make(map[string]Queue)
		b.log.Debug("created topic", "topic", topic)
	}
}

// Subscribe registers queue under topic for node. The bus takes no depth;
// the caller (NodeRuntime) allocates the channel with the depth it wants
// (DefaultQueueDepth by default).
//
// Subscribing the same (node, topic) pair twice is idempotent: the second
// call replaces the queue registered for the first.
func (b *Bus) Subscribe(node, topic string, q Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createTopicLocked(topic)
	b.topics[topic][node] = q
	if b.subscribers[node] == nil {
		b.subscribers[node] = make(map[string]Queue)
	}
	b.subscribers[node][topic] = q
	b.log.Debug("subscribed", "node", node, "topic", topic)
}

// Unsubscribe removes node's subscription to topic. A no-op if the
// subscription does not exist.
func (b *Bus) Unsubscribe(node, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[node]; ok {
		delete(subs, topic)
	}
	if nodes, ok := b.topics[topic]; ok {
		delete(nodes, node)
	}
	b.log.Debug("unsubscribed", "node", node, "topic", topic)
}

// Publish fans msg out to every subscriber queue on msg.Topic. It always
// returns true, even with zero subscribers: publishing is success-by-default.
// A full subscriber queue drops that one delivery and increments the error
// count; it never blocks the publisher and never affects other subscribers.
func (b *Bus) Publish(msg Message) bool {
	b.mu.RLock()
	nodes := b.topics[msg.Topic]
	queues := make([]Queue, 0, len(nodes))
	for _, q := range nodes {
		queues = append(queues, q)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, q := range queues {
		select {
		case q <- msg:
			delivered++
		default:
			b.mu.Lock()
			b.errorCount++
			b.mu.Unlock()
			b.log.Warn("queue full, dropping message", "topic", msg.Topic)
		}
	}

	b.mu.Lock()
	b.messageCount++
	b.mu.Unlock()

	b.log.Debug("published", "topic", msg.Topic, "source", msg.SourceNode, "subscribers", delivered)
	return true
}

// Stats is a snapshot of bus-wide counters for monitoring.
type Stats struct {
	MessageCount      uint64
	ErrorCount        uint64
	TopicCount        int
	SubscriberCount   int
	Topics            []string
	Uptime            time.Duration
	MessagesPerSecond float64
}

// Stats returns current bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.topics))
	for t := range b.topics {
		topics = append(topics, t)
	}
	subs := 0
	for _, ts := range b.subscribers {
		subs += len(ts)
	}
	uptime := time.Since(b.start)
	var mps float64
	if uptime > 0 {
		mps = float64(b.messageCount) / uptime.Seconds()
	}
	return Stats{
		MessageCount:      b.messageCount,
		ErrorCount:        b.errorCount,
		TopicCount:        len(b.topics),
		SubscriberCount:   subs,
		Topics:            topics,
		Uptime:            uptime,
		MessagesPerSecond: mps,
	}
}

// TopicInfo describes a single topic's current subscribers.
type TopicInfo struct {
	Exists          bool
	SubscriberCount int
	Subscribers     []string
}

// TopicInfo returns information about a specific topic.
func (b *Bus) TopicInfo(topic string) TopicInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	nodes, ok := b.topics[topic]
	if !ok {
		return TopicInfo{}
	}
	names := make([]string, 0, len(nodes))
	for n := range nodes {
		names = append(names, n)
	}
	return TopicInfo{Exists: true, SubscriberCount: len(nodes), Subscribers: names}
}

// Shutdown clears all subscriptions. The bus itself holds no goroutines to
// stop; this only drops its queue references so subscribers can be garbage
// collected once their owning nodes exit.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log.Info("shutting down", "messages_processed", b.messageCount)
	b.topics = make(map[string]map[string]Queue)
	b.subscribers = make(map[string]map[string]Queue)
}
