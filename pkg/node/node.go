// Package node provides the runtime every node runs inside: declarative
// topic wiring, the main/message/heartbeat workers, and the bounded error
// semantics that keep one misbehaving node from taking the process down.
package node

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nevil-robotics/nevil-core/pkg/bus"
	"github.com/nevil-robotics/nevil-core/pkg/config"
	"github.com/nevil-robotics/nevil-core/pkg/jsontime"
	"github.com/nevil-robotics/nevil-core/pkg/logging"
)

// Status is the node lifecycle state.
type Status int32

const (
	StatusInitializing Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return "initializing"
	}
}

// MaxMainLoopErrors is the error threshold that trips a node into ERROR
// and stops its main worker.
const MaxMainLoopErrors = 10

// HeartbeatInterval is how often a node reports on system_heartbeat when
// that topic is in its declared publish set.
const HeartbeatInterval = 5 * time.Second

// Handler processes one delivered message. Handlers for a given node run
// serially on the node's single message worker.
type Handler func(msg bus.Message)

// Body is the user-supplied part of a node. Initialize errors are fatal
// to the node and surfaced to the launcher; Cleanup errors are logged.
type Body interface {
	// Initialize runs once before the workers start.
	Initialize(rt *Runtime) error

	// Callbacks names the handlers available for descriptor wiring.
	// Every callback a descriptor's subscribes section references must
	// appear here, or wiring fails.
	Callbacks() map[string]Handler

	// Cleanup runs during stop, after the workers have been signaled.
	Cleanup(rt *Runtime) error
}

// MainLooper is implemented by bodies that want the main worker to invoke
// a periodic hook. Errors and panics are counted; MaxMainLoopErrors trips
// the node into ERROR.
type MainLooper interface {
	MainLoop(rt *Runtime) error
}

type subscription struct {
	topic   string
	queue   bus.Queue
	handler Handler
}

// Runtime hosts one node: its wiring, its workers, and its counters. The
// runtime holds a non-owning handle to the bus; the bus holds only queue
// handles, never node references.
type Runtime struct {
	name string
	desc *config.Node
	body Body
	log  logging.Logger

	b          *bus.Bus
	publishSet map[string]bool
	subs       []subscription

	// MainLoopInterval paces main-loop invocations. Zero means 100 ms.
	MainLoopInterval time.Duration

	status        atomic.Int32
	errorCount    atomic.Int32
	lastHeartbeat atomic.Int64 // unix milli
	startedAt     time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRuntime creates the runtime for body under the given descriptor.
func NewRuntime(name string, desc *config.Node, body Body, log logging.Logger) *Runtime {
	if log == nil {
		log = logging.Discard
	}
	rt := &Runtime{
		name:       name,
		desc:       desc,
		body:       body,
		log:        logging.Named(log, name),
		publishSet: desc.PublishTopics(),
		stopCh:     make(chan struct{}),
	}
	rt.status.Store(int32(StatusInitializing))
	return rt
}

// Name returns the node name.
func (rt *Runtime) Name() string { return rt.name }

// Log returns the node-scoped logger.
func (rt *Runtime) Log() logging.Logger { return rt.log }

// Descriptor returns the node's declarative descriptor.
func (rt *Runtime) Descriptor() *config.Node { return rt.desc }

// Status returns the current lifecycle state.
func (rt *Runtime) Status() Status {
	return Status(rt.status.Load())
}

// ErrorCount returns the accumulated error count.
func (rt *Runtime) ErrorCount() int {
	return int(rt.errorCount.Load())
}

// CountError increments the node's error counter. Bodies call this for
// hardware failures so the threshold semantics apply uniformly.
func (rt *Runtime) CountError() {
	rt.errorCount.Add(1)
}

// ShuttingDown returns a channel closed when the node is asked to stop.
// Bodies select on it inside long-running work.
func (rt *Runtime) ShuttingDown() <-chan struct{} {
	return rt.stopCh
}

// Attach wires the node to the bus: one bounded queue per declared
// subscription, each verified against the body's callback map. Wiring
// failure is a ConfigError, fatal to this node's startup.
func (rt *Runtime) Attach(b *bus.Bus) error {
	callbacks := rt.body.Callbacks()
	for _, sub := range rt.desc.Subscribes {
		handler, ok := callbacks[sub.Callback]
		if !ok {
			return fmt.Errorf("node %s: subscribed topic %q names unknown callback %q", rt.name, sub.Topic, sub.Callback)
		}
		q := make(bus.Queue, bus.DefaultQueueDepth)
		rt.subs = append(rt.subs, subscription{topic: sub.Topic, queue: q, handler: handler})
	}
	rt.b = b
	for _, sub := range rt.subs {
		b.Subscribe(rt.name, sub.topic, sub.queue)
	}
	for topic := range rt.publishSet {
		b.CreateTopic(topic)
	}
	return nil
}

// Start initializes the body and spawns the main, message, and heartbeat
// workers. An Initialize error leaves the node in ERROR and is returned.
func (rt *Runtime) Start() error {
	if rt.b == nil {
		return fmt.Errorf("node %s: Start before Attach", rt.name)
	}
	if err := rt.body.Initialize(rt); err != nil {
		rt.status.Store(int32(StatusError))
		return fmt.Errorf("node %s: initialize: %w", rt.name, err)
	}
	rt.startedAt = time.Now()
	rt.status.Store(int32(StatusRunning))

	rt.wg.Add(2)
	go rt.messageWorker()
	go rt.heartbeatWorker()
	if _, ok := rt.body.(MainLooper); ok {
		rt.wg.Add(1)
		go rt.mainWorker()
	}
	rt.log.Info("started")
	return nil
}

// Stop signals the workers, runs Cleanup, and waits up to timeout for the
// workers to exit. It reports whether shutdown completed in time.
func (rt *Runtime) Stop(timeout time.Duration) bool {
	rt.status.Store(int32(StatusStopping))
	rt.stopOnce.Do(func() { close(rt.stopCh) })

	if err := rt.body.Cleanup(rt); err != nil {
		rt.log.Warn("cleanup failed", "error", err)
	}
	if rt.b != nil {
		for _, sub := range rt.subs {
			rt.b.Unsubscribe(rt.name, sub.topic)
		}
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		rt.status.Store(int32(StatusStopped))
		rt.log.Info("stopped")
		return true
	case <-time.After(timeout):
		rt.status.Store(int32(StatusStopped))
		rt.log.Warn("workers did not exit before deadline")
		return false
	}
}

// Publish verifies topic is in the declared publish set, wraps data into
// a message, and hands it to the bus. Publishing an undeclared topic
// returns false without raising.
func (rt *Runtime) Publish(topic string, data any, priority bus.Priority) bool {
	if !rt.publishSet[topic] {
		rt.log.Warn("publish to undeclared topic", "topic", topic)
		return false
	}
	return rt.b.Publish(bus.NewMessage(topic, data, rt.name, priority))
}

func (rt *Runtime) mainWorker() {
	defer rt.wg.Done()
	looper := rt.body.(MainLooper)
	interval := rt.MainLoopInterval
	if interval == 0 {
		interval = 100 * time.Millisecond
	}
	for {
		select {
		case <-rt.stopCh:
			return
		default:
		}
		if err := rt.invokeMainLoop(looper); err != nil {
			rt.log.Error("main loop error", "error", err, "error_count", rt.errorCount.Load()+1)
			if rt.errorCount.Add(1) >= MaxMainLoopErrors {
				rt.status.Store(int32(StatusError))
				rt.log.Error("error threshold reached, main loop halted")
				return
			}
		}
		select {
		case <-rt.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

func (rt *Runtime) invokeMainLoop(looper MainLooper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return looper.MainLoop(rt)
}

// messageWorker serially drains every subscribed queue. All deliveries for
// this node run on this one goroutine, so handlers never race each other.
func (rt *Runtime) messageWorker() {
	defer rt.wg.Done()
	for {
		delivered := false
		for _, sub := range rt.subs {
			select {
			case msg := <-sub.queue:
				delivered = true
				rt.deliver(sub, msg)
			default:
			}
			select {
			case <-rt.stopCh:
				return
			default:
			}
		}
		if !delivered {
			select {
			case <-rt.stopCh:
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
}

func (rt *Runtime) deliver(sub subscription, msg bus.Message) {
	defer func() {
		if r := recover(); r != nil {
			rt.errorCount.Add(1)
			rt.log.Error("message handler panic", "topic", sub.topic, "panic", r)
		}
	}()
	sub.handler(msg)
}

// Heartbeat is the record published on system_heartbeat.
type Heartbeat struct {
	NodeName   string         `json:"node_name"`
	Status     string         `json:"status"`
	Timestamp  jsontime.Milli `json:"timestamp"`
	ErrorCount int            `json:"error_count"`
	Uptime     float64        `json:"uptime_seconds"`
}

func (rt *Runtime) heartbeatWorker() {
	defer rt.wg.Done()
	if !rt.publishSet[bus.TopicSystemHeartbeat] {
		return
	}
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rt.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			rt.lastHeartbeat.Store(now.UnixMilli())
			rt.Publish(bus.TopicSystemHeartbeat, Heartbeat{
				NodeName:   rt.name,
				Status:     rt.Status().String(),
				Timestamp:  jsontime.At(now),
				ErrorCount: rt.ErrorCount(),
				Uptime:     now.Sub(rt.startedAt).Seconds(),
			}, bus.PriorityLow)
		}
	}
}

// Info is a monitor snapshot of one node.
type Info struct {
	Name          string         `json:"name"`
	Status        string         `json:"status"`
	ErrorCount    int            `json:"error_count"`
	LastHeartbeat jsontime.Milli `json:"last_heartbeat,omitempty"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Publishes     []string       `json:"publishes"`
	Subscribes    []string       `json:"subscribes"`
}

// Info returns the node's monitor snapshot.
func (rt *Runtime) Info() Info {
	info := Info{
		Name:       rt.name,
		Status:     rt.Status().String(),
		ErrorCount: rt.ErrorCount(),
	}
	if !rt.startedAt.IsZero() {
		info.UptimeSeconds = time.Since(rt.startedAt).Seconds()
	}
	if hb := rt.lastHeartbeat.Load(); hb != 0 {
		info.LastHeartbeat = jsontime.Milli(hb)
	}
	for topic := range rt.publishSet {
		info.Publishes = append(info.Publishes, topic)
	}
	for _, sub := range rt.subs {
		info.Subscribes = append(info.Subscribes, sub.topic)
	}
	return info
}
