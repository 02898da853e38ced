// Package launch starts and supervises the node graph: it resolves node
// names through an explicit build-time registry, wires each node to the
// bus in declared order, owns signal handling for the whole process, and
// serves the monitor snapshot the status CLI reads.
package launch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/nevil-robotics/nevil-core/pkg/bus"
	"github.com/nevil-robotics/nevil-core/pkg/chatlog"
	"github.com/nevil-robotics/nevil-core/pkg/config"
	"github.com/nevil-robotics/nevil-core/pkg/gesture"
	"github.com/nevil-robotics/nevil-core/pkg/logging"
	"github.com/nevil-robotics/nevil-core/pkg/mutex"
	"github.com/nevil-robotics/nevil-core/pkg/node"
	"github.com/nevil-robotics/nevil-core/pkg/realtime"
)

// DefaultMonitorAddr is where the monitor endpoint listens.
const DefaultMonitorAddr = "127.0.0.1:8930"

// stragglerPatterns are process name patterns force-killed when a clean
// shutdown deadline passes. Third-party mixer layers are known to hang on
// device close.
var stragglerPatterns = []string{"aplay", "arecord", "pulseaudio"}

// Deps is everything a node constructor may need. One Deps value is built
// per node; the shared collaborators are the same instances across nodes.
type Deps struct {
	Name       string
	Descriptor *config.Node
	Log        logging.Logger

	Bus      *bus.Bus
	Mutex    *mutex.Registry
	Realtime *realtime.Connection
	Injector *gesture.Injector
	Ledger   *gesture.Ledger
	ChatLog  *chatlog.Logger
}

// Constructor builds one node body from its dependencies.
type Constructor func(deps *Deps) (node.Body, error)

// Registry maps node names to constructors, populated at build time.
type Registry map[string]Constructor

// Register adds a constructor, rejecting duplicates loudly since a
// duplicate registration is always a programming error.
func (r Registry) Register(name string, ctor Constructor) {
	if _, exists := r[name]; exists {
		panic(fmt.Sprintf("launch: node %q registered twice", name))
	}
	r[name] = ctor
}

// Options configures a Launcher.
type Options struct {
	Loader   *config.Loader
	Root     *config.Root
	Registry Registry
	Log      logging.Logger

	// Shared collaborators handed to every constructor.
	Bus      *bus.Bus
	Mutex    *mutex.Registry
	Realtime *realtime.Connection
	Injector *gesture.Injector
	Ledger   *gesture.Ledger
	ChatLog  *chatlog.Logger

	// MonitorAddr overrides DefaultMonitorAddr; empty string uses the
	// default, "off" disables the endpoint.
	MonitorAddr string
}

// Launcher owns the running node graph.
type Launcher struct {
	opts  Options
	log   logging.Logger
	nodes []*node.Runtime

	monitor  *http.Server
	started  time.Time
	stopped  chan struct{}
}

// New creates a Launcher.
func New(opts Options) *Launcher {
	if opts.Log == nil {
		opts.Log = logging.Discard
	}
	return &Launcher{
		opts:    opts,
		log:     logging.Named(opts.Log, "launcher"),
		stopped: make(chan struct{}),
	}
}

// Start builds and starts every node in the declared startup order, with
// the configured inter-start delay, then brings up the monitor endpoint.
// The first failing node aborts startup; already-started nodes are
// stopped again.
func (l *Launcher) Start() error {
	l.started = time.Now()
	delay := l.opts.Root.System.StartupDelay.Duration()

	for _, name := range l.opts.Root.Launch.StartupOrder {
		ctor, ok := l.opts.Registry[name]
		if !ok {
			l.stopNodes()
			return fmt.Errorf("launch: node %q is not registered", name)
		}
		desc, err := l.opts.Loader.LoadNode(name)
		if err != nil {
			l.stopNodes()
			return fmt.Errorf("launch: %s: %w", name, err)
		}
		body, err := ctor(&Deps{
			Name:       name,
			Descriptor: desc,
			Log:        l.opts.Log,
			Bus:        l.opts.Bus,
			Mutex:      l.opts.Mutex,
			Realtime:   l.opts.Realtime,
			Injector:   l.opts.Injector,
			Ledger:     l.opts.Ledger,
			ChatLog:    l.opts.ChatLog,
		})
		if err != nil {
			l.stopNodes()
			return fmt.Errorf("launch: build %s: %w", name, err)
		}
		rt := node.NewRuntime(name, desc, body, l.opts.Log)
		if err := rt.Attach(l.opts.Bus); err != nil {
			l.stopNodes()
			return fmt.Errorf("launch: wire %s: %w", name, err)
		}
		if err := rt.Start(); err != nil {
			l.stopNodes()
			return fmt.Errorf("launch: start %s: %w", name, err)
		}
		l.nodes = append(l.nodes, rt)
		l.log.Info("node started", "node", name)

		if delay > 0 {
			time.Sleep(delay)
		}
	}

	if err := l.startMonitor(); err != nil {
		l.log.Warn("monitor endpoint unavailable", "error", err)
	}
	return nil
}

// Run starts the graph and blocks until SIGINT/SIGTERM or ctx
// cancellation, then shuts down. Signal handling lives here and only
// here; nodes merely observe their shutdown channel.
func (l *Launcher) Run(ctx context.Context) error {
	if err := l.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		// The logging stack may already be tearing down on a second
		// signal; stderr is always safe.
		fmt.Fprintf(os.Stderr, "received %v, shutting down\n", sig)
	case <-ctx.Done():
	}

	l.Stop()
	return nil
}

// Stop shuts every node down in reverse startup order, bounded by the
// configured shutdown timeout, then force-terminates known straggler
// processes if any node missed its deadline.
func (l *Launcher) Stop() {
	select {
	case <-l.stopped:
		return
	default:
		close(l.stopped)
	}

	if l.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		l.monitor.Shutdown(ctx)
		cancel()
	}

	clean := l.stopNodes()
	l.opts.Bus.Shutdown()
	if !clean {
		l.killStragglers()
	}
}

func (l *Launcher) stopNodes() bool {
	timeout := l.opts.Root.System.ShutdownTimeout.Duration()
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	clean := true
	for i := len(l.nodes) - 1; i >= 0; i-- {
		if !l.nodes[i].Stop(timeout) {
			clean = false
		}
	}
	l.nodes = nil
	return clean
}

// killStragglers terminates processes matching the well-known name
// patterns that hang on audio device close.
func (l *Launcher) killStragglers() {
	for _, pattern := range stragglerPatterns {
		// Direct stderr here as well: this runs during teardown.
		fmt.Fprintf(os.Stderr, "force-killing processes matching %q\n", pattern)
		cmd := exec.Command("pkill", "-9", "-f", pattern)
		if err := cmd.Run(); err != nil {
			// Exit status 1 just means no process matched.
			continue
		}
	}
}

// Snapshot is the monitor document served to the status CLI.
type Snapshot struct {
	UptimeSeconds float64        `json:"uptime_seconds"`
	Nodes         []node.Info    `json:"nodes"`
	Bus           busStats       `json:"bus"`
	Mutex         mutexStatus    `json:"mutex"`
	Realtime      realtime.Stats `json:"realtime,omitempty"`
}

type busStats struct {
	MessageCount      uint64   `json:"message_count"`
	ErrorCount        uint64   `json:"error_count"`
	TopicCount        int      `json:"topic_count"`
	SubscriberCount   int      `json:"subscriber_count"`
	Topics            []string `json:"topics"`
	MessagesPerSecond float64  `json:"messages_per_second"`
}

type mutexStatus struct {
	MicrophoneAvailable bool     `json:"microphone_available"`
	ActiveActivities    []string `json:"active_activities"`
}

// Snapshot collects the current process state.
func (l *Launcher) Snapshot() Snapshot {
	snap := Snapshot{UptimeSeconds: time.Since(l.started).Seconds()}
	for _, rt := range l.nodes {
		snap.Nodes = append(snap.Nodes, rt.Info())
	}
	bs := l.opts.Bus.Stats()
	snap.Bus = busStats{
		MessageCount:      bs.MessageCount,
		ErrorCount:        bs.ErrorCount,
		TopicCount:        bs.TopicCount,
		SubscriberCount:   bs.SubscriberCount,
		Topics:            bs.Topics,
		MessagesPerSecond: bs.MessagesPerSecond,
	}
	ms := l.opts.Mutex.GetStatus()
	snap.Mutex = mutexStatus{
		MicrophoneAvailable: ms.MicrophoneAvailable,
		ActiveActivities:    ms.ActiveActivities,
	}
	if l.opts.Realtime != nil {
		snap.Realtime = l.opts.Realtime.Stats()
	}
	return snap
}

func (l *Launcher) startMonitor() error {
	addr := l.opts.MonitorAddr
	if addr == "off" {
		return nil
	}
	if addr == "" {
		addr = DefaultMonitorAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(l.Snapshot())
	})
	l.monitor = &http.Server{Handler: mux}
	go l.monitor.Serve(ln)
	l.log.Info("monitor endpoint up", "addr", addr)
	return nil
}
