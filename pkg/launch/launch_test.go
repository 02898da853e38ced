package launch

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nevil-robotics/nevil-core/pkg/bus"
	"github.com/nevil-robotics/nevil-core/pkg/config"
	"github.com/nevil-robotics/nevil-core/pkg/mutex"
	"github.com/nevil-robotics/nevil-core/pkg/node"
)

type orderBody struct {
	name    string
	order   *[]string
	initErr error
	stopped atomic.Bool
}

func (b *orderBody) Initialize(*node.Runtime) error {
	if b.initErr != nil {
		return b.initErr
	}
	*b.order = append(*b.order, b.name)
	return nil
}

func (b *orderBody) Cleanup(*node.Runtime) error {
	b.stopped.Store(true)
	return nil
}

func (b *orderBody) Callbacks() map[string]node.Handler {
	return map[string]node.Handler{}
}

func writeConfigs(t *testing.T, names ...string) *config.Loader {
	t.Helper()
	dir := t.TempDir()
	rootYAML := "version: \"3.0\"\nsystem:\n  log_level: info\n  shutdown_timeout: 2s\nlaunch:\n  startup_order: ["
	for i, n := range names {
		if i > 0 {
			rootYAML += ", "
		}
		rootYAML += n
	}
	rootYAML += "]\n"
	if err := os.WriteFile(filepath.Join(dir, config.RootFile), []byte(rootYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "nodes"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		nodeYAML := "publishes:\n  - topic: system_heartbeat\n"
		if err := os.WriteFile(filepath.Join(dir, "nodes", n+".yaml"), []byte(nodeYAML), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return config.NewLoader(dir)
}

func TestStartupOrderAndShutdown(t *testing.T) {
	loader := writeConfigs(t, "alpha", "beta", "gamma")
	root, err := loader.LoadRoot()
	if err != nil {
		t.Fatal(err)
	}

	var order []string
	registry := Registry{}
	bodies := map[string]*orderBody{}
	for _, name := range []string{"alpha", "beta", "gamma"} {
		name := name
		body := &orderBody{name: name, order: &order}
		bodies[name] = body
		registry.Register(name, func(*Deps) (node.Body, error) { return body, nil })
	}

	l := New(Options{
		Loader:      loader,
		Root:        root,
		Registry:    registry,
		Bus:         bus.New(nil),
		Mutex:       mutex.NewRegistry(),
		MonitorAddr: "off",
	})
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}

	if len(order) != 3 || order[0] != "alpha" || order[1] != "beta" || order[2] != "gamma" {
		t.Fatalf("startup order = %v", order)
	}

	snap := l.Snapshot()
	if len(snap.Nodes) != 3 {
		t.Fatalf("snapshot nodes = %d, want 3", len(snap.Nodes))
	}
	for _, info := range snap.Nodes {
		if info.Status != "running" {
			t.Fatalf("node %s status = %s", info.Name, info.Status)
		}
	}

	l.Stop()
	for name, body := range bodies {
		if !body.stopped.Load() {
			t.Fatalf("node %s not cleaned up", name)
		}
	}
}

func TestStartFailureStopsEarlierNodes(t *testing.T) {
	loader := writeConfigs(t, "alpha", "broken")
	root, err := loader.LoadRoot()
	if err != nil {
		t.Fatal(err)
	}

	var order []string
	alpha := &orderBody{name: "alpha", order: &order}
	broken := &orderBody{name: "broken", order: &order, initErr: errors.New("device open failed")}
	registry := Registry{}
	registry.Register("alpha", func(*Deps) (node.Body, error) { return alpha, nil })
	registry.Register("broken", func(*Deps) (node.Body, error) { return broken, nil })

	l := New(Options{
		Loader:      loader,
		Root:        root,
		Registry:    registry,
		Bus:         bus.New(nil),
		Mutex:       mutex.NewRegistry(),
		MonitorAddr: "off",
	})
	if err := l.Start(); err == nil {
		t.Fatal("Start succeeded despite failing node")
	}
	waitFor(t, time.Second, func() bool { return alpha.stopped.Load() })
}

func TestUnregisteredNodeFailsStartup(t *testing.T) {
	loader := writeConfigs(t, "ghost")
	root, err := loader.LoadRoot()
	if err != nil {
		t.Fatal(err)
	}
	l := New(Options{
		Loader:      loader,
		Root:        root,
		Registry:    Registry{},
		Bus:         bus.New(nil),
		Mutex:       mutex.NewRegistry(),
		MonitorAddr: "off",
	})
	if err := l.Start(); err == nil {
		t.Fatal("Start succeeded with unregistered node")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
