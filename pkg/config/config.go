// Package config reads the root system descriptor and the per-node
// declarative descriptors, expanding environment references in every
// string value before unmarshaling.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/nevil-robotics/nevil-core/pkg/jsontime"
)

// Root is the root system descriptor.
type Root struct {
	Version     string            `yaml:"version"`
	System      System            `yaml:"system"`
	Launch      Launch            `yaml:"launch"`
	Environment map[string]string `yaml:"environment"`
}

// System holds process-wide settings.
type System struct {
	LogLevel            string            `yaml:"log_level"`
	HealthCheckInterval jsontime.Duration `yaml:"health_check_interval"`
	ShutdownTimeout     jsontime.Duration `yaml:"shutdown_timeout"`
	StartupDelay        jsontime.Duration `yaml:"startup_delay"`
}

// Launch controls node startup.
type Launch struct {
	StartupOrder   []string          `yaml:"startup_order"`
	ParallelLaunch bool              `yaml:"parallel_launch"`
	WaitForHealthy bool              `yaml:"wait_for_healthy"`
	ReadyTimeout   jsontime.Duration `yaml:"ready_timeout"`
}

// Node is a per-node declarative descriptor: the topics the node publishes
// and subscribes, plus a free-form configuration section consumed by the
// node implementation itself.
type Node struct {
	Publishes  []Publish   `yaml:"publishes"`
	Subscribes []Subscribe `yaml:"subscribes"`

	// Configuration is kept raw so each node can decode its own shape.
	Configuration RawSection `yaml:"configuration"`
}

// Publish declares one topic the node may publish.
type Publish struct {
	Topic string `yaml:"topic"`
}

// Subscribe declares one topic the node consumes and the callback that
// handles it. The callback name must exist on the node at wiring time.
type Subscribe struct {
	Topic    string `yaml:"topic"`
	Callback string `yaml:"callback"`
}

// RawSection is an unparsed YAML fragment. Nodes call Decode with their
// own configuration struct; the fragment is re-encoded and decoded through
// gopkg.in/yaml.v3, which preserves the stdlib-compatible tag semantics
// third-party config shapes tend to assume.
type RawSection struct {
	raw map[string]any
}

// UnmarshalYAML captures the fragment without interpreting it.
func (r *RawSection) UnmarshalYAML(unmarshal func(any) error) error {
	return unmarshal(&r.raw)
}

// IsZero reports whether the section was absent.
func (r *RawSection) IsZero() bool { return r.raw == nil }

// Decode unmarshals the fragment into out.
func (r *RawSection) Decode(out any) error {
	if r.raw == nil {
		return nil
	}
	b, err := yamlv3.Marshal(r.raw)
	if err != nil {
		return fmt.Errorf("config: re-encode configuration: %w", err)
	}
	if err := yamlv3.Unmarshal(b, out); err != nil {
		return fmt.Errorf("config: decode configuration: %w", err)
	}
	return nil
}

// Loader reads descriptors from a directory tree laid out as:
//
//	<dir>/nevil.yaml          root descriptor
//	<dir>/nodes/<name>.yaml   per-node descriptors
type Loader struct {
	dir string
}

// NewLoader creates a Loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// RootFile is the well-known root descriptor filename.
const RootFile = "nevil.yaml"

// LoadRoot reads and validates the root descriptor, then applies its
// environment section to the process environment so later node loads can
// reference the values through ${VAR} expansion. Existing process
// variables win over descriptor defaults.
func (l *Loader) LoadRoot() (*Root, error) {
	path := filepath.Join(l.dir, RootFile)
	var root Root
	if err := l.loadYAML(path, &root); err != nil {
		return nil, err
	}
	if root.Version == "" {
		return nil, wrap(path, fmt.Errorf("missing required field: version"))
	}
	for key, val := range root.Environment {
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, val)
		}
	}
	return &root, nil
}

// LoadNode reads the descriptor for the named node.
func (l *Loader) LoadNode(name string) (*Node, error) {
	path := filepath.Join(l.dir, "nodes", name+".yaml")
	var node Node
	if err := l.loadYAML(path, &node); err != nil {
		return nil, err
	}
	for i, sub := range node.Subscribes {
		if sub.Topic == "" || sub.Callback == "" {
			return nil, wrap(path, fmt.Errorf("subscribes[%d]: topic and callback are required", i))
		}
	}
	for i, pub := range node.Publishes {
		if pub.Topic == "" {
			return nil, wrap(path, fmt.Errorf("publishes[%d]: topic is required", i))
		}
	}
	return &node, nil
}

// loadYAML reads path, expands environment references as a text pre-pass,
// and unmarshals the result.
func (l *Loader) loadYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return wrap(path, err)
	}
	expanded, err := expandEnv(string(raw))
	if err != nil {
		return wrap(path, err)
	}
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return wrap(path, err)
	}
	return nil
}

// PublishTopics returns the declared publish set as a lookup map.
func (n *Node) PublishTopics() map[string]bool {
	set := make(map[string]bool, len(n.Publishes))
	for _, p := range n.Publishes {
		set[p.Topic] = true
	}
	return set
}
