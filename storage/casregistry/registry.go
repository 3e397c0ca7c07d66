package casregistry

import (
	"fmt"
	"sort"
	"sync"

	"xdao.co/audex/storage"
)

// Backend is a build-time plugin that can open a storage.CAS implementation.
//
// Backends typically register themselves in init():
//
//	casregistry.MustRegister(casregistry.Backend{ ... })
//
// The binary must import the backend package for registration to occur.
type Backend struct {
	Name        string
	Description string
	Usage       Usage

	// Options documents the config keys Open understands.
	Options []Option

	// Open constructs the CAS from backend-specific key/value config.
	// It returns an optional close function.
	Open func(cfg map[string]string) (storage.CAS, func() error, error)
}

// Option describes one config key accepted by a backend.
type Option struct {
	Key      string
	Help     string
	Required bool
}

var (
	mu       sync.RWMutex
	backends = map[string]Backend{}
)

// Register registers a backend.
func Register(b Backend) error {
	if b.Name == "" {
		return fmt.Errorf("casregistry: backend name is required")
	}
	if b.Open == nil {
		return fmt.Errorf("casregistry: backend %q missing Open", b.Name)
	}
	if b.Usage == 0 {
		return fmt.Errorf("casregistry: backend %q missing Usage", b.Name)
	}

	mu.Lock()
	defer mu.Unlock()
	if _, exists := backends[b.Name]; exists {
		return fmt.Errorf("casregistry: backend %q already registered", b.Name)
	}
	backends[b.Name] = b
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister(b Backend) {
	if err := Register(b); err != nil {
		panic(err)
	}
}

// List returns backends matching usage, sorted by name.
func List(usage Usage) []Backend {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Usage.allows(usage) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns backend names matching usage, sorted.
func Names(usage Usage) []string {
	bs := List(usage)
	n := make([]string, 0, len(bs))
	for _, b := range bs {
		n = append(n, b.Name)
	}
	return n
}

// Open opens the named backend if it exists and matches usage.
// Unknown config keys and missing required keys are rejected.
func Open(name string, usage Usage, cfg map[string]string) (storage.CAS, func() error, error) {
	mu.RLock()
	b, ok := backends[name]
	mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("casregistry: unknown backend %q", name)
	}
	if !b.Usage.allows(usage) {
		return nil, nil, fmt.Errorf("casregistry: backend %q not supported in this binary", name)
	}
	if err := b.checkConfig(cfg); err != nil {
		return nil, nil, err
	}
	return b.Open(cfg)
}

func (b Backend) checkConfig(cfg map[string]string) error {
	known := make(map[string]Option, len(b.Options))
	for _, o := range b.Options {
		known[o.Key] = o
	}
	for k := range cfg {
		if _, ok := known[k]; !ok {
			return fmt.Errorf("casregistry: backend %q: unknown config key %q", b.Name, k)
		}
	}
	for _, o := range b.Options {
		if o.Required && cfg[o.Key] == "" {
			return fmt.Errorf("casregistry: backend %q: missing config key %q", b.Name, o.Key)
		}
	}
	return nil
}
