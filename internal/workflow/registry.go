package workflow

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/spreadrun/spreadrun/internal/engine"
)

// Registry resolves workflow references to invokers. Clients share one
// HTTP connection pool; each reference gets one lazily built client.
type Registry struct {
	configs map[string]Config
	http    *http.Client

	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry creates a registry over a fixed set of workflow configs.
func NewRegistry(configs map[string]Config) *Registry {
	return &Registry{
		configs: configs,
		http:    &http.Client{},
		clients: make(map[string]*Client),
	}
}

// LoadRegistry reads workflow configs from a JSON file mapping workflow
// references to endpoint configs.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow config: %w", err)
	}
	var configs map[string]Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse workflow config: %w", err)
	}
	for ref, cfg := range configs {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("workflow %q has no base_url", ref)
		}
	}
	return NewRegistry(configs), nil
}

// Resolve returns the endpoint config for a workflow reference.
func (r *Registry) Resolve(ref string) (Config, error) {
	cfg, ok := r.configs[ref]
	if !ok {
		return Config{}, fmt.Errorf("%w: workflow %q is not registered", engine.ErrNotFound, ref)
	}
	return cfg, nil
}

// Invoker returns the invoker for a workflow reference, building its client
// on first use.
func (r *Registry) Invoker(ref string) (engine.Invoker, error) {
	cfg, err := r.Resolve(ref)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[ref]
	if !ok {
		client = NewClient(cfg, r.http)
		r.clients[ref] = client
	}
	return client, nil
}

// Refs lists the registered workflow references.
func (r *Registry) Refs() []string {
	refs := make([]string, 0, len(r.configs))
	for ref := range r.configs {
		refs = append(refs, ref)
	}
	return refs
}
