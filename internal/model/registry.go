package model

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/fmueller/vidtranscribe/internal/domain"
	"go.uber.org/zap"
)

const (
	TypeWhisper = "whisper"
	TypeOpenAI  = "openai"
)

// Options carries everything a Constructor may need. Each variant reads the
// fields relevant to it.
type Options struct {
	ModelDir     string
	Binary       string
	AutoDownload bool
	APIKey       string
	BaseURL      string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

type Constructor func(Options) (Adapter, error)

type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry with the built-in variants.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(TypeWhisper, NewWhisperCPP)
	r.Register(TypeOpenAI, NewOpenAI)
	return r
}

func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[strings.ToLower(strings.TrimSpace(name))] = c
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// New builds the adapter registered under name. Unknown names are a
// configuration error.
func (r *Registry) New(name string, opts Options) (Adapter, error) {
	r.mu.RLock()
	c, ok := r.constructors[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.Errorf(domain.KindConfiguration, "model", "unknown model type %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}

	adapter, err := c(opts)
	if err != nil {
		return nil, domain.Wrap(domain.KindConfiguration, "model", fmt.Errorf("create %s adapter: %w", name, err))
	}
	return adapter, nil
}
