// Package onnxcache implements the bounded, concurrent cache of compiled
// ONNX inference sessions keyed by (model, execution provider): sessions
// materialise on first use under a per-key lock so concurrent first-calls
// produce exactly one session, and entries are evicted a configurable time
// after they were added.
package onnxcache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/singleflight"

	"github.com/ahnlich/ahnlich-go/pkg/ahlog"
	"github.com/ahnlich/ahnlich-go/pkg/ahnerr"
)

// ExecutionProvider names one inference backend a session may be compiled
// against.
type ExecutionProvider int

const (
	ProviderTensorRT ExecutionProvider = iota
	ProviderCUDA
	ProviderDirectML
	ProviderCoreML
	ProviderCPU
)

func (p ExecutionProvider) String() string {
	switch p {
	case ProviderTensorRT:
		return "tensorrt"
	case ProviderCUDA:
		return "cuda"
	case ProviderDirectML:
		return "directml"
	case ProviderCoreML:
		return "coreml"
	default:
		return "cpu"
	}
}

// fallbackOrder is the provider hierarchy a build attempt walks before
// landing unconditionally on CPU: TensorRT → CUDA → DirectML →
// CoreML → CPU.
var fallbackOrder = []ExecutionProvider{ProviderTensorRT, ProviderCUDA, ProviderDirectML, ProviderCoreML, ProviderCPU}

// Key identifies one cache entry: a model file paired with the preferred
// execution provider to compile it against.
type Key struct {
	ModelPath string
	Preferred ExecutionProvider
}

// Session is one compiled inference session bound to the provider it was
// actually built on (which may differ from Key.Preferred after fallback).
type Session struct {
	Provider ExecutionProvider
	handle   *ort.DynamicAdvancedSession
}

// Run invokes the session. In-flight inference is not cancellable
// mid-session; cancellation takes effect at the next chunk boundary.
func (s *Session) Run(inputs, outputs []ort.Value) error {
	return s.handle.Run(inputs, outputs)
}

func (s *Session) close() error {
	if s.handle == nil {
		return nil
	}
	return s.handle.Destroy()
}

// Builder compiles a new Session for key, implementing the provider
// fallback policy.
type Builder func(key Key) (*Session, error)

// Cache is the bounded, concurrent session cache: lazily populated,
// entries evicted a fixed time after they were added. A cache hit does not
// extend an entry's lifetime.
type Cache struct {
	entries *lru.LRU[Key, *Session]
	sf      singleflight.Group
	build   Builder
	log     ahlog.Logger
}

// New returns a Cache bounded to capacity entries, each evicted idleTimeout
// after it was added (lookups do not reset the timer), building new
// sessions with build.
func New(capacity int, idleTimeout time.Duration, build Builder, log ahlog.Logger) *Cache {
	if log == nil {
		log = ahlog.Nop()
	}
	c := &Cache{build: build, log: log}
	c.entries = lru.NewLRU[Key, *Session](capacity, func(_ Key, s *Session) {
		if s != nil {
			if err := s.close(); err != nil {
				log.Warn("session close failed on eviction", "err", err)
			}
		}
	}, idleTimeout)
	return c
}

// TryGetWith returns the cached session for key, or compiles one under a
// per-key lock so concurrent first callers produce exactly one session
//.
func (c *Cache) TryGetWith(key Key) (*Session, error) {
	if s, ok := c.entries.Get(key); ok {
		return s, nil
	}

	v, err, _ := c.sf.Do(sfKey(key), func() (any, error) {
		if s, ok := c.entries.Get(key); ok {
			return s, nil
		}
		s, err := c.build(key)
		if err != nil {
			return nil, ahnerr.WrapModel("onnxcache.try_get_with", key.ModelPath, err)
		}
		c.entries.Add(key, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Len reports the number of currently cached sessions.
func (c *Cache) Len() int { return c.entries.Len() }

func sfKey(key Key) string {
	return fmt.Sprintf("%s|%s", key.ModelPath, key.Preferred)
}

// DefaultBuilder returns a Builder that, starting at key.Preferred, walks
// fallbackOrder and tries each provider in turn via onnxruntime_go session
// options, falling through to the next on registration failure and
// logging a Warn; it lands unconditionally on CPU.
func DefaultBuilder(inputNames, outputNames []string, log ahlog.Logger) Builder {
	if log == nil {
		log = ahlog.Nop()
	}
	return func(key Key) (*Session, error) {
		order := providerOrderFrom(key.Preferred)
		var lastErr error
		for _, provider := range order {
			handle, err := buildSession(key.ModelPath, inputNames, outputNames, provider)
			if err != nil {
				lastErr = err
				if provider != ProviderCPU {
					log.Warn("execution provider registration failed, falling back", "provider", provider, "err", err)
					continue
				}
				return nil, fmt.Errorf("onnxcache: CPU provider build failed: %w", err)
			}
			return &Session{Provider: provider, handle: handle}, nil
		}
		return nil, fmt.Errorf("onnxcache: no execution provider could build a session: %w", lastErr)
	}
}

// providerOrderFrom returns the preferred provider followed by the rest of
// fallbackOrder in its usual order, so CPU is last unless it is the
// preferred provider.
func providerOrderFrom(preferred ExecutionProvider) []ExecutionProvider {
	order := make([]ExecutionProvider, 0, len(fallbackOrder))
	order = append(order, preferred)
	for _, p := range fallbackOrder {
		if p != preferred {
			order = append(order, p)
		}
	}
	return order
}

func buildSession(modelPath string, inputNames, outputNames []string, provider ExecutionProvider) (*ort.DynamicAdvancedSession, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("onnxcache: new session options: %w", err)
	}
	defer opts.Destroy()

	if err := appendProvider(opts, provider); err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("onnxcache: build session for provider %s: %w", provider, err)
	}
	return session, nil
}

func appendProvider(opts *ort.SessionOptions, provider ExecutionProvider) error {
	switch provider {
	case ProviderTensorRT:
		trtOpts, err := ort.NewTensorRTProviderOptions()
		if err != nil {
			return err
		}
		defer trtOpts.Destroy()
		return opts.AppendExecutionProviderTensorRT(trtOpts)
	case ProviderCUDA:
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return err
		}
		defer cudaOpts.Destroy()
		return opts.AppendExecutionProviderCUDA(cudaOpts)
	case ProviderDirectML:
		return opts.AppendExecutionProviderDirectML(0)
	case ProviderCoreML:
		return opts.AppendExecutionProviderCoreML(0)
	case ProviderCPU:
		return nil // default execution provider, nothing to append
	default:
		return fmt.Errorf("onnxcache: unknown provider %d", provider)
	}
}
