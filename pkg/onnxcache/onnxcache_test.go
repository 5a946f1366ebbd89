package onnxcache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSession(provider ExecutionProvider) *Session {
	return &Session{Provider: provider}
}

// TestTryGetWithBuildsOnce covers the singleflight guarantee: concurrent
// first callers for the same key must trigger exactly one build.
func TestTryGetWithBuildsOnce(t *testing.T) {
	var builds int32
	build := func(key Key) (*Session, error) {
		atomic.AddInt32(&builds, 1)
		time.Sleep(10 * time.Millisecond)
		return newTestSession(ProviderCPU), nil
	}
	cache := New(4, time.Minute, build, nil)

	var wg sync.WaitGroup
	key := Key{ModelPath: "model.onnx", Preferred: ProviderCUDA}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.TryGetWith(key); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if builds != 1 {
		t.Fatalf("builds = %d, want 1", builds)
	}
	if cache.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", cache.Len())
	}
}

// TestTryGetWithCachesSubsequentCalls covers that a second call after the
// first completes reuses the cached session without rebuilding.
func TestTryGetWithCachesSubsequentCalls(t *testing.T) {
	var builds int32
	build := func(key Key) (*Session, error) {
		atomic.AddInt32(&builds, 1)
		return newTestSession(ProviderCPU), nil
	}
	cache := New(4, time.Minute, build, nil)
	key := Key{ModelPath: "model.onnx", Preferred: ProviderCPU}

	if _, err := cache.TryGetWith(key); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.TryGetWith(key); err != nil {
		t.Fatal(err)
	}
	if builds != 1 {
		t.Fatalf("builds = %d, want 1", builds)
	}
}

// TestTryGetWithPropagatesBuildError covers a build failure surfacing to
// every waiter without caching a broken entry.
func TestTryGetWithPropagatesBuildError(t *testing.T) {
	wantErr := errors.New("no provider available")
	build := func(key Key) (*Session, error) { return nil, wantErr }
	cache := New(4, time.Minute, build, nil)

	if _, err := cache.TryGetWith(Key{ModelPath: "m.onnx"}); err == nil {
		t.Fatal("expected an error")
	}
	if cache.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after a failed build", cache.Len())
	}
}

func TestProviderOrderFromKeepsPreferredFirstAndCPULast(t *testing.T) {
	order := providerOrderFrom(ProviderCoreML)
	if order[0] != ProviderCoreML {
		t.Fatalf("order[0] = %v, want ProviderCoreML", order[0])
	}
	if order[len(order)-1] != ProviderCPU {
		t.Fatalf("last provider = %v, want ProviderCPU", order[len(order)-1])
	}
	seen := map[ExecutionProvider]bool{}
	for _, p := range order {
		if seen[p] {
			t.Fatalf("provider %v listed twice in %v", p, order)
		}
		seen[p] = true
	}
}

func TestExecutionProviderString(t *testing.T) {
	cases := map[ExecutionProvider]string{
		ProviderTensorRT: "tensorrt",
		ProviderCUDA:     "cuda",
		ProviderDirectML: "directml",
		ProviderCoreML:   "coreml",
		ProviderCPU:      "cpu",
	}
	for provider, want := range cases {
		if got := provider.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", provider, got, want)
		}
	}
}
