// Package generationtest provides a scriptable generation.Provider for tests.
package generationtest

import (
	"context"
	"iter"
	"sync"

	"github.com/nstogner/celeste/pkg/domain"
	"github.com/nstogner/celeste/pkg/generation"
)

// Fake is a generation.Provider whose behavior is set per capability. Unset
// functions return generation.ErrUnsupported. Every call is recorded.
type Fake struct {
	ProviderName string

	Chunks  []string
	Stream  func(ctx context.Context, req generation.Request) iter.Seq2[string, error]
	Images  func(ctx context.Context, req generation.Request) ([]generation.Image, error)
	Edit    func(ctx context.Context, req generation.Request) (*generation.Image, error)
	Video   func(ctx context.Context, req generation.Request) ([]generation.Video, error)
	Audio   func(ctx context.Context, req generation.Request) (*generation.Audio, error)
	Catalog []domain.Model

	mu    sync.Mutex
	calls []Call
}

// Call records one invocation.
type Call struct {
	Method  string
	Request generation.Request
}

var _ generation.Provider = (*Fake)(nil)
var _ generation.Catalog = (*Fake)(nil)

func (f *Fake) Name() string {
	if f.ProviderName == "" {
		return "fake"
	}
	return f.ProviderName
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Fake) record(method string, req generation.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Request: req})
	f.mu.Unlock()
}

// StreamText uses Stream when set, otherwise yields Chunks in order.
func (f *Fake) StreamText(ctx context.Context, req generation.Request) iter.Seq2[string, error] {
	f.record("StreamText", req)
	if f.Stream != nil {
		return f.Stream(ctx, req)
	}
	return func(yield func(string, error) bool) {
		for _, c := range f.Chunks {
			if ctx.Err() != nil {
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (f *Fake) GenerateImages(ctx context.Context, req generation.Request) ([]generation.Image, error) {
	f.record("GenerateImages", req)
	if f.Images == nil {
		return nil, generation.ErrUnsupported
	}
	return f.Images(ctx, req)
}

func (f *Fake) EditImage(ctx context.Context, req generation.Request) (*generation.Image, error) {
	f.record("EditImage", req)
	if f.Edit == nil {
		return nil, generation.ErrUnsupported
	}
	return f.Edit(ctx, req)
}

func (f *Fake) GenerateVideo(ctx context.Context, req generation.Request) ([]generation.Video, error) {
	f.record("GenerateVideo", req)
	if f.Video == nil {
		return nil, generation.ErrUnsupported
	}
	return f.Video(ctx, req)
}

func (f *Fake) GenerateAudio(ctx context.Context, req generation.Request) (*generation.Audio, error) {
	f.record("GenerateAudio", req)
	if f.Audio == nil {
		return nil, generation.ErrUnsupported
	}
	return f.Audio(ctx, req)
}

func (f *Fake) ListModels(ctx context.Context, filter domain.ModelFilter) ([]domain.Model, error) {
	var out []domain.Model
	for _, m := range f.Catalog {
		if filter.Match(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Failing returns a sequence that yields err immediately.
func Failing(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) { yield("", err) }
}
