package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/api/option"

	"github.com/nstogner/celeste/pkg/chat"
	"github.com/nstogner/celeste/pkg/config"
	"github.com/nstogner/celeste/pkg/events"
	"github.com/nstogner/celeste/pkg/generation"
	"github.com/nstogner/celeste/pkg/generation/gemini"
	"github.com/nstogner/celeste/pkg/generation/httpapi"
	"github.com/nstogner/celeste/pkg/generation/openai"
	"github.com/nstogner/celeste/pkg/logging"
	"github.com/nstogner/celeste/pkg/persist"
	"github.com/nstogner/celeste/pkg/selections"
	"github.com/nstogner/celeste/pkg/store"
	"github.com/nstogner/celeste/pkg/store/firestore"
	"github.com/nstogner/celeste/pkg/store/memory"
	"github.com/nstogner/celeste/pkg/store/sqlite"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg     *config.Config
	store   store.Store
	router  *generation.Router
	sync    *persist.Synchronizer
	bus     *events.Bus
	session *chat.Session
	closers []func() error
}

// setupLogging installs the default logger. Logs go to the configured file,
// falling back to defaultFile, then to stderr.
func setupLogging(cfg *config.Config, defaultFile string) (io.Closer, error) {
	path := cfg.Log.File
	if path == "" {
		path = defaultFile
	}
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		w, closer = f, f
	}
	if _, err := logging.Setup(w, cfg.Log.Level, cfg.Log.Format); err != nil {
		closer.Close()
		return nil, err
	}
	return closer, nil
}

// newStoreOnly opens the configured conversation store.
func newStoreOnly(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendFirestore:
		var opts []option.ClientOption
		if cfg.Store.FirestoreCredentials != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Store.FirestoreCredentials))
		}
		return firestore.New(ctx, cfg.Store.FirestoreProject, opts...)
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLitePath), 0755); err != nil {
			return nil, err
		}
		return sqlite.New(cfg.Store.SQLitePath)
	}
}

// newRouter registers every configured provider. The REST backend serves any
// provider name that has no direct client.
func newRouter(ctx context.Context, cfg *config.Config) (*generation.Router, error) {
	r := generation.NewRouter()
	if cfg.Backend.BaseURL != "" {
		r.SetFallback(httpapi.New(cfg.Backend.BaseURL, httpapi.WithHTTPClient(backendHTTPClient(cfg.Backend.Timeout))))
	}
	if cfg.Gemini.APIKey != "" {
		p, err := gemini.New(ctx, cfg.Gemini.APIKey)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini: %w", err)
		}
		r.Register(p)
	}
	if cfg.OpenAI.APIKey != "" {
		r.Register(openai.New(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL))
	}
	if !cfg.HasProviders() {
		slog.Warn("No generation providers configured; set GEMINI_API_KEY, OPENAI_API_KEY or backend.base_url")
	}
	return r, nil
}

// backendHTTPClient bounds the wait for response headers only. A whole-request
// timeout would cut off long text streams mid-body.
func backendHTTPClient(headerTimeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: tr}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	st, err := newStoreOnly(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	a.router, err = newRouter(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SelectionsPath), 0755); err != nil {
		a.Close()
		return nil, err
	}
	sel, err := selections.Open(cfg.SelectionsPath)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sync = persist.New(st, cfg.OwnerID)
	a.bus = events.NewBus()
	a.closers = append(a.closers, a.bus.Close)

	a.session = chat.New(chat.Config{
		Synchronizer: a.sync,
		Provider:     a.router,
		Catalog:      a.router,
		Selections:   sel,
		Bus:          a.bus,
		Autosave:     cfg.Autosave,
	})
	// Closed first: the session publishes to the bus and saves to the store.
	a.closers = append(a.closers, func() error {
		a.session.Cancel()
		err := a.session.Save(context.Background())
		a.session.Close()
		return err
	})

	if err := a.session.OpenMostRecent(ctx); err != nil {
		slog.Warn("Failed to open most recent conversation", "error", err)
	}
	return a, nil
}

// Close releases resources in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
