package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-go-golems/murmur/pkg/history"
	"github.com/go-go-golems/murmur/pkg/session"
	"github.com/go-go-golems/murmur/pkg/settings"
	"github.com/go-go-golems/murmur/pkg/store"
	"github.com/go-go-golems/murmur/pkg/stream"
	"github.com/go-go-golems/murmur/pkg/title"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// app bundles the pieces every command needs. Commands that only touch the
// history never build the engine or the controller.
type app struct {
	settings *settings.Settings
	store    store.Store
	repo     *history.Repository

	metricsServer *http.Server
}

func newApp(ctx context.Context) (*app, error) {
	s, err := settings.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, s.Store)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s store", s.Store.Backend)
	}
	log.Debug().
		Str("backend", string(s.Store.Backend)).
		Str("path", s.Store.Path).
		Str("key", s.StoreKey).
		Msg("Opened conversation store")

	return &app{
		settings: s,
		store:    st,
		repo:     history.NewRepository(st, history.WithKey(s.StoreKey)),
	}, nil
}

func (a *app) titleGenerator() title.Generator {
	u := a.settings.TitleURL()
	if u == "" {
		return title.FallbackGenerator{}
	}
	return title.NewHTTPGenerator(u, title.WithTimeout(a.settings.TitleTimeout))
}

// newController wires the engine and the title generator into a controller
// restored from the store.
func (a *app) newController(ctx context.Context, options ...session.Option) *session.Controller {
	engine := stream.NewEngine(stream.NewHTTPTransport(a.settings.ChatURL()))

	options_ := []session.Option{
		session.WithSystemPrompt(a.settings.SystemPrompt),
		session.WithTitleGenerator(a.titleGenerator()),
		session.WithTitleTimeout(a.settings.TitleTimeout),
		session.WithInterruptOnSubmit(a.settings.InterruptOnSubmit),
	}
	options_ = append(options_, options...)

	return session.NewController(ctx, a.repo, engine, options_...)
}

// serveMetrics exposes the prometheus registry when metrics-addr is set. It
// returns once ctx is done.
func (a *app) serveMetrics(ctx context.Context) error {
	if a.settings.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:              a.settings.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.settings.MetricsAddr).Msg("Serving metrics")
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.metricsServer.Shutdown(shutdownCtx)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
}
