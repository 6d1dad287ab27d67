package main

import (
	"net/http"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentworkforce/regsync/internal/config"
	"github.com/agentworkforce/regsync/internal/harvest"
	"github.com/agentworkforce/regsync/internal/httpapi"
	"github.com/agentworkforce/regsync/internal/metrics"
	"github.com/agentworkforce/regsync/internal/registry"
)

// app wires the store, harvester and scheduler from one configuration.
type app struct {
	cfg       config.Config
	log       logr.Logger
	store     *registry.Store
	harvester *harvest.Harvester
	scheduler *harvest.Scheduler
	gatherer  prometheus.Gatherer
}

func newApp(cfg config.Config, log logr.Logger) (*app, error) {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	backend, err := registry.BuildBackendFromDSN(cfg.Backend)
	if err != nil {
		return nil, errors.WrapIf(err, "failed to initialize backend")
	}
	tokens, err := registry.BuildTokenRepositoryFromDSN(cfg.Tokens)
	if err != nil {
		_ = backend.Close()
		return nil, errors.WrapIf(err, "failed to initialize token store")
	}
	queue, err := registry.BuildNotificationQueueFromDSN(cfg.NotificationQueue, cfg.NotificationQueueCapacity)
	if err != nil {
		_ = backend.Close()
		return nil, errors.WrapIf(err, "failed to initialize notification queue")
	}
	notifier := registry.NewNotifier(registry.NotifierOptions{
		Queue:   queue,
		Mailer:  registry.LogMailer{Log: log.WithName("mailer"), Recipients: cfg.MailRecipients},
		Log:     log.WithName("notifier"),
		Metrics: m,
	})
	store, err := registry.NewStore(registry.Options{
		Backend:          backend,
		Tokens:           tokens,
		PageSize:         cfg.PageSize,
		TokenTTL:         cfg.TokenTTL,
		MetadataPrefixes: cfg.MetadataPrefixes,
		Notifier:         notifier,
		Log:              log.WithName("registry"),
		Metrics:          m,
	})
	if err != nil {
		_ = backend.Close()
		_ = queue.Close()
		return nil, err
	}

	harvester, err := harvest.NewHarvester(harvest.Options{
		Client:   harvest.NewHTTPClient(&http.Client{Timeout: cfg.HarvestTimeout}),
		Ledger:   store,
		Log:      log.WithName("harvest"),
		Metrics:  m,
		MaxPages: cfg.HarvestMaxPages,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	scheduler, err := harvest.NewScheduler(harvest.SchedulerConfig{
		Harvester:   harvester,
		Store:       store,
		Log:         log.WithName("scheduler"),
		Interval:    cfg.HarvestInterval,
		Concurrency: cfg.HarvestConcurrency,
		PurgeEvery:  cfg.TokenPurgeInterval,
		Retention:   cfg.OperationRetention,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{
		cfg:       cfg,
		log:       log,
		store:     store,
		harvester: harvester,
		scheduler: scheduler,
		gatherer:  promRegistry,
	}, nil
}

func (a *app) server() *httpapi.Server {
	return httpapi.NewServerWithConfig(a.store, httpapi.ServerConfig{
		JWTSecret:       a.cfg.JWTSecret,
		Audience:        a.cfg.JWTAudience,
		PeerUsername:    a.cfg.PeerUsername,
		PeerPassword:    a.cfg.PeerPassword,
		BaseURL:         a.cfg.BaseURL,
		RateLimitMax:    a.cfg.RateLimitMax,
		RateLimitWindow: a.cfg.RateLimitWindow,
		Harvests:        a.scheduler,
		Gatherer:        a.gatherer,
		Log:             a.log.WithName("http"),
	})
}

func (a *app) Close() error {
	a.scheduler.Stop()
	return a.store.Close()
}
