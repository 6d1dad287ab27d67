// Command regsync-harvest mirrors a single peer registry into a local
// ledger on a jittered interval.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/regsync/internal/harvest"
	"github.com/agentworkforce/regsync/internal/logging"
	"github.com/agentworkforce/regsync/internal/registry"
)

type options struct {
	Name           string
	Endpoint       string
	Username       string
	Password       string
	MetadataPrefix string
	Backend        string
	Interval       time.Duration
	IntervalJitter float64
	Timeout        time.Duration
	MaxPages       int
}

func main() {
	var opts options
	flag.StringVar(&opts.Name, "name", envOrDefault("REGSYNC_HARVEST_NAME", "peer"), "local name of the peer registry")
	flag.StringVar(&opts.Endpoint, "endpoint", strings.TrimSpace(os.Getenv("REGSYNC_HARVEST_ENDPOINT")), "peer base URL")
	flag.StringVar(&opts.Username, "username", strings.TrimSpace(os.Getenv("REGSYNC_HARVEST_USERNAME")), "peer username")
	flag.StringVar(&opts.Password, "password", os.Getenv("REGSYNC_HARVEST_PASSWORD"), "peer password")
	flag.StringVar(&opts.MetadataPrefix, "metadata-prefix", strings.TrimSpace(os.Getenv("REGSYNC_HARVEST_METADATA_PREFIX")), "metadata prefix to request")
	flag.StringVar(&opts.Backend, "backend", envOrDefault("REGSYNC_BACKEND", "sqlite://regsync.db"), "local ledger backend DSN")
	logLevel := flag.String("log-level", envOrDefault("REGSYNC_LOG_LEVEL", "info"), "log level")
	logFormat := flag.String("log-format", envOrDefault("REGSYNC_LOG_FORMAT", "console"), "log format: json or console")
	once := flag.Bool("once", false, "run one harvest and exit")
	intervalRaw := flag.String("interval", "", "harvest interval")
	jitterRaw := flag.String("interval-jitter", "", "harvest interval jitter ratio (0.0-1.0)")
	timeoutRaw := flag.String("timeout", "", "per-harvest timeout")
	maxPagesRaw := flag.String("max-pages", "", "page limit per harvest")
	flag.Parse()

	log, syncLog, err := logging.New(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(2)
	}
	defer syncLog()

	opts.Interval = durationValue(log, "interval", *intervalRaw, durationEnv(log, "REGSYNC_HARVEST_INTERVAL", 5*time.Minute))
	opts.IntervalJitter = clampJitterRatio(floatValue(log, "interval-jitter", *jitterRaw, floatEnv(log, "REGSYNC_HARVEST_INTERVAL_JITTER", 0.2)))
	opts.Timeout = durationValue(log, "timeout", *timeoutRaw, durationEnv(log, "REGSYNC_HARVEST_TIMEOUT", 10*time.Minute))
	opts.MaxPages = intValue(log, "max-pages", *maxPagesRaw, intEnv(log, "REGSYNC_HARVEST_MAX_PAGES", 0))

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	l, err := newLoop(ctx, opts, log)
	if err != nil {
		log.Error(err, "failed to initialize harvester")
		syncLog()
		os.Exit(1)
	}
	runErr := l.run(ctx, *once)
	if err := l.Close(); err != nil {
		log.Error(err, "failed to close ledger")
	}
	if runErr != nil {
		syncLog()
		os.Exit(1)
	}
}

// loop harvests one peer into a local store.
type loop struct {
	opts      options
	log       logr.Logger
	store     *registry.Store
	harvester *harvest.Harvester
}

func newLoop(ctx context.Context, opts options, log logr.Logger) (*loop, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("endpoint is required (--endpoint or REGSYNC_HARVEST_ENDPOINT)")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	backend, err := registry.BuildBackendFromDSN(opts.Backend)
	if err != nil {
		return nil, errors.WrapIf(err, "failed to initialize backend")
	}
	store, err := registry.NewStore(registry.Options{Backend: backend, Log: log.WithName("registry")})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	_, err = store.UpsertRegistry(ctx, registry.RemoteRegistry{
		Name:           opts.Name,
		Endpoint:       strings.TrimRight(opts.Endpoint, "/"),
		Username:       opts.Username,
		Password:       opts.Password,
		MetadataPrefix: opts.MetadataPrefix,
		ReadEnabled:    true,
		Harvested:      true,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	harvester, err := harvest.NewHarvester(harvest.Options{
		Client:   harvest.NewHTTPClient(&http.Client{Timeout: opts.Timeout}),
		Ledger:   store,
		Log:      log.WithName("harvest"),
		MaxPages: opts.MaxPages,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &loop{opts: opts, log: log, store: store, harvester: harvester}, nil
}

func (l *loop) runOnce(ctx context.Context) (harvest.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	return l.harvester.Harvest(ctx, l.opts.Name)
}

// run harvests immediately and then on every jittered interval until ctx
// ends. With once set it returns the first harvest's error instead.
func (l *loop) run(ctx context.Context, once bool) error {
	if _, err := l.runOnce(ctx); once {
		return err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(l.opts.Interval, l.opts.IntervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.log.Info("harvest loop stopping", "reason", ctx.Err().Error())
			return nil
		case <-timer.C:
			// Harvest logs its own outcome.
			_, _ = l.runOnce(ctx)
			timer.Reset(jitteredIntervalWithSample(l.opts.Interval, l.opts.IntervalJitter, rng.Float64()))
		}
	}
}

func (l *loop) Close() error {
	return l.store.Close()
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(log logr.Logger, name string, fallback int) int {
	return intValue(log, name, os.Getenv(name), fallback)
}

func intValue(log logr.Logger, name, raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Info("invalid value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(log logr.Logger, name string, fallback time.Duration) time.Duration {
	return durationValue(log, name, os.Getenv(name), fallback)
}

func durationValue(log logr.Logger, name, raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Info("invalid value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(log logr.Logger, name string, fallback float64) float64 {
	return floatValue(log, name, os.Getenv(name), fallback)
}

func floatValue(log logr.Logger, name, raw string, fallback float64) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Info("invalid value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
