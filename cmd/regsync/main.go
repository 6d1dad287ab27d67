package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"emperror.dev/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/regsync/internal/config"
	"github.com/agentworkforce/regsync/internal/harvest"
	"github.com/agentworkforce/regsync/internal/logging"
	"github.com/agentworkforce/regsync/internal/registry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.New()
	var configPath string

	root := &cobra.Command{
		Use:           "regsync",
		Short:         "Registry synchronisation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a config file")
	flags.String("profile", "", "storage profile: memory, durable-local or production")
	flags.String("data-dir", ".regsync", "data directory for the durable-local profile")
	flags.String("backend", "", "operation ledger backend DSN")
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format: json or console")
	flags.String("registries", "", "registry definitions file")
	for key, flag := range map[string]string{
		"profile":         "profile",
		"data_dir":        "data-dir",
		"backend":         "backend",
		"log.level":       "log-level",
		"log.format":      "log-format",
		"registries_file": "registries",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	setup := func(cmd *cobra.Command) (*app, func(), error) {
		if err := applyStorageProfile(v); err != nil {
			return nil, nil, err
		}
		cfg, err := config.Load(v, configPath)
		if err != nil {
			return nil, nil, err
		}
		log, syncLog, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, nil, err
		}
		a, err := newApp(cfg, log)
		if err != nil {
			syncLog()
			return nil, nil, err
		}
		if cfg.RegistriesFile != "" {
			if err := loadRegistries(cmd.Context(), a); err != nil {
				_ = a.Close()
				syncLog()
				return nil, nil, err
			}
		}
		return a, func() {
			if err := a.Close(); err != nil {
				log.Error(err, "failed to close store")
			}
			syncLog()
		}, nil
	}

	root.AddCommand(
		newServeCommand(v, setup),
		newHarvestCommand(setup),
		newPurgeTokensCommand(setup),
	)
	return root
}

type setupFunc func(cmd *cobra.Command) (*app, func(), error)

func loadRegistries(ctx context.Context, a *app) error {
	regs, err := config.LoadRegistries(a.cfg.RegistriesFile)
	if err != nil {
		return err
	}
	return config.ApplyRegistries(ctx, a.store, regs)
}

func newServeCommand(v *viper.Viper, setup setupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the peer and admin APIs and harvest registries on a schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := requireServeSecret(v.GetString("profile"), a.cfg.JWTSecret); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
	cmd.Flags().String("listen", "", "listen address")
	if err := v.BindPFlag("listen", cmd.Flags().Lookup("listen")); err != nil {
		panic(err)
	}
	return cmd
}

func serve(ctx context.Context, a *app) error {
	log := a.log

	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		a.store.Notifier().Run(ctx)
	}()

	if a.cfg.RegistriesFile != "" {
		go func() {
			err := config.WatchRegistries(ctx, a.cfg.RegistriesFile, log.WithName("registries"), func(ctx context.Context, regs []registry.RemoteRegistry) error {
				return config.ApplyRegistries(ctx, a.store, regs)
			})
			if err != nil {
				log.Error(err, "registry watcher stopped")
			}
		}()
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           a.server(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("regsync listening", "addr", a.cfg.Listen)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return errors.WrapIf(err, "http server failed")
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "graceful shutdown failed")
	}
	a.scheduler.Stop()
	<-notifierDone
	return nil
}

func newHarvestCommand(setup setupFunc) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest registries once and print the results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
			defer stop()
			return runHarvest(ctx, a, name, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&name, "registry", "", "harvest only this registry")
	return cmd
}

func runHarvest(ctx context.Context, a *app, name string, out io.Writer) error {
	var results []harvest.Result
	var err error
	if name != "" {
		var result harvest.Result
		result, err = a.scheduler.HarvestOne(ctx, name)
		if err == nil {
			results = append(results, result)
		}
	} else {
		results, err = a.scheduler.HarvestAll(ctx)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(results); encErr != nil {
		return errors.Combine(err, encErr)
	}
	return err
}

func newPurgeTokensCommand(setup setupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-tokens",
		Short: "Delete expired resumption tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			purged, err := a.store.PurgeExpiredTokens(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired resumption tokens\n", purged)
			return nil
		},
	}
}
