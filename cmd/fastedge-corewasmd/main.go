// Command fastedge-corewasmd is the sidecar daemon: it loads a YAML
// configuration, binds the Unix domain socket, and drives the Connection
// Server and Execution Coordinator until signalled to stop. The cobra
// serve/version command split and pflag-based config overrides follow the
// same CLI idiom the rest of the domain stack (spf13/cobra, spf13/pflag)
// was pulled in to exercise.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fastedge/corewasm/internal/app"
	"github.com/fastedge/corewasm/internal/config"
	"github.com/fastedge/corewasm/internal/coordinator"
	"github.com/fastedge/corewasm/internal/geoip"
	"github.com/fastedge/corewasm/internal/kvstore"
	"github.com/fastedge/corewasm/internal/logging"
	"github.com/fastedge/corewasm/internal/server"
	"github.com/fastedge/corewasm/internal/stats"
	"github.com/fastedge/corewasm/internal/uadetect"
	"github.com/fastedge/corewasm/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "fastedge-corewasmd",
		Short: "Runs the FastEdge WebAssembly execution sidecar",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd(&configPath))

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	var appsManifest string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the connection server until signalled to stop",
		// Config-override flags are registered by BindFlags inside RunE, after
		// cobra's own parse, so cobra must let them through unrecognized.
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			cfg.BindFlags(cmd.Flags())
			if err := cmd.Flags().Parse(os.Args[1:]); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, appsManifest)
		},
	}
	cmd.Flags().StringVar(&appsManifest, "apps", "", "path to a JSON app manifest (omit to start with no apps registered)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, appsManifest string) error {
	loggers, err := logging.New(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("fastedge-corewasmd: build loggers: %w", err)
	}
	defer loggers.Log.Sync() //nolint:errcheck

	loggers.Log.Info("starting", zap.String("version", version), zap.String("listen", cfg.Listen.Path))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var apps app.Registry
	if appsManifest != "" {
		reg, err := app.LoadFileRegistry(appsManifest)
		if err != nil {
			return fmt.Errorf("fastedge-corewasmd: load app manifest: %w", err)
		}
		apps = reg
	} else {
		apps = app.NewEmptyRegistry()
	}

	coord := coordinator.New(apps, loggers.Log, loggers.ABI)

	if cfg.Geo.MMDBPath != "" {
		geo, err := geoip.OpenMMDB(cfg.Geo.MMDBPath, cfg.Geo.ASNMMDBPath)
		if err != nil {
			return fmt.Errorf("fastedge-corewasmd: open geo database: %w", err)
		}
		defer geo.Close() //nolint:errcheck
		coord.Geo = geo
	}

	if cfg.KV.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.KV.RedisAddr})
		registry := kvstore.NewRegistry()
		registry.Add(kvstore.NewStore("default", client, ""))
		coord.KV = registry
	}

	if cfg.UA.RegexesPath != "" {
		detector, err := uadetect.Load(cfg.UA.RegexesPath)
		if err != nil {
			return fmt.Errorf("fastedge-corewasmd: load ua regexes: %w", err)
		}
		coord.UA = detector
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		coord.Metrics = stats.NewPrometheusVisitor(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				loggers.Log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		go func() {
			<-ctx.Done()
			_ = metricsSrv.Close()
		}()
	}

	ln, err := server.ListenUnix(cfg.Listen.Path)
	if err != nil {
		return err
	}
	defer ln.Close()

	srv := &server.Server{
		Coordinator:  coord,
		ReplyTimeout: cfg.ReplyTimeout(),
		BackoffMax:   cfg.BackoffMax(),
		ChannelBound: func(v wire.Version) int {
			switch v {
			case wire.V1:
				return cfg.ChannelBounds.V1
			case wire.V2:
				return cfg.ChannelBounds.V2
			case wire.V2a:
				return cfg.ChannelBounds.V2a
			default:
				return 32
			}
		},
		Log: loggers.Log,
	}

	err = srv.Serve(ctx, ln)
	if ctx.Err() != nil {
		loggers.Log.Info("shutting down")
		return nil
	}
	return err
}
