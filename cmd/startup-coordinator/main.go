// Command startup-coordinator coordinates component startup over NATS
// JetStream key-value buckets instead of Kubernetes objects.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/anvil-platform/startorder/internal/config"
	"github.com/anvil-platform/startorder/internal/health"
	"github.com/anvil-platform/startorder/internal/runtime/natskv"
	"github.com/anvil-platform/startorder/internal/startup"
)

var setupLog = ctrl.Log.WithName("setup")

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to a YAML configuration file.")

	flagged := config.Default()
	flagged.BindFlags(flag.CommandLine)

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg, err := config.Merge(configPath, flagged, flag.CommandLine)
	if err == nil {
		err = cfg.ValidateNATS()
	}
	if err != nil {
		setupLog.Error(err, "invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		setupLog.Error(err, "startup coordinator failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("startup-coordinator"))
	if err != nil {
		return err
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}
	modules, err := natskv.OpenBucket(ctx, js, cfg.NATS.ModulesBucket)
	if err != nil {
		return err
	}
	capabilities, err := natskv.OpenBucket(ctx, js, cfg.NATS.CapabilitiesBucket)
	if err != nil {
		return err
	}

	reporter := health.NewReporter(cfg.HealthService)
	coordinator := startup.New(&natskv.Runtime{
		ModuleBucket:     modules,
		CapabilityBucket: capabilities,
		Conn:             nc,
		ReadyPrefix:      cfg.NATS.ReadySubjectPrefix,
		Log:              ctrl.Log.WithName("runtime"),
	},
		startup.WithLogger(ctrl.Log.WithName("startup")),
		startup.WithTimers(cfg.Timers()),
		startup.WithObserver(reporter),
	)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.HealthBindAddress != "" {
		srv := &health.Server{Addr: cfg.HealthBindAddress, Reporter: reporter, Log: ctrl.Log.WithName("health")}
		g.Go(func() error { return srv.Start(ctx) })
	}
	g.Go(func() error {
		setupLog.Info("starting startup coordinator", "url", cfg.NATS.URL,
			"modules", cfg.NATS.ModulesBucket, "capabilities", cfg.NATS.CapabilitiesBucket)
		return coordinator.Start(ctx)
	})
	return g.Wait()
}
