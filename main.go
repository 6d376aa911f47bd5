package main

import (
	"flag"
	"os"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	startupv1alpha1 "github.com/anvil-platform/startorder/api/v1alpha1"
	"github.com/anvil-platform/startorder/internal/config"
	"github.com/anvil-platform/startorder/internal/health"
	"github.com/anvil-platform/startorder/internal/runtime/kube"
	"github.com/anvil-platform/startorder/internal/startup"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(startupv1alpha1.AddToScheme(scheme))
}

func main() {
	var metricsAddr string
	var probeAddr string
	var configPath string
	var namespace string

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.StringVar(&configPath, "config", "", "Path to a YAML configuration file.")
	flag.StringVar(&namespace, "namespace", "", "Namespace holding ModuleManifests and CapabilityRegistrations. Empty watches all namespaces.")

	flagged := config.Default()
	flagged.BindFlags(flag.CommandLine)

	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cfg, err := config.Merge(configPath, flagged, flag.CommandLine)
	if err != nil {
		setupLog.Error(err, "invalid configuration")
		os.Exit(1)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	reporter := health.NewReporter(cfg.HealthService)
	coordinator := startup.New(&kube.Runtime{
		Client:    mgr.GetClient(),
		Informers: mgr.GetCache(),
		Recorder:  mgr.GetEventRecorderFor("startup-coordinator"),
		Namespace: namespace,
		Log:       ctrl.Log.WithName("runtime"),
	},
		startup.WithLogger(ctrl.Log.WithName("startup")),
		startup.WithTimers(cfg.Timers()),
		startup.WithObserver(reporter),
	)
	if err := mgr.Add(coordinator); err != nil {
		setupLog.Error(err, "unable to add startup coordinator")
		os.Exit(1)
	}

	if cfg.HealthBindAddress != "" {
		if err := mgr.Add(&health.Server{
			Addr:     cfg.HealthBindAddress,
			Reporter: reporter,
			Log:      ctrl.Log.WithName("health"),
		}); err != nil {
			setupLog.Error(err, "unable to add gRPC health server")
			os.Exit(1)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", coordinator.ReadyzCheck); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
