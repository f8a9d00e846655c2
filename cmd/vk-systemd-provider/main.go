package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/virtual-kubelet/virtual-kubelet/log"
	"github.com/virtual-kubelet/virtual-kubelet/node"
	"github.com/virtual-kubelet/virtual-kubelet/node/nodeutil"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/raycarroll/vk-systemd-provider/pkg/config"
	"github.com/raycarroll/vk-systemd-provider/pkg/logger"
	"github.com/raycarroll/vk-systemd-provider/pkg/metrics"
	"github.com/raycarroll/vk-systemd-provider/pkg/provider"
	"github.com/raycarroll/vk-systemd-provider/pkg/systemd"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:          "vk-systemd-provider",
		Short:        "Run Kubernetes pods as systemd units",
		Long:         `vk-systemd-provider registers a virtual node and runs the pods scheduled onto it as systemd services on this host.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML)")
	flags.String("nodename", "", "name of the virtual node (env NODE_NAME)")
	flags.String("kubeconfig", "", "kubeconfig path, in-cluster config when empty (env KUBECONFIG)")
	flags.String("log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	flags.Duration("poll-interval", 0, "how often running units are checked")
	flags.String("unit-prefix", "", "prefix for generated unit names")
	flags.Bool("user", false, "use the user systemd instance instead of the system one")

	for key, flag := range map[string]string{
		"node_name":             "nodename",
		"kubeconfig":            "kubeconfig",
		"log_level":             "log-level",
		"metrics_addr":          "metrics-addr",
		"systemd.poll_interval": "poll-interval",
		"systemd.unit_prefix":   "unit-prefix",
		"systemd.user_mode":     "user",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", flag, err))
		}
	}

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger.SetLevelFromString(cfg.LogLevel)
	log.L = logger.VK()
	defer logger.Sync()

	logger.Info("Starting VK-systemd Provider...")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager, err := systemd.Connect(ctx, systemd.Config{
		UserMode:       cfg.Systemd.UserMode,
		JobMode:        cfg.Systemd.JobMode,
		ConnectTimeout: cfg.Systemd.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := manager.Ping(ctx); err != nil {
		logger.Warn("Failed to ping systemd: %v", err)
	} else {
		logger.Info("Successfully connected to systemd")
	}

	m := metrics.New()
	p, err := provider.NewProvider(provider.Config{
		NodeName:     cfg.NodeName,
		PollInterval: cfg.Systemd.PollInterval,
		UnitPrefix:   cfg.Systemd.UnitPrefix,
		Capacity: corev1.ResourceList{
			corev1.ResourceCPU:    resource.MustParse(cfg.Capacity.CPU),
			corev1.ResourceMemory: resource.MustParse(cfg.Capacity.Memory),
			corev1.ResourcePods:   resource.MustParse(cfg.Capacity.Pods),
		},
		Metrics: m,
	}, manager)
	if err != nil {
		return fmt.Errorf("creating provider: %w", err)
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
		defer srv.Close()
		logger.Info("Serving metrics on %s", cfg.MetricsAddr)
	}

	kubeCfg, err := restConfig(cfg.Kubeconfig)
	if err != nil {
		return err
	}
	k8sClient, err := kubernetes.NewForConfig(kubeCfg)
	if err != nil {
		return fmt.Errorf("creating Kubernetes client: %w", err)
	}

	nodeSpec, err := p.GetNode(ctx)
	if err != nil {
		return fmt.Errorf("building node spec: %w", err)
	}
	if nodeJSON, err := json.MarshalIndent(nodeSpec, "", "  "); err == nil {
		logger.Debug("Node definition:\n%s", string(nodeJSON))
	}

	nodeRunner, err := nodeutil.NewNode(
		cfg.NodeName,
		func(providerCfg nodeutil.ProviderConfig) (nodeutil.Provider, node.NodeProvider, error) {
			return p, p, nil
		},
		nodeutil.WithClient(k8sClient),
		func(nodeCfg *nodeutil.NodeConfig) error {
			nodeCfg.NodeSpec = *nodeSpec
			nodeCfg.NumWorkers = cfg.NumWorkers
			nodeCfg.InformerResyncPeriod = cfg.InformerResyncPeriod
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}

	logger.Info("Virtual node '%s' controller created with capacity: CPU=%s, Memory=%s",
		nodeSpec.Name,
		nodeSpec.Status.Capacity.Cpu().String(),
		nodeSpec.Status.Capacity.Memory().String())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting Virtual Kubelet node controller...")
		errCh <- nodeRunner.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, shutting down gracefully...")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("Node controller error: %v", runErr)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Stopping pod supervision: %v", err)
	}

	logger.Info("Shutdown complete")
	return runErr
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		c, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig %s: %w", kubeconfig, err)
		}
		return c, nil
	}

	c, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("getting in-cluster config: %w", err)
	}
	return c, nil
}
