package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gomlx/pruning/pkg/config"
	"github.com/gomlx/pruning/ui/commandline"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	trainConfigPath  string
	trainSettings    []string
	trainPlotsDir    string
	trainMetricsAddr string
	trainNoProgress  bool
	trainPrintConfig bool
)

func newTrainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train with a pruning regularizer, prune with a threshold search and fine-tune",
		Long: `Train a sparse linear regression with the configured regularizer, then search the threshold
that satisfies the pruning criterion, harden the mask and fine-tune the remaining weights.

Values of the configuration file can be overridden with --set, e.g. --set="kind=drr;beta=2".`,
		Args: cobra.NoArgs,
		RunE: runTrain,
	}
	flags := cmd.Flags()
	flags.StringVarP(&trainConfigPath, "config", "c", "", "YAML configuration file. Defaults are used if not given.")
	flags.StringArrayVar(&trainSettings, "set", nil, `Configuration overrides, "key=value" separated by ";".`)
	flags.StringVar(&trainPlotsDir, "plots", "", "Directory where to save plot points and PNG images.")
	flags.StringVar(&trainMetricsAddr, "metrics_addr", "", `If set (e.g. ":9090"), serve prometheus metrics while training.`)
	flags.BoolVar(&trainNoProgress, "no_progress", false, "Disable the progress bar.")
	flags.BoolVar(&trainPrintConfig, "print_config", false, "Print the configuration before running.")
	return cmd
}

func loadConfig(path string, settings []string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if _, err := commandline.ParseSettings(cfg, settings...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(trainConfigPath, trainSettings)
	if err != nil {
		return err
	}
	if trainPrintConfig {
		cmd.Println(cfg.String())
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	if trainMetricsAddr != "" {
		server := &http.Server{
			Addr:              trainMetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.Errorf("metrics server: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		}()
		klog.Infof("serving metrics at %s/metrics", trainMetricsAddr)
	}

	report, err := runProcedure(cfg, runOptions{
		ProgressBar: !trainNoProgress,
		PlotsDir:    trainPlotsDir,
		Registerer:  registry,
	})
	if err != nil {
		return err
	}
	return printReport(os.Stdout, report)
}
