// pruning trains a sparse linear regression with one of the pruning regularizers, hard-prunes it with a
// threshold search, fine-tunes the remaining weights and reports how well the relevant features were recovered.
//
// Usage:
//
//	pruning train --config=run.yaml --set="kind=pmmp;alpha=0.01" --plots=/tmp/plots
//	pruning inspect ~/checkpoints/pruning
package main

import (
	"flag"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Exit codes.
const (
	exitSuccess = 0
	exitError   = 1
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pruning",
		Short:         "Train, prune and fine-tune sparse models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)
	root.AddCommand(newTrainCommand(), newInspectCommand())
	return root
}

func main() {
	defer klog.Flush()
	if err := newRootCommand().Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}
