// Command styletransfer renders a content image in the style of another by
// optimizing the pixels against VGG feature statistics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type globalFlags struct {
	logFormat string
	verbose   bool
}

func (g *globalFlags) logger() (*slog.Logger, error) {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	switch g.logFormat {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q (text or json)", g.logFormat)
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "styletransfer",
		Short:         "Neural style transfer on the CPU",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "text", "log output format: text or json")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log solver diagnostics")

	root.AddCommand(newRunCmd(g), newAdaINCmd(g), newInitWeightsCmd(g), newLayersCmd(g))
	root.SetGlobalNormalizationFunc(dashed)
	return root
}

// dashed lets --style_weight and --style-weight name the same flag.
func dashed(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
