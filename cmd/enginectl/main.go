// Command enginectl runs operator actions against the engine's stores:
// deleting jobs, correcting balances, changing tiers and risk, reporting and
// forcing a reconciler pass.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"genengine/internal/bootstrap"
	"genengine/internal/infra"
)

var (
	errColor  = color.New(color.FgRed)
	warnColor = color.New(color.FgYellow)
	okColor   = color.New(color.FgGreen)
)

// buildFunc opens a runtime for one command invocation.
type buildFunc func(ctx context.Context) (*bootstrap.Runtime, error)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(buildFromEnv, os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		errColor.Fprintf(os.Stderr, "enginectl: %v\n", err)
		os.Exit(1)
	}
}

func buildFromEnv(ctx context.Context) (*bootstrap.Runtime, error) {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.LogLevel).With().Str("cmd", "enginectl").Logger()
	if cfg.StoreBackend == infra.BackendMemory {
		logger.Warn().Msg("STORE_BACKEND=memory: changes will not outlive this command")
	}
	return bootstrap.Build(ctx, cfg, logger, bootstrap.Options{})
}

func newRootCmd(build buildFunc, out io.Writer) *cobra.Command {
	var noColor bool
	root := &cobra.Command{
		Use:           "enginectl",
		Short:         "Operator tool for the generation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}
	root.SetOut(out)
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	c := &cli{build: build, out: out}
	root.AddCommand(
		c.deleteJobCmd(),
		c.adjustPointsCmd(),
		c.creditCmd(),
		c.setTierCmd(),
		c.setRiskCmd(),
		c.statsCmd(),
		c.sweepCmd(),
		c.setCredentialCmd(),
	)
	return root
}

type cli struct {
	build buildFunc
	out   io.Writer
}

// withRuntime opens a runtime, runs fn and closes it again.
func (c *cli) withRuntime(cmd *cobra.Command, fn func(rt *bootstrap.Runtime) error) error {
	rt, err := c.build(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}
