// otto is the autonomous task orchestrator CLI: `otto serve` runs the
// daemon, everything else talks to a running daemon over its HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is injected at build time via -ldflags.
var version = "dev"

var (
	flagAddr       string
	flagConfigPath string
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	root := &cobra.Command{
		Use:           "otto",
		Short:         "autonomous task orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", "127.0.0.1:8600", "address of the running daemon")
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to the configuration file")

	root.AddCommand(
		newServeCmd(),
		newSandboxWorkerCmd(),
		newTaskCmd(),
		newGoalCmd(),
		newApprovalCmd(),
		newPluginCmd(),
		newStatusCmd(),
		newEventsCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}

// statusColor renders a task or goal status with the conventional color.
func statusColor(status string) string {
	switch status {
	case "completed", "active":
		return green(status)
	case "pending", "blocked", "draft":
		return yellow(status)
	case "failed", "cancelled", "abandoned":
		return red(status)
	default:
		return status
	}
}
