// Package main 是 synthd 守护进程与运维命令行的入口。
//
//	synthd serve --config synthd.yaml
//	synthd runtimes
//	synthd check
//
// 配置路径也可以通过 SYNTHRAL_CONFIG 指定，SYNTHRAL_* 环境变量覆盖文件中的值。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// main 是 synthd 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "synthd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "synthd",
		Short:         "Agent task execution daemon",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to a YAML or JSON configuration file (defaults to $SYNTHRAL_CONFIG)")
	root.AddCommand(buildServeCmd(), buildRuntimesCmd(), buildCheckCmd())
	return root
}
