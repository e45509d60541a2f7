package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/meshflow/internal/runtime"
	"github.com/drblury/meshflow/internal/runtime/deadletter"
	"github.com/drblury/meshflow/internal/runtime/httpapi"
)

func newServeCmd(a *app) *cobra.Command {
	var recoverTasks bool
	var logJobs bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register in the catalog and serve /health, /metrics and the call gateway until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, recoverTasks, logJobs)
		},
	}
	cmd.Flags().BoolVar(&recoverTasks, "recover-tasks", true, "retry dead-lettered tasks until the attempt limit")
	cmd.Flags().BoolVar(&logJobs, "log-jobs", false, "log every consumed message")
	return cmd
}

func (a *app) serve(ctx context.Context, recoverTasks, logJobs bool) error {
	deps := runtimepkg.ServiceDependencies{}
	if logJobs {
		deps.Hooks = runtimepkg.LoggingHooks(a.logger)
	}
	svc, err := runtimepkg.TryNewService(a.conf, a.logger, ctx, deps)
	if err != nil {
		return err
	}

	svc.Engine().Any("/call/:service/*path", httpapi.Gateway(svc.Invoker()))
	if recoverTasks {
		if err := svc.HandleDeadLetters(svc.Tasks().Name(), deadletter.RetryAll); err != nil {
			return err
		}
	}
	return svc.Start(ctx)
}
