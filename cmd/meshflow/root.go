package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	configpkg "github.com/drblury/meshflow/internal/runtime/config"
	loggingpkg "github.com/drblury/meshflow/internal/runtime/logging"
	"github.com/drblury/meshflow/transport"
	_ "github.com/drblury/meshflow/transport/transports"
)

// app holds what PersistentPreRunE prepares for every subcommand.
type app struct {
	configPath string
	conf       *configpkg.Config
	zap        *zap.Logger
	logger     loggingpkg.ServiceLogger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "meshflow",
		Short:         "Run and operate meshflow services",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.zap != nil {
				_ = a.zap.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file; MESHFLOW_* variables override it")

	root.AddCommand(
		newServeCmd(a),
		newResolveCmd(a),
		newCallCmd(a),
		newDeadLetterCmd(a),
		newPublishTaskCmd(a),
	)
	return root
}

func (a *app) init() error {
	conf, err := configpkg.Load(a.configPath)
	if err != nil {
		return err
	}
	conf.ApplyDefaults()

	zl, err := loggingpkg.NewZapLogger(loggingpkg.ZapOptions{
		Level:  conf.LogLevel,
		Format: conf.LogFormat,
		File:   conf.LogFile,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	a.conf = conf
	a.zap = zl
	a.logger = loggingpkg.NewZapServiceLogger(zl)
	return nil
}

// connect builds and connects the configured broker channel.
func (a *app) connect(ctx context.Context) (transport.Channel, error) {
	ch, err := transport.Build(ctx, a.conf, loggingpkg.NewWatermillAdapter(a.logger))
	if err != nil {
		return nil, err
	}
	if err := ch.Connect(ctx); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}
