package main

import (
	"github.com/spf13/cobra"

	catalogpkg "github.com/drblury/meshflow/internal/runtime/catalog"
	"github.com/drblury/meshflow/internal/runtime/jsoncodec"
)

func newResolveCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "resolve <service>",
		Short: "Print the instances the catalog returns for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.catalogClient()
			if err != nil {
				return err
			}
			instances, err := client.ListInstances(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !all {
				instances = catalogpkg.Healthy(instances)
			}
			return jsoncodec.Encode(cmd.OutOrStdout(), instances)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include instances failing their health check")
	return cmd
}

func (a *app) catalogClient() (*catalogpkg.Client, error) {
	backend, err := catalogpkg.Open(a.conf.CatalogSystem, catalogpkg.ConsulConfig{
		Address:    a.conf.ConsulAddress,
		Token:      a.conf.ConsulToken,
		Datacenter: a.conf.ConsulDatacenter,
	})
	if err != nil {
		return nil, err
	}
	return catalogpkg.NewClient(backend, a.logger, catalogpkg.ClientOptions{
		TTL:  a.conf.CatalogCacheTTL,
		Size: a.conf.CatalogCacheSize,
	})
}
