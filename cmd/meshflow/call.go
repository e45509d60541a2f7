package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	errspkg "github.com/drblury/meshflow/internal/runtime/errors"
	"github.com/drblury/meshflow/internal/runtime/jsoncodec"
	"github.com/drblury/meshflow/internal/runtime/resilience"
)

func newCallCmd(a *app) *cobra.Command {
	var method, data string
	var headers []string

	cmd := &cobra.Command{
		Use:   "call <service> <path>",
		Short: "Call a service through the resilient invoker and print its answer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.catalogClient()
			if err != nil {
				return err
			}
			invoker, err := resilience.NewInvoker(client, a.invokerConfig(), resilience.WithLogger(a.logger))
			if err != nil {
				return err
			}

			req := resilience.Request{Method: strings.ToUpper(method), Path: args[1], Header: http.Header{}}
			if data != "" {
				req.Body = []byte(data)
				req.Header.Set("Content-Type", "application/json")
			}
			for _, h := range headers {
				key, value, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("header %q is not key:value", h)
				}
				req.Header.Add(strings.TrimSpace(key), strings.TrimSpace(value))
			}

			resp, err := invoker.Call(cmd.Context(), args[0], req)
			if err != nil {
				_ = jsoncodec.Encode(cmd.ErrOrStderr(), errspkg.NewResponse(err))
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "HTTP %d\n", resp.StatusCode)
			_, err = cmd.OutOrStdout().Write(resp.Body)
			return err
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "extra header as key:value, repeatable")
	return cmd
}

func (a *app) invokerConfig() resilience.InvokerConfig {
	c := a.conf
	return resilience.InvokerConfig{
		Breaker: resilience.BreakerSettings{
			FailureRate:     c.CircuitFailureRate,
			MinimumRequests: c.CircuitMinimumRequests,
			ResetTimeout:    c.CircuitResetTimeout,
			Window:          c.CircuitWindow,
		},
		Retry: resilience.RetryPolicy{
			MaxAttempts:   c.RetryMaxAttempts,
			InitialDelay:  c.RetryInitialDelay,
			BackoffFactor: c.RetryBackoffFactor,
			MaxDelay:      c.RetryMaxDelay,
		},
		Bulkhead: resilience.BulkheadSettings{
			MaxConcurrent: c.BulkheadMaxConcurrent,
			MaxQueued:     c.BulkheadMaxQueued,
		},
		Timeout: c.CallTimeout,
	}
}
