package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

type concurrencySetting struct {
	ReservedConcurrentExecutions *int `json:"ReservedConcurrentExecutions"`
	InFlightExecutions           int  `json:"InFlightExecutions,omitempty"`
}

func concurrencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "concurrency",
		Short: "Manage reserved concurrency",
	}
	cmd.AddCommand(concurrencySetCmd(), concurrencyGetCmd(), concurrencyRmCmd())
	return cmd
}

func concurrencySetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <limit>",
		Short: "Reserve concurrency for a function (0 disables invocation)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("limit must be an integer: %q", args[1])
			}

			var out concurrencySetting
			err = newClient().doJSON(http.MethodPut, "/2017-10-31/functions/"+args[0]+"/concurrency",
				concurrencySetting{ReservedConcurrentExecutions: &limit}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("Reserved concurrency for '%s' set to %d\n", args[0], limit)
			return nil
		},
	}
}

func concurrencyGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Show a function's reserved concurrency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out concurrencySetting
			err := newClient().doJSON(http.MethodGet, "/2017-10-31/functions/"+args[0]+"/concurrency", nil, &out)
			if err != nil {
				return err
			}
			if out.ReservedConcurrentExecutions == nil {
				fmt.Printf("Function '%s' has no reserved concurrency (shared default applies), %d in flight\n",
					args[0], out.InFlightExecutions)
				return nil
			}
			fmt.Printf("Reserved concurrency for '%s': %d (%d in flight)\n",
				args[0], *out.ReservedConcurrentExecutions, out.InFlightExecutions)
			return nil
		},
	}
}

func concurrencyRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a function's reserved concurrency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := newClient().doJSON(http.MethodDelete, "/2017-10-31/functions/"+args[0]+"/concurrency", nil, nil)
			if err != nil {
				return err
			}
			fmt.Printf("Reserved concurrency for '%s' removed\n", args[0])
			return nil
		},
	}
}
