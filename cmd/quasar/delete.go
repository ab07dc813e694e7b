package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func deleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a function and tear down its containers",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().doJSON(http.MethodDelete, "/2015-03-31/functions/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Function '%s' deleted\n", args[0])
			return nil
		},
	}
	return cmd
}
