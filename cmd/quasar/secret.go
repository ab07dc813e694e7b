package main

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func secretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets referenced as $SECRET:name in function env",
	}
	cmd.AddCommand(secretSetCmd(), secretLsCmd(), secretRmCmd())
	return cmd
}

func secretSetCmd() *cobra.Command {
	var fromFile string

	cmd := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store or replace a secret",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value string
			switch {
			case fromFile != "":
				data, err := os.ReadFile(fromFile)
				if err != nil {
					return err
				}
				value = string(data)
			case len(args) == 2:
				value = args[1]
			default:
				return fmt.Errorf("secret value required (argument or --from-file)")
			}

			err := newClient().doJSON(http.MethodPut, "/secrets/"+args[0],
				map[string]string{"value": value}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("Secret '%s' stored\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&fromFile, "from-file", "", "Read the secret value from a file")
	return cmd
}

func secretLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List secret names (values are never returned)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Secrets map[string]string `json:"secrets"`
			}
			if err := newClient().doJSON(http.MethodGet, "/secrets", nil, &out); err != nil {
				return err
			}

			names := make([]string, 0, len(out.Secrets))
			for name := range out.Secrets {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCREATED")
			for _, name := range names {
				fmt.Fprintf(w, "%s\t%s\n", name, out.Secrets[name])
			}
			return w.Flush()
		},
	}
}

func secretRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().doJSON(http.MethodDelete, "/secrets/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Secret '%s' deleted\n", args[0])
			return nil
		},
	}
}
