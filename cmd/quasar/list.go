package main

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oriys/quasar/internal/domain"
)

func listCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List functions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var fns []*domain.Function
			if err := newClient().doJSON(http.MethodGet, "/2015-03-31/functions", nil, &fns); err != nil {
				return err
			}

			if asJSON {
				printJSONValue(fns)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tRUNTIME\tHANDLER\tMEMORY\tTIMEOUT\tRESERVED\tVERSION\tUPDATED")
			for _, fn := range fns {
				reserved := "-"
				if fn.ReservedConcurrency != nil {
					reserved = fmt.Sprintf("%d", *fn.ReservedConcurrency)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%dMB\t%ds\t%s\t%d\t%s\n",
					fn.Name,
					fn.Runtime,
					truncate(fn.Handler, 32),
					fn.MemoryMB,
					fn.TimeoutS,
					reserved,
					fn.Version,
					fn.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}
