package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/teamyard/internal/llm"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the providers and models a team may use",
		Run: func(cmd *cobra.Command, args []string) {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tLABEL\tAPI KEY")
			for _, p := range llm.Catalog {
				key := "required"
				if !p.NeedsAPIKey {
					key = "-"
				}
				for _, m := range p.Models {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, m.ID, m.Label, key)
				}
			}
			w.Flush()
		},
	}
}
