package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func buildThreadsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List stored conversation threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(resolveConfigPath(*configPath))
			if err != nil {
				return err
			}
			defer rt.Close()

			infos, err := rt.store.ListThreads(cmd.Context())
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No threads yet. Start one with: lace chat")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "THREAD\tCREATED\tKIND")
			for _, info := range infos {
				kind := "root"
				if info.ID.IsChild() {
					kind = "delegate"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", info.ID, info.CreatedAt.Format("2006-01-02 15:04:05"), kind)
			}
			return w.Flush()
		},
	}
}
