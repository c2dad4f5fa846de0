package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newModelsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models and versions the service offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			force, _ := cmd.Flags().GetBool("force")
			if _, err := a.catalog.Refresh(cmd.Context(), force); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, key := range a.catalog.Models() {
				var tags []string
				if a.catalog.Streamable(key) {
					tags = append(tags, "stream")
				}
				if a.catalog.Expensive(key, "") {
					tags = append(tags, "expensive")
				}
				_, _ = fmt.Fprintf(w, "%s %s\n", assistantColor.Sprint(key), dimColor.Sprint(tags))
				selected := a.catalog.Resolve(key, "")
				for _, v := range a.catalog.Versions(key) {
					marker := " "
					if v.ID == selected {
						marker = "*"
					}
					_, _ = fmt.Fprintf(w, "  %s %-28s %-12s %s\n", marker, v.ID, v.Label, dimColor.Sprint(v.Tier))
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Bypass the service's cache")
	return cmd
}
