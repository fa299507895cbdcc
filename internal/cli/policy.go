package cli

import (
	"fmt"
	"slices"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newPolicyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Print the effective policy and registry settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			settings := cfg.Settings()
			keys := make([]string, 0, len(settings))
			for k := range settings {
				keys = append(keys, k)
			}
			slices.Sort(keys)

			t := table.NewWriter()
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Key", "Value"})
			for _, k := range keys {
				t.AppendRow(table.Row{k, fmt.Sprint(settings[k])})
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return err
		},
	}
}
