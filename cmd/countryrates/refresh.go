package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newRefreshCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Run one refresh and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), f)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}
