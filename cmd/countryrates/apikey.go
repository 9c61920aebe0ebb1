package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bher20/countryrates/internal/auth"
)

func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "API key helpers",
	}
	var name, role string
	hash := &cobra.Command{
		Use:   "hash [key]",
		Short: "Print a COUNTRYRATES_API_KEYS entry for a key (read from stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no key given on stdin")
				}
				raw = strings.TrimSpace(line)
			}
			h, err := auth.HashKey(raw)
			if err != nil {
				return err
			}
			if _, err := auth.ParseAPIKeys(fmt.Sprintf("%s:%s:%s", name, role, h)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s:%s\n", name, role, h)
			return nil
		},
	}
	hash.Flags().StringVar(&name, "name", "default", "key name")
	hash.Flags().StringVar(&role, "role", "editor", "role: admin, editor or viewer")
	cmd.AddCommand(hash)
	return cmd
}
