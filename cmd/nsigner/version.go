package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client and daemon versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := map[string]string{"client": version}
		if client, err := getClient(); err == nil {
			if h, err := client.Health(cmd.Context()); err == nil {
				out["daemon"] = h.Version
			}
		}

		if structured() {
			return printStructured(out)
		}
		fmt.Fprintf(stdout, "client: %s\n", out["client"])
		if d, ok := out["daemon"]; ok {
			fmt.Fprintf(stdout, "daemon: %s\n", d)
		} else {
			fmt.Fprintln(stdout, "daemon: not reachable")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
