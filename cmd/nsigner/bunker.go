package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/app"
)

var bunkerCmd = &cobra.Command{
	Use:   "bunker",
	Short: "Control the NIP-46 remote signer",
	Long: `Start, stop and inspect the NIP-46 bunker. Paste the bunker:// URI
into a remote client to pair it.

Examples:
  nsigner bunker start
  nsigner bunker status
  nsigner bunker stop`,
}

var bunkerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start listening on the configured relays",
	RunE:  runBunkerStart,
}

var bunkerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the remote signer",
	RunE:  runBunkerStop,
}

var bunkerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the remote signer state and URI",
	RunE:  runBunkerStatus,
}

func init() {
	bunkerCmd.AddCommand(bunkerStartCmd)
	bunkerCmd.AddCommand(bunkerStopCmd)
	bunkerCmd.AddCommand(bunkerStatusCmd)

	rootCmd.AddCommand(bunkerCmd)
}

func runBunkerStart(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}
	st, err := client.StartBunker(cmd.Context())
	if err != nil {
		return err
	}
	return printBunker(st)
}

func runBunkerStop(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}
	st, err := client.StopBunker(cmd.Context())
	if err != nil {
		return err
	}
	return printBunker(st)
}

func runBunkerStatus(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}
	st, err := client.BunkerStatus(cmd.Context())
	if err != nil {
		return err
	}
	return printBunker(st)
}

func printBunker(st *app.BunkerStatus) error {
	if structured() {
		return printStructured(st)
	}
	fmt.Fprintf(stdout, "State:   %s\n", formatBunkerState(st.State))
	if st.URI != "" {
		fmt.Fprintf(stdout, "URI:     %s\n", st.URI)
	}
	if st.ClientPubkey != "" {
		fmt.Fprintf(stdout, "Client:  %s\n", st.ClientPubkey)
	}
	return nil
}

func formatBunkerState(s nsigner.BunkerState) string {
	switch s {
	case nsigner.BunkerListening, nsigner.BunkerPaired:
		return colorGreen(s.String())
	case nsigner.BunkerStarting:
		return colorYellow(s.String())
	default:
		return s.String()
	}
}
