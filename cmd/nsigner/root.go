package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Bidon15/nsigner/internal/client"
	"github.com/Bidon15/nsigner/internal/config"
)

var (
	cfgFile      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "nsigner",
	Short: "Nostr signing authority",
	Long: `nsigner keeps Nostr secret keys in an encrypted vault and signs on
behalf of local applications and NIP-46 remote clients, subject to
per-application grants and interactive approval.

Examples:
  nsigner serve --unlock
  nsigner vault unlock
  nsigner keys create main
  nsigner grants set my-client --kinds 1,7 --nip44
  nsigner approvals list`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch outputFormat {
		case "table", "json", "yaml":
			return nil
		default:
			return fmt.Errorf("unknown output format %q (table, json, yaml)", outputFormat)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml, $XDG_CONFIG_HOME/nsigner/config.yaml)")
	rootCmd.PersistentFlags().String("control", "", "control API address, host:port or unix:/path")
	rootCmd.PersistentFlags().Duration("timeout", client.DefaultTimeout, "control request timeout")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
}

// loadConfig reads the config with command line overrides applied.
func loadConfig() (*config.Config, error) {
	v := config.New(cfgFile)
	if err := v.BindPFlag("control.address", rootCmd.PersistentFlags().Lookup("control")); err != nil {
		return nil, err
	}
	return config.Load(v)
}

func getClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	timeout, _ := rootCmd.PersistentFlags().GetDuration("timeout")
	return client.New(cfg.Control.Address, timeout)
}
