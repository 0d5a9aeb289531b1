package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Bidon15/nsigner/internal/app"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Lock, unlock and inspect the key vault",
	Long: `Vault commands talk to a running daemon.

The first unlock of an empty vault sets its passphrase.

Examples:
  nsigner vault status
  nsigner vault unlock
  echo "$PASS" | nsigner vault unlock
  nsigner vault passwd`,
}

var vaultStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	RunE:  runVaultStatus,
}

var vaultUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Unlock the vault, initializing it on first use",
	RunE:  runVaultUnlock,
}

var vaultLockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Lock the vault and wipe decrypted keys from memory",
	RunE:  runVaultLock,
}

var vaultPasswdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the vault passphrase",
	RunE:  runVaultPasswd,
}

func init() {
	vaultCmd.AddCommand(vaultStatusCmd)
	vaultCmd.AddCommand(vaultUnlockCmd)
	vaultCmd.AddCommand(vaultLockCmd)
	vaultCmd.AddCommand(vaultPasswdCmd)

	rootCmd.AddCommand(vaultCmd)
}

func runVaultStatus(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	st, err := client.VaultStatus(cmd.Context())
	if err != nil {
		return err
	}
	return printVaultStatus(st)
}

func printVaultStatus(st *app.VaultStatus) error {
	if structured() {
		return printStructured(st)
	}

	state := colorRed("LOCKED")
	switch {
	case !st.Initialized:
		state = colorYellow("UNINITIALIZED")
	case st.Unlocked:
		state = colorGreen("UNLOCKED")
	}
	fmt.Fprintf(stdout, "State:       %s\n", state)
	if st.Unlocked {
		fmt.Fprintf(stdout, "Keys:        %d\n", st.Keys)
		if st.ActiveKey != "" {
			fmt.Fprintf(stdout, "Active key:  %s\n", st.ActiveKey)
		}
	}
	return nil
}

func runVaultUnlock(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	st, err := client.VaultStatus(ctx)
	if err != nil {
		return err
	}
	if st.Unlocked {
		fmt.Fprintln(stdout, "Vault is already unlocked")
		return nil
	}

	var passphrase string
	if st.Initialized {
		passphrase, err = readSecret("Passphrase: ")
	} else {
		fmt.Fprintf(stdout, "%s Creating a new vault. The passphrase cannot be recovered.\n", colorYellow("ℹ"))
		passphrase, err = readNewSecret("New passphrase: ")
	}
	if err != nil {
		return err
	}

	st, err = client.Unlock(ctx, passphrase)
	if err != nil {
		return err
	}
	if structured() {
		return printStructured(st)
	}
	printSuccess("Vault unlocked (%d keys)", st.Keys)
	return nil
}

func runVaultLock(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}
	if err := client.Lock(cmd.Context()); err != nil {
		return err
	}
	if structured() {
		return printStructured(map[string]string{"status": "locked"})
	}
	printSuccess("Vault locked")
	return nil
}

func runVaultPasswd(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	oldPass, err := readSecret("Current passphrase: ")
	if err != nil {
		return err
	}
	newPass, err := readNewSecret("New passphrase: ")
	if err != nil {
		return err
	}

	if err := client.ChangePassphrase(cmd.Context(), oldPass, newPass); err != nil {
		return err
	}
	if structured() {
		return printStructured(map[string]string{"status": "ok"})
	}
	printSuccess("Passphrase changed")
	return nil
}
