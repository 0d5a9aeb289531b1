package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/api"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage signing keys",
	Long: `Key management commands. The vault must be unlocked.

Examples:
  nsigner keys list
  nsigner keys create main
  nsigner keys import --label old
  nsigner keys import --ncryptsec ncryptsec1...
  nsigner keys import --mnemonic --account 1
  nsigner keys use 01HXYZ...
  nsigner keys export 01HXYZ... --format ncryptsec`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keys",
	RunE:  runKeysList,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create [label]",
	Short: "Generate a new key",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runKeysCreate,
}

var keysImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an existing key",
	Long: `Import an nsec or hex secret key, a NIP-49 ncryptsec, or a NIP-06
mnemonic. Secrets are read from the terminal without echo, or from stdin
when it is not a terminal.`,
	Args: cobra.NoArgs,
	RunE: runKeysImport,
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a key",
	Long: `Permanently delete a key from the vault.

WARNING: Without a backup the key cannot be recovered.`,
	Args: cobra.ExactArgs(1),
	RunE: runKeysDelete,
}

var keysUseCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make a key the active key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysUse,
}

var keysExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a key as nsec or ncryptsec",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysExport,
}

var keysMnemonicCmd = &cobra.Command{
	Use:   "mnemonic",
	Short: "Generate a new NIP-06 mnemonic",
	Long: `Print a fresh 24-word mnemonic. Nothing is stored; import it with
nsigner keys import --mnemonic.`,
	RunE: runKeysMnemonic,
}

func init() {
	keysImportCmd.Flags().String("label", "", "key label")
	keysImportCmd.Flags().String("ncryptsec", "", "import a NIP-49 encrypted key")
	keysImportCmd.Flags().Bool("mnemonic", false, "derive the key from a NIP-06 mnemonic")
	keysImportCmd.Flags().Uint32("account", 0, "NIP-06 account index")
	keysImportCmd.Flags().Bool("bip39-passphrase", false, "prompt for a BIP-39 passphrase")
	keysImportCmd.MarkFlagsMutuallyExclusive("ncryptsec", "mnemonic")

	keysDeleteCmd.Flags().BoolP("force", "f", false, "skip confirmation prompt")

	keysExportCmd.Flags().String("format", "ncryptsec", "export format (nsec, ncryptsec)")
	keysExportCmd.Flags().Uint8("log-n", 0, "ncryptsec scrypt cost exponent (16-22)")
	keysExportCmd.Flags().BoolP("force", "f", false, "skip confirmation prompt for nsec")

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysImportCmd)
	keysCmd.AddCommand(keysDeleteCmd)
	keysCmd.AddCommand(keysUseCmd)
	keysCmd.AddCommand(keysExportCmd)
	keysCmd.AddCommand(keysMnemonicCmd)

	rootCmd.AddCommand(keysCmd)
}

func runKeysList(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	keys, err := client.ListKeys(cmd.Context())
	if err != nil {
		return err
	}

	if structured() {
		return printStructured(api.KeysResponse{Keys: keys, Count: len(keys)})
	}

	if len(keys) == 0 {
		fmt.Fprintln(stdout, "No keys found")
		return nil
	}

	w := newTable()
	printTableHeader(w, "ID", "LABEL", "NPUB", "ACTIVE", "CREATED")
	for _, k := range keys {
		active := ""
		if k.IsActive {
			active = colorGreen("*")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			k.ID,
			k.Label,
			truncate(k.Npub, 24),
			active,
			formatTime(k.CreatedAt),
		)
	}
	return w.Flush()
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	var label string
	if len(args) > 0 {
		label = args[0]
	}

	key, err := client.CreateKey(cmd.Context(), label)
	if err != nil {
		return err
	}
	return printKey("Key created", key)
}

func runKeysImport(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	label, _ := cmd.Flags().GetString("label")
	ncryptsec, _ := cmd.Flags().GetString("ncryptsec")
	mnemonic, _ := cmd.Flags().GetBool("mnemonic")

	var key *nsigner.KeyInfo
	switch {
	case ncryptsec != "":
		password, err := readSecret("ncryptsec password: ")
		if err != nil {
			return err
		}
		key, err = client.ImportEncrypted(ctx, api.ImportEncryptedRequest{
			Ncryptsec: ncryptsec,
			Password:  password,
			Label:     label,
		})
		if err != nil {
			return err
		}

	case mnemonic:
		words, err := readSecret("Mnemonic: ")
		if err != nil {
			return err
		}
		req := api.ImportMnemonicRequest{Mnemonic: words, Label: label}
		req.Account, _ = cmd.Flags().GetUint32("account")
		if ask, _ := cmd.Flags().GetBool("bip39-passphrase"); ask {
			if req.Passphrase, err = readSecret("BIP-39 passphrase: "); err != nil {
				return err
			}
		}
		if key, err = client.ImportMnemonic(ctx, req); err != nil {
			return err
		}

	default:
		secret, err := readSecret("Secret key (nsec or hex): ")
		if err != nil {
			return err
		}
		if key, err = client.ImportKey(ctx, api.ImportKeyRequest{Secret: secret, Label: label}); err != nil {
			return err
		}
	}

	return printKey("Key imported", key)
}

func runKeysDelete(cmd *cobra.Command, args []string) error {
	keyID := args[0]

	force, _ := cmd.Flags().GetBool("force")
	if !force && !confirm(fmt.Sprintf("Delete key %s? This cannot be undone.", keyID)) {
		fmt.Fprintln(stdout, "Aborted")
		return nil
	}

	client, err := getClient()
	if err != nil {
		return err
	}
	if err := client.DeleteKey(cmd.Context(), keyID); err != nil {
		return err
	}

	if structured() {
		return printStructured(map[string]string{"status": "deleted", "id": keyID})
	}
	printSuccess("Key deleted: %s", keyID)
	return nil
}

func runKeysUse(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	key, err := client.ActivateKey(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printKey("Active key set", key)
}

func runKeysExport(cmd *cobra.Command, args []string) error {
	keyID := args[0]

	format, _ := cmd.Flags().GetString("format")
	logN, _ := cmd.Flags().GetUint8("log-n")
	force, _ := cmd.Flags().GetBool("force")

	req := api.ExportKeyRequest{Format: format, LogN: logN}
	switch format {
	case "ncryptsec":
		password, err := readNewSecret("Export password: ")
		if err != nil {
			return err
		}
		req.Password = password
	case "nsec":
		if !force && !confirm("Print the unencrypted secret key?") {
			fmt.Fprintln(stdout, "Aborted")
			return nil
		}
	default:
		return fmt.Errorf("unknown format %q (nsec, ncryptsec)", format)
	}

	client, err := getClient()
	if err != nil {
		return err
	}
	resp, err := client.ExportKey(cmd.Context(), keyID, req)
	if err != nil {
		return err
	}

	if structured() {
		return printStructured(resp)
	}
	fmt.Fprintln(stdout, resp.Secret)
	if resp.Warning != "" {
		fmt.Fprintf(stderr, "%s %s\n", colorYellow("⚠"), resp.Warning)
	}
	return nil
}

func runKeysMnemonic(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	words, err := client.GenerateMnemonic(cmd.Context())
	if err != nil {
		return err
	}

	if structured() {
		return printStructured(api.MnemonicResponse{Mnemonic: words})
	}
	fmt.Fprintln(stdout, words)
	fmt.Fprintf(stderr, "%s Write these words down. They are not stored.\n", colorYellow("⚠"))
	return nil
}

func printKey(msg string, key *nsigner.KeyInfo) error {
	if key == nil {
		return errors.New("empty response")
	}
	if structured() {
		return printStructured(key)
	}
	printSuccess("%s", msg)
	fmt.Fprintf(stdout, "  ID:      %s\n", key.ID)
	if key.Label != "" {
		fmt.Fprintf(stdout, "  Label:   %s\n", key.Label)
	}
	fmt.Fprintf(stdout, "  Npub:    %s\n", key.Npub)
	fmt.Fprintf(stdout, "  Pubkey:  %s\n", key.PublicKey)
	if key.IsActive {
		fmt.Fprintf(stdout, "  Active:  %s\n", colorGreen("yes"))
	}
	return nil
}
