package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Bidon15/nsigner/internal/api"
	"github.com/Bidon15/nsigner/internal/permission"
)

var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "Manage per-application permissions",
	Long: `A grant records what an application may do without asking. Remote
NIP-46 clients appear as bunker:<pubkey>.

Examples:
  nsigner grants list
  nsigner grants set my-client --kinds 1,7 --nip44 --auto-approve
  nsigner grants set bunker:ab12... --no-kinds --nip04
  nsigner grants revoke my-client`,
}

var grantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List grants",
	RunE:  runGrantsList,
}

var grantsSetCmd = &cobra.Command{
	Use:   "set <app_id>",
	Short: "Create or replace a grant",
	Long: `Create or replace the grant for an application. The whole grant is
replaced, so pass every permission the application should keep.

Without --kinds or --no-kinds the application may sign every event kind.`,
	Args: cobra.ExactArgs(1),
	RunE: runGrantsSet,
}

var grantsRevokeCmd = &cobra.Command{
	Use:   "revoke <app_id>",
	Short: "Remove a grant",
	Args:  cobra.ExactArgs(1),
	RunE:  runGrantsRevoke,
}

func init() {
	grantsSetCmd.Flags().String("name", "", "display name")
	grantsSetCmd.Flags().IntSlice("kinds", nil, "event kinds the application may sign")
	grantsSetCmd.Flags().Bool("no-kinds", false, "allow no event kinds")
	grantsSetCmd.Flags().Bool("nip04", false, "allow NIP-04 encryption and zap decryption")
	grantsSetCmd.Flags().Bool("nip44", false, "allow NIP-44 encryption")
	grantsSetCmd.Flags().Bool("auto-approve", false, "sign allowed requests without asking, within the rate limit")
	grantsSetCmd.MarkFlagsMutuallyExclusive("kinds", "no-kinds")

	grantsRevokeCmd.Flags().BoolP("force", "f", false, "skip confirmation prompt")

	grantsCmd.AddCommand(grantsListCmd)
	grantsCmd.AddCommand(grantsSetCmd)
	grantsCmd.AddCommand(grantsRevokeCmd)

	rootCmd.AddCommand(grantsCmd)
}

func runGrantsList(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	grants, err := client.ListGrants(cmd.Context())
	if err != nil {
		return err
	}

	if structured() {
		return printStructured(grants)
	}

	if len(grants) == 0 {
		fmt.Fprintln(stdout, "No grants found")
		return nil
	}

	w := newTable()
	printTableHeader(w, "APP", "NAME", "KINDS", "NIP04", "NIP44", "AUTO", "UPDATED")
	for _, g := range grants {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(g.AppID, 32),
			g.Name,
			formatKinds(g.AllowedEventKinds),
			yesNo(g.Nip04Allowed),
			yesNo(g.Nip44Allowed),
			yesNo(g.AutoApprove),
			formatTime(g.UpdatedAt),
		)
	}
	return w.Flush()
}

func runGrantsSet(cmd *cobra.Command, args []string) error {
	appID := args[0]

	req := api.GrantRequest{}
	req.Name, _ = cmd.Flags().GetString("name")
	req.Nip04Allowed, _ = cmd.Flags().GetBool("nip04")
	req.Nip44Allowed, _ = cmd.Flags().GetBool("nip44")
	req.AutoApprove, _ = cmd.Flags().GetBool("auto-approve")
	if cmd.Flags().Changed("kinds") {
		req.AllowedEventKinds, _ = cmd.Flags().GetIntSlice("kinds")
	}
	if none, _ := cmd.Flags().GetBool("no-kinds"); none {
		req.AllowedEventKinds = []int{}
	}

	client, err := getClient()
	if err != nil {
		return err
	}

	g, err := client.PutGrant(cmd.Context(), appID, req)
	if err != nil {
		return err
	}
	return printGrant(g)
}

func runGrantsRevoke(cmd *cobra.Command, args []string) error {
	appID := args[0]

	force, _ := cmd.Flags().GetBool("force")
	if !force && !confirm(fmt.Sprintf("Revoke all permissions of %s?", appID)) {
		fmt.Fprintln(stdout, "Aborted")
		return nil
	}

	client, err := getClient()
	if err != nil {
		return err
	}
	if err := client.RevokeGrant(cmd.Context(), appID); err != nil {
		return err
	}

	if structured() {
		return printStructured(map[string]string{"status": "revoked", "app_id": appID})
	}
	printSuccess("Grant revoked: %s", appID)
	return nil
}

func printGrant(g *permission.Grant) error {
	if structured() {
		return printStructured(g)
	}
	printSuccess("Grant saved: %s", g.AppID)
	if g.Name != "" {
		fmt.Fprintf(stdout, "  Name:          %s\n", g.Name)
	}
	fmt.Fprintf(stdout, "  Event kinds:   %s\n", formatKinds(g.AllowedEventKinds))
	fmt.Fprintf(stdout, "  NIP-04:        %s\n", yesNo(g.Nip04Allowed))
	fmt.Fprintf(stdout, "  NIP-44:        %s\n", yesNo(g.Nip44Allowed))
	fmt.Fprintf(stdout, "  Auto-approve:  %s\n", yesNo(g.AutoApprove))
	return nil
}

// formatKinds renders nil as every kind and empty as none.
func formatKinds(kinds []int) string {
	if kinds == nil {
		return "all"
	}
	if len(kinds) == 0 {
		return "none"
	}
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = strconv.Itoa(k)
	}
	return strings.Join(parts, ",")
}

func yesNo(b bool) string {
	if b {
		return colorGreen("yes")
	}
	return "no"
}
