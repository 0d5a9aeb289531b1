package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/approval"
)

const watchRetryDelay = 2 * time.Second

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review pending signing requests",
	Long: `Requests that no grant covers wait here until approved, denied or
timed out.

Examples:
  nsigner approvals list
  nsigner approvals approve 3f2c...
  nsigner approvals deny 3f2c...
  nsigner approvals watch --prompt`,
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending requests",
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveApproval(cmd, args[0], true)
	},
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return resolveApproval(cmd, args[0], false)
	},
}

var approvalsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow new requests as they arrive",
	Long: `Print each pending request as it arrives. With --prompt, ask whether to
approve or deny it. The stream reconnects until interrupted.`,
	RunE: runApprovalsWatch,
}

func init() {
	approvalsWatchCmd.Flags().Bool("prompt", false, "ask to approve or deny each request")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsWatchCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsDenyCmd)

	rootCmd.AddCommand(approvalsCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}

	pending, err := client.ListApprovals(cmd.Context())
	if err != nil {
		return err
	}

	if structured() {
		return printStructured(pending)
	}

	if len(pending) == 0 {
		fmt.Fprintln(stdout, "No pending requests")
		return nil
	}

	w := newTable()
	printTableHeader(w, "ID", "APP", "OPERATION", "SUMMARY", "EXPIRES IN")
	for _, r := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			truncate(r.AppID, 24),
			r.Operation,
			truncate(r.Summary, 48),
			formatRemaining(r.ExpiresAt),
		)
	}
	return w.Flush()
}

func runApprovalsWatch(cmd *cobra.Command, args []string) error {
	client, err := getClient()
	if err != nil {
		return err
	}
	prompt, _ := cmd.Flags().GetBool("prompt")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	seen := make(map[string]bool)
	handle := func(r approval.Request) error {
		if seen[r.ID] {
			return nil
		}
		seen[r.ID] = true

		if structured() {
			return printStructured(r)
		}
		fmt.Fprintf(stdout, "%s %s  %s  %s\n", colorYellow("?"), r.ID, r.AppID, r.Operation)
		if r.Summary != "" {
			fmt.Fprintf(stdout, "    %s\n", r.Summary)
		}
		if !prompt {
			return nil
		}
		fmt.Fprint(stdout, "    [a]pprove / [d]eny / [s]kip: ")
		line, _ := stdin.ReadString('\n')
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a", "approve":
			return resolveApproval(cmd, r.ID, true)
		case "d", "deny":
			return resolveApproval(cmd, r.ID, false)
		}
		return nil
	}

	for {
		err := client.WatchApprovals(ctx, handle)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			// Resolving a request that expired meanwhile is not fatal.
			if errors.Is(err, nsigner.ErrAlreadyResolved) || errors.Is(err, nsigner.ErrApprovalNotFound) {
				fmt.Fprintf(stderr, "%s %v\n", colorYellow("⚠"), err)
				continue
			}
			fmt.Fprintf(stderr, "%s stream interrupted: %v\n", colorYellow("⚠"), err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watchRetryDelay):
		}
	}
}

func resolveApproval(cmd *cobra.Command, id string, approved bool) error {
	client, err := getClient()
	if err != nil {
		return err
	}
	if err := client.ResolveApproval(cmd.Context(), id, approved); err != nil {
		return err
	}

	res := nsigner.Rejected
	if approved {
		res = nsigner.Approved
	}
	if structured() {
		return printStructured(map[string]string{"id": id, "resolution": res.String()})
	}
	if approved {
		printSuccess("Approved: %s", id)
	} else {
		fmt.Fprintf(stdout, "%s Denied: %s\n", colorRed("✗"), id)
	}
	return nil
}

func formatRemaining(expiresAt time.Time) string {
	d := time.Until(expiresAt).Round(time.Second)
	if d <= 0 {
		return colorRed("expired")
	}
	if d < 10*time.Second {
		return colorYellow(d.String())
	}
	return d.String()
}
