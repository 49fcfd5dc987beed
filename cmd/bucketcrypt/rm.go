package main

import (
	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm <remote-path>...",
	Short: "Delete files from a bucket",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var rmPassphrase string

func init() {
	rootCmd.AddCommand(rmCmd)

	rmCmd.Flags().StringVarP(&rmPassphrase, "passphrase", "p", "",
		"Bucket passphrase (will prompt if not provided)")
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	pw, err := passphrase(ctx, rmPassphrase, false)
	if err != nil {
		return fail("Read passphrase", err)
	}

	session, err := apiClient.Open(ctx, "", pw) // bucket comes from ctx
	if err != nil {
		return fail("Open bucket", err)
	}
	defer session.Close()

	for _, p := range args {
		if err := session.Transfer.Delete(ctx, session.Keyring, p); err != nil {
			return fail("Delete failed", err)
		}
		if !jsonOutput {
			printSuccess("Deleted %s", p)
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"deleted": args,
		})
	}
	return nil
}
