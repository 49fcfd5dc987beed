package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/bucketcrypt/internal/creds"
)

var rotateCmd = &cobra.Command{
	Use:   "rotate-passphrase",
	Short: "Change a bucket's passphrase",
	Long: `Rotate re-wraps the bucket master key under a new passphrase. File
contents and names are not touched, so existing files stay readable.`,
	RunE: runRotate,
}

var (
	rotateOld string
	rotateNew string
)

func init() {
	rootCmd.AddCommand(rotateCmd)

	rotateCmd.Flags().StringVarP(&rotateOld, "passphrase", "p", "",
		"Current passphrase (will prompt if not provided)")
	rotateCmd.Flags().StringVar(&rotateNew, "new-passphrase", "",
		"New passphrase (will prompt if not provided)")
}

func runRotate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	oldPW, err := passphrase(ctx, rotateOld, false)
	if err != nil {
		return fail("Read passphrase", err)
	}

	var newPW []byte
	if rotateNew != "" {
		newPW = []byte(rotateNew)
	} else {
		if !jsonOutput {
			printInfo("Enter the new passphrase")
		}
		prompt := &creds.Prompt{In: os.Stdin, Out: os.Stderr, Confirm: true}
		newPW, err = prompt.Passphrase(ctx, currentBucket())
		if err != nil {
			return fail("Read new passphrase", err)
		}
	}

	settings, err := apiClient.RotatePassphrase(ctx, currentBucket(), oldPW, newPW)
	if err != nil {
		return fail("Rotate failed", err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":    true,
			"bucket":     currentBucket(),
			"generation": settings.Generation,
		})
		return nil
	}
	printSuccess("Passphrase changed for bucket %s (generation %d)", currentBucket(), settings.Generation)
	return nil
}
