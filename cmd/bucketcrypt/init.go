package main

import (
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/bucketcrypt/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Enable encryption on a bucket",
	Long: `Init creates the bucket's encryption settings: a random master key
wrapped under the passphrase. If the bucket is already encrypted its
settings are left untouched.`,
	Example: `  bucketcrypt init -b photos
  bucketcrypt init -b photos --save-credentials`,
	RunE: runInit,
}

var configExampleCmd = &cobra.Command{
	Use:   "config-example <path>",
	Short: "Write an example config file",
	Args:  cobra.ExactArgs(1),
	// Runs without an existing config
	PersistentPreRunE:  func(cmd *cobra.Command, args []string) error { return nil },
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SaveExample(args[0]); err != nil {
			return fail("Write config", err)
		}
		printSuccess("Wrote %s", args[0])
		return nil
	},
}

var (
	initPassphrase      string
	initSaveCredentials bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configExampleCmd)

	initCmd.Flags().StringVarP(&initPassphrase, "passphrase", "p", "",
		"Bucket passphrase (will prompt if not provided)")
	initCmd.Flags().BoolVar(&initSaveCredentials, "save-credentials", false,
		"Store the passphrase in the credentials file")
}

func runInit(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	pw, err := passphrase(ctx, initPassphrase, true)
	if err != nil {
		return fail("Read passphrase", err)
	}

	settings, created, err := apiClient.InitBucket(ctx, currentBucket(), pw)
	if err != nil {
		return fail("Init failed", err)
	}

	if initSaveCredentials && created {
		if err := apiClient.SavePassphrase(currentBucket(), pw); err != nil {
			printWarning("Could not save credentials: %v", err)
		}
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":    true,
			"bucket":     currentBucket(),
			"created":    created,
			"generation": settings.Generation,
			"iterations": settings.Iterations,
		})
		return nil
	}

	if !created {
		printWarning("Bucket %s is already encrypted (generation %d); settings unchanged", currentBucket(), settings.Generation)
		return nil
	}
	printSuccess("Encryption enabled for bucket %s", currentBucket())
	return nil
}
