package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/TheMichaelB/bucketcrypt/internal/client"
	"github.com/TheMichaelB/bucketcrypt/internal/config"
	"github.com/TheMichaelB/bucketcrypt/internal/creds"
	"github.com/TheMichaelB/bucketcrypt/internal/events"
)

var (
	cfgFile    string
	bucketName string
	logLevel   string
	jsonOutput bool

	cfg       *config.Config
	logger    *events.Logger
	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "bucketcrypt",
	Short: "Client-side encryption for object storage buckets",
	Long: `bucketcrypt encrypts file names and contents before they reach an
object store. Each bucket has its own passphrase; folder structure is kept
so listing by prefix still works.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if apiClient != nil {
			return apiClient.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file (default: ./bucketcrypt.json or ~/.config/bucketcrypt/config.json)")
	rootCmd.PersistentFlags().StringVarP(&bucketName, "bucket", "b", "",
		"Bucket name (default: storage.bucket from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output results as JSON")
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		printError("%v", err)
		return err
	}
	cfg = loaded

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if jsonOutput && cfg.Log.Level == "info" {
		// Keep stdout clean for the JSON result
		cfg.Log.Level = "warn"
	}

	if err := cfg.EnsureDirectories(); err != nil {
		printError("%v", err)
		return err
	}

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)

	apiClient, err = client.New(cfg, logger)
	if err != nil {
		printError("%v", err)
		return err
	}
	return nil
}

// currentBucket is the --bucket flag or the configured default.
func currentBucket() string {
	if bucketName != "" {
		return bucketName
	}
	return cfg.Storage.Bucket
}

// signalContext is canceled on interrupt and tags logs with a request ID
// and the target bucket.
func signalContext() (context.Context, context.CancelFunc) {
	ctx := events.WithLogger(context.Background(), logger)
	ctx = events.WithRequestID(ctx, uuid.NewString())
	if bucket := currentBucket(); bucket != "" {
		ctx = events.WithBucket(ctx, bucket)
	}
	return signal.NotifyContext(ctx, os.Interrupt)
}

// passphrase resolves the bucket passphrase: flag, environment,
// credentials file, secret, then terminal prompt.
func passphrase(ctx context.Context, flag string, confirm bool) ([]byte, error) {
	prompt := &creds.Prompt{In: os.Stdin, Out: os.Stderr, Confirm: confirm}
	return apiClient.Passphrases(ctx, flag, prompt).Passphrase(ctx, currentBucket())
}

// fail reports err in the selected output format and returns it.
func fail(action string, err error) error {
	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
	} else {
		printError("%s: %v", action, err)
	}
	return err
}
