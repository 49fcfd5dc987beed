package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/bucketcrypt/internal/models"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show a bucket's encryption settings",
	Long: `Info reads the bucket's control object and shows its public
parameters. No passphrase is needed and no key material is printed.`,
	RunE: runInfo,
}

var infoCached bool

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().BoolVar(&infoCached, "cached", false,
		"List settings cached on this machine instead")
}

func runInfo(cmd *cobra.Command, args []string) error {
	if infoCached {
		return runInfoCached()
	}

	ctx, cancel := signalContext()
	defer cancel()

	settings, err := apiClient.BucketInfo(ctx, currentBucket())
	if err != nil {
		return fail("Info failed", err)
	}

	if jsonOutput {
		printJSON(settingsSummary(currentBucket(), settings))
		return nil
	}

	fmt.Printf("Bucket:      %s\n", currentBucket())
	fmt.Printf("KDF:         %s (%d iterations)\n", settings.KDF, settings.Iterations)
	fmt.Printf("Key wrap:    %s\n", settings.KeyWrapMode)
	fmt.Printf("Generation:  %d\n", settings.Generation)
	fmt.Printf("Created:     %s\n", settings.CreatedAt.Local().Format(time.RFC1123))
	if settings.RotatedAt != nil {
		fmt.Printf("Rotated:     %s\n", settings.RotatedAt.Local().Format(time.RFC1123))
	}
	return nil
}

func runInfoCached() error {
	states, names, err := apiClient.State.ListStates()
	if err != nil {
		return fail("Read cache", err)
	}

	if jsonOutput {
		out := make([]map[string]interface{}, 0, len(states))
		for i, s := range states {
			out = append(out, settingsSummary(names[i], s))
		}
		printJSON(map[string]interface{}{"buckets": out})
		return nil
	}

	if len(states) == 0 {
		printInfo("No cached buckets")
		return nil
	}
	for i, s := range states {
		fmt.Printf("%s\tgeneration %d\t%s\n", names[i], s.Generation, dimColor.Sprint(s.CreatedAt.Format("2006-01-02")))
	}
	return nil
}

func settingsSummary(bucket string, s *models.BucketSettings) map[string]interface{} {
	out := map[string]interface{}{
		"bucket":        bucket,
		"version":       s.Version,
		"kdf":           s.KDF,
		"iterations":    s.Iterations,
		"key_wrap_mode": s.KeyWrapMode,
		"generation":    s.Generation,
		"created_at":    s.CreatedAt,
	}
	if s.RotatedAt != nil {
		out["rotated_at"] = s.RotatedAt
	}
	return out
}

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Drop a bucket's cached settings from this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient.Settings.Forget(currentBucket()); err != nil {
			return fail("Forget failed", err)
		}
		if jsonOutput {
			printJSON(map[string]interface{}{"success": true, "bucket": currentBucket()})
			return nil
		}
		printSuccess("Forgot cached settings for %s", currentBucket())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(forgetCmd)
}
