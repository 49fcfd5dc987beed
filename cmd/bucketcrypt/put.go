package main

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/bucketcrypt/internal/services/transfer"
)

var putCmd = &cobra.Command{
	Use:   "put <local-path> [remote-path]",
	Short: "Encrypt and upload a file or directory",
	Long: `Put encrypts a local file and uploads it. A directory is uploaded
recursively under remote-path, several files at a time.`,
	Example: `  bucketcrypt put -b photos ./fluffy.jpg kittens/fluffy.jpg
  bucketcrypt put -b photos ./album albums/2024`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPut,
}

var (
	putPassphrase string
	putInfo       map[string]string
)

func init() {
	rootCmd.AddCommand(putCmd)

	putCmd.Flags().StringVarP(&putPassphrase, "passphrase", "p", "",
		"Bucket passphrase (will prompt if not provided)")
	putCmd.Flags().StringToStringVar(&putInfo, "info", nil,
		"Unencrypted metadata to store with each file (key=value)")
}

func runPut(cmd *cobra.Command, args []string) error {
	localPath := args[0]
	remote := ""
	if len(args) == 2 {
		remote = strings.Trim(filepath.ToSlash(args[1]), "/")
	}

	items, err := collectUploads(localPath, remote)
	if err != nil {
		return fail("Put failed", err)
	}
	for i := range items {
		items[i].Options.Info = putInfo
	}

	ctx, cancel := signalContext()
	defer cancel()

	pw, err := passphrase(ctx, putPassphrase, false)
	if err != nil {
		return fail("Read passphrase", err)
	}

	session, err := apiClient.Open(ctx, "", pw) // bucket comes from ctx
	if err != nil {
		return fail("Open bucket", err)
	}
	defer session.Close()

	opts := transfer.BatchOptions{}
	if !jsonOutput {
		opts.OnEvent = func(e transfer.Event) {
			switch e.Type {
			case transfer.EventFileComplete:
				fmt.Printf("  %s %s (%d/%d)\n", successColor.Sprint("✓"), e.Path,
					e.Progress.ProcessedFiles+e.Progress.FailedFiles, e.Progress.TotalFiles)
			case transfer.EventFileError:
				fmt.Printf("  %s %s: %v\n", errorColor.Sprint("✗"), e.Path, e.Error)
			}
		}
	}

	results := session.Transfer.UploadBatch(ctx, session.Keyring, items, opts)

	var (
		failed   int
		uploaded int64
		out      []map[string]interface{}
	)
	for _, r := range results {
		entry := map[string]interface{}{"path": r.Path}
		if r.Err != nil {
			failed++
			entry["error"] = r.Err.Error()
		} else {
			uploaded += r.File.Size
			entry["stored_name"] = r.File.StoredName
			entry["size"] = r.File.Size
			entry["sha1"] = r.File.SHA1
		}
		out = append(out, entry)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": failed == 0,
			"bucket":  session.Bucket,
			"files":   out,
		})
	} else if failed == 0 {
		printSuccess("Uploaded %d file(s), %s", len(results), formatBytes(uploaded))
	}

	if failed > 0 {
		err := fmt.Errorf("%d of %d uploads failed", failed, len(results))
		if !jsonOutput {
			printError("%v", err)
		}
		return err
	}
	return nil
}

// collectUploads expands localPath into upload items under remote.
func collectUploads(localPath, remote string) ([]transfer.UploadItem, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}

	if !info.IsDir() {
		if remote == "" {
			remote = filepath.Base(localPath)
		}
		item, err := transfer.LocalFileItem(localPath, remote)
		if err != nil {
			return nil, err
		}
		return []transfer.UploadItem{item}, nil
	}

	var items []transfer.UploadItem
	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		item, err := transfer.LocalFileItem(p, path.Join(remote, filepath.ToSlash(rel)))
		if err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no files under %s", localPath)
	}
	return items, nil
}
