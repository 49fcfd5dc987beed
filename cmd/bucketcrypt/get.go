package main

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/bucketcrypt/internal/models"
	"github.com/TheMichaelB/bucketcrypt/internal/storage"
)

var getCmd = &cobra.Command{
	Use:   "get <remote-path> [local-path|-]",
	Short: "Download and decrypt a file or folder",
	Long: `Get downloads a file and writes the verified plaintext to local-path,
or to stdout when local-path is "-". When remote-path names a folder every
file below it is downloaded into local-path.`,
	Example: `  bucketcrypt get -b photos kittens/fluffy.jpg
  bucketcrypt get -b photos kittens/fluffy.jpg - > fluffy.jpg
  bucketcrypt get -b photos kittens ./kittens`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGet,
}

var getPassphrase string

func init() {
	rootCmd.AddCommand(getCmd)

	getCmd.Flags().StringVarP(&getPassphrase, "passphrase", "p", "",
		"Bucket passphrase (will prompt if not provided)")
}

func runGet(cmd *cobra.Command, args []string) error {
	remote := strings.Trim(args[0], "/")
	local := ""
	if len(args) == 2 {
		local = args[1]
	}

	ctx, cancel := signalContext()
	defer cancel()

	pw, err := passphrase(ctx, getPassphrase, false)
	if err != nil {
		return fail("Read passphrase", err)
	}

	session, err := apiClient.Open(ctx, "", pw) // bucket comes from ctx
	if err != nil {
		return fail("Open bucket", err)
	}
	defer session.Close()

	if local == "-" {
		if _, err := session.Transfer.Download(ctx, session.Keyring, remote, os.Stdout); err != nil {
			return fail("Download failed", err)
		}
		return nil
	}

	if local == "" {
		local = path.Base(remote)
	}

	file, err := session.Transfer.DownloadToFile(ctx, session.Keyring, remote, local)
	if err == nil {
		report([]*models.FileVersion{file}, []string{local})
		return nil
	}
	if !errors.Is(err, storage.ErrObjectNotFound) {
		return fail("Download failed", err)
	}

	// Not a file; try it as a folder
	files, err := session.Transfer.List(ctx, session.Keyring, remote)
	if err != nil {
		return fail("Download failed", err)
	}
	if len(files) == 0 {
		return fail("Download failed", fmt.Errorf("%s: %w", remote, storage.ErrObjectNotFound))
	}

	var locals []string
	for _, f := range files {
		rel := strings.TrimPrefix(strings.TrimPrefix(f.Path, remote), "/")
		dest := filepath.Join(local, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fail("Download failed", err)
		}
		if _, err := session.Transfer.DownloadToFile(ctx, session.Keyring, f.Path, dest); err != nil {
			return fail("Download failed", err)
		}
		if !jsonOutput {
			fmt.Printf("  %s %s\n", successColor.Sprint("✓"), f.Path)
		}
		locals = append(locals, dest)
	}
	report(files, locals)
	return nil
}

func report(files []*models.FileVersion, locals []string) {
	var total int64
	for _, f := range files {
		total += f.Size
	}

	if jsonOutput {
		out := make([]map[string]interface{}, 0, len(files))
		for i, f := range files {
			out = append(out, map[string]interface{}{
				"path":  f.Path,
				"local": locals[i],
				"size":  f.Size,
			})
		}
		printJSON(map[string]interface{}{
			"success": true,
			"files":   out,
		})
		return
	}

	if len(files) == 1 {
		printSuccess("Downloaded %s to %s (%s)", files[0].Path, locals[0], formatBytes(total))
		return
	}
	printSuccess("Downloaded %d files, %s", len(files), formatBytes(total))
}
