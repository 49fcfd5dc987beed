package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:     "ls [prefix]",
	Aliases: []string{"list"},
	Short:   "List files in a bucket",
	Long: `List decrypts the path of every file under a folder prefix. The
prefix is matched by whole path components.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLs,
}

var (
	lsPassphrase string
	lsLong       bool
)

func init() {
	rootCmd.AddCommand(lsCmd)

	lsCmd.Flags().StringVarP(&lsPassphrase, "passphrase", "p", "",
		"Bucket passphrase (will prompt if not provided)")
	lsCmd.Flags().BoolVarP(&lsLong, "long", "l", false,
		"Show size, mode and upload time")
}

func runLs(cmd *cobra.Command, args []string) error {
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}

	ctx, cancel := signalContext()
	defer cancel()

	pw, err := passphrase(ctx, lsPassphrase, false)
	if err != nil {
		return fail("Read passphrase", err)
	}

	session, err := apiClient.Open(ctx, "", pw) // bucket comes from ctx
	if err != nil {
		return fail("Open bucket", err)
	}
	defer session.Close()

	files, err := session.Transfer.List(ctx, session.Keyring, prefix)
	if err != nil {
		return fail("List failed", err)
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success": true,
			"bucket":  session.Bucket,
			"files":   files,
		})
		return nil
	}

	if len(files) == 0 {
		printInfo("No files")
		return nil
	}

	if !lsLong {
		for _, f := range files {
			fmt.Println(f.Path)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			formatBytes(f.Size),
			f.ContentMode,
			f.UploadedAt.Local().Format("2006-01-02 15:04"),
			f.Path)
	}
	return w.Flush()
}
