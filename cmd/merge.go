package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/dustin/go-humanize"
	"github.com/prappser/chunkd/internal"
	"github.com/prappser/chunkd/internal/merge"
	"github.com/spf13/cobra"
)

var mergeReq merge.Request

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge the staged chunks of one upload",
	Long: `Merge reassembles the chunks staged for --key into <root>/<key><ext>,
where <ext> is the extension of --name. Running it again after a successful
merge reports the existing artifact.

Example:
  chunkd merge --key h --name report.pdf --chunk-size 5MiB`,
	RunE: runMerge,
}

var mergeChunkSize string

func init() {
	mergeCmd.Flags().StringVar(&mergeReq.FileKey, "key", "", "File key of the upload")
	mergeCmd.Flags().StringVar(&mergeReq.FileName, "name", "", "Original file name; only its extension is used")
	mergeCmd.Flags().StringVar(&mergeChunkSize, "chunk-size", "", "Size of every chunk but the last (e.g. 5MiB)")
	mergeCmd.Flags().IntVar(&mergeReq.TotalChunks, "total", 0, "Expected number of chunks; 0 skips the check")
	mergeCmd.Flags().StringVar(&mergeReq.Checksum, "checksum", "", "Expected blake3 hex digest of the artifact")
	_ = mergeCmd.MarkFlagRequired("key")
	_ = mergeCmd.MarkFlagRequired("chunk-size")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	size, err := humanize.ParseBytes(mergeChunkSize)
	if err != nil {
		return fmt.Errorf("invalid --chunk-size: %w", err)
	}
	mergeReq.ChunkSize = int64(size)

	components, err := internal.NewComponents(config, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result, err := components.Service.Merge(ctx, mergeReq)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s (%s", result.Status, result.Path, humanize.IBytes(uint64(result.Size)))
	if result.Chunks > 0 {
		fmt.Fprintf(out, ", %d chunks", result.Chunks)
	}
	fmt.Fprintln(out, ")")
	if result.Digest != "" {
		fmt.Fprintf(out, "blake3: %s\n", result.Digest)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: %v\n", w)
	}
	return nil
}
