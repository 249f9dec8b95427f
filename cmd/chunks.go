package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/prappser/chunkd/internal"
	"github.com/spf13/cobra"
)

var (
	chunksFileKey  string
	chunksFileName string
)

var chunksCmd = &cobra.Command{
	Use:   "chunks",
	Short: "List the staged chunks of one upload",
	RunE:  runChunks,
}

func init() {
	chunksCmd.Flags().StringVar(&chunksFileKey, "key", "", "File key of the upload")
	chunksCmd.Flags().StringVar(&chunksFileName, "name", "", "Original file name, to report whether it was merged")
	_ = chunksCmd.MarkFlagRequired("key")
	rootCmd.AddCommand(chunksCmd)
}

func runChunks(cmd *cobra.Command, args []string) error {
	components, err := internal.NewComponents(config, nil)
	if err != nil {
		return err
	}

	progress, err := components.Service.Progress(chunksFileKey, chunksFileName)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if chunksFileName != "" {
		fmt.Fprintf(out, "merged: %t\n", progress.Merged)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ORDINAL\tKEY\tSIZE")
	var total int64
	for _, c := range progress.Chunks {
		total += c.Size
		fmt.Fprintf(w, "%d\t%s\t%s\n", c.Ordinal, c.Key, humanize.IBytes(uint64(c.Size)))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d chunks, %s\n", len(progress.Chunks), humanize.IBytes(uint64(total)))
	return nil
}
