package cmd

import (
	"os"

	"github.com/prappser/chunkd/internal"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X github.com/prappser/chunkd/cmd.Version=...".
var Version = "dev"

var (
	configFile string
	config     *internal.Config
)

var rootCmd = &cobra.Command{
	Use:   "chunkd",
	Short: "chunkd - resumable chunked upload server",
	Long: `chunkd accepts files uploaded as independently retried chunks and
reassembles them into a single artifact on request.

Chunks are staged under <root>/<fileKey>/<chunkKey>; a merge writes
<root>/<fileKey><ext> and removes the staging directory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		config, err = internal.LoadConfig(configFile)
		if err != nil {
			return err
		}
		internal.SetupLogging(config.Log)
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a config file (yaml, json or toml)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
