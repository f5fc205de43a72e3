package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sampullara/feedarchiver/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd(ctx context.Context) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "feedarchiver",
		Short: "Archive a newline-delimited JSON stream into hourly gzip segments",
		Long: `feedarchiver holds a long-lived connection to the stream, writes every post
as a compact record into hourly gzip segments, and uploads closed segments
to object storage.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: $"+config.PathEnv+" or ./feedarchiver.yaml)")
	root.Flags().String("url", "", "stream URL, overrides stream.url")
	root.Flags().Int64("max-lines", 0, "stop after this many lines (0 runs until stopped)")

	root.AddCommand(&cobra.Command{
		Use:   "upload",
		Short: "Run one archive pass over closed segments and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			return uploadOnce(ctx, cfg)
		},
	})

	return root
}

func loadConfig(cmd *cobra.Command, configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}

	setupLogging(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	return cfg, nil
}

// uploadOnce archives every closed segment without opening the stream.
// No segment is open in this process, so every matching file is eligible.
func uploadOnce(ctx context.Context, cfg *config.Config) error {
	uploader, err := newUploader(cfg, nil)
	if err != nil {
		return err
	}
	res, err := uploader.Pass(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("uploaded", res.Uploaded).Int("failed", res.Failed).Msg("Upload pass finished")
	if res.Failed > 0 {
		return fmt.Errorf("%d segment uploads failed", res.Failed)
	}
	return nil
}
