// Package cli provides the drive-transfer command-line interface, a
// development tool that drives the transfer engine against a storage
// backend.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ProtonDriveApps/sdk-sub001/logging"
)

var (
	// Global flags
	apiBaseURL   string
	keystorePath string
	verbose      bool

	// Global logger
	logger zerolog.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// Version is set by the main package at startup.
var Version = "dev"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "drive-transfer",
		Short: "Encrypted chunked file transfer client",
		Long: `drive-transfer ` + Version + `
Uploads and downloads end-to-end encrypted files as fixed-size
blocks, with concurrent transfers, per-block verification and
resumable revisions.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger = logging.NewConsole(level)
		},
	}

	rootCmd.PersistentFlags().StringVar(&apiBaseURL, "api-url", "http://localhost:8080", "Storage API base URL")
	rootCmd.PersistentFlags().StringVar(&keystorePath, "keystore", defaultKeystorePath(), "Path to the local key store")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.Version = Version

	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newDownloadCmd())

	return rootCmd
}

func defaultKeystorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "drive-keystore.json"
	}
	return filepath.Join(home, ".config", "drive-transfer", "keystore.json")
}

// Execute runs the CLI.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nReceived signal %v, cancelling transfers...\n", sig)
				cancelFunc()
			}
		}
	}()

	err := NewRootCmd().Execute()

	signal.Stop(sigChan)
	close(sigChan)
	return err
}
