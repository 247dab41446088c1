package cli

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	drive "github.com/ProtonDriveApps/sdk-sub001"
	"github.com/ProtonDriveApps/sdk-sub001/api"
	"github.com/ProtonDriveApps/sdk-sub001/progress"
	"github.com/ProtonDriveApps/sdk-sub001/sdkerrors"
	"github.com/ProtonDriveApps/sdk-sub001/transfer"
)

// newEngine builds the transfer engine from the global flags.
func newEngine() (*drive.Client, *Keystore, error) {
	ks, err := OpenKeystore(keystorePath)
	if err != nil {
		return nil, nil, err
	}
	transport := api.NewClient(apiBaseURL, logger)
	client := drive.NewClient(transport, ks, drive.WithLogger(logger))
	return client, ks, nil
}

func newReporter(quiet bool) progress.Reporter {
	if quiet {
		return progress.NewSilent()
	}
	return progress.NewBar()
}

// newUploadCmd creates the 'upload' command.
func newUploadCmd() *cobra.Command {
	var parentUID string
	var name string
	var mediaType string
	var overrideDrafts bool
	var quiet bool

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file as a new encrypted node",
		Long: `Encrypt a local file block by block and upload it under the given
parent node.

Examples:
  # Upload into a folder
  drive-transfer upload data.tar.gz --parent vol1~folder42

  # Replace a draft left behind by another client
  drive-transfer upload data.tar.gz --parent vol1~folder42 --override-drafts`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(path)
			}
			if mediaType == "" {
				mediaType = mime.TypeByExtension(filepath.Ext(path))
				if mediaType == "" {
					mediaType = "application/octet-stream"
				}
			}

			client, ks, err := newEngine()
			if err != nil {
				return err
			}
			reporter := newReporter(quiet)

			meta := transfer.UploadMetadata{
				Name:                  name,
				MediaType:             mediaType,
				ExpectedSize:          info.Size(),
				ModificationTime:      info.ModTime(),
				OverrideForeignDrafts: overrideDrafts,
			}
			opener := func(ctx context.Context) (io.ReadCloser, error) {
				return os.Open(path)
			}
			up, err := client.UploadFile(rootContext, parentUID, meta, opener, nil,
				func(delta, total int64) { reporter.Add(delta) })
			if err != nil {
				return describeFailure(err)
			}
			_, wireTotal := up.Progress()
			reporter.Start(wireTotal, name)

			if err := up.Run(rootContext); err != nil {
				up.Dispose()
				reporter.Error(err)
				return describeFailure(err)
			}
			reporter.Finish()

			if err := ks.Bind(up.NodeUID()); err != nil {
				return fmt.Errorf("upload committed but keys were not saved: %w", err)
			}
			fmt.Printf("Uploaded %s\n  node:     %s\n  revision: %s\n", name, up.NodeUID(), up.RevisionUID())
			return nil
		},
	}

	cmd.Flags().StringVar(&parentUID, "parent", "", "Parent node UID (required)")
	cmd.Flags().StringVar(&name, "name", "", "Remote file name (default: local file name)")
	cmd.Flags().StringVar(&mediaType, "mime", "", "MIME type (default: derived from extension)")
	cmd.Flags().BoolVar(&overrideDrafts, "override-drafts", false, "Delete a conflicting draft from another client")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress the progress bar")
	_ = cmd.MarkFlagRequired("parent")

	return cmd
}

// newDownloadCmd creates the 'download' command.
func newDownloadCmd() *cobra.Command {
	var output string
	var quiet bool

	cmd := &cobra.Command{
		Use:   "download <node-uid> <revision-uid>",
		Short: "Download and decrypt a committed revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeUID, revisionUID := args[0], args[1]
			if output == "" {
				output = nodeUID
			}

			client, _, err := newEngine()
			if err != nil {
				return err
			}
			reporter := newReporter(quiet)

			dst, err := os.Create(output)
			if err != nil {
				return err
			}
			defer dst.Close()

			started := false
			down, err := client.DownloadRevision(rootContext, nodeUID, revisionUID, dst,
				func(delta, total int64) {
					if !started {
						reporter.Start(total, filepath.Base(output))
						started = true
					}
					reporter.Add(delta)
				})
			if err != nil {
				return describeFailure(err)
			}
			if err := down.Run(rootContext); err != nil {
				reporter.Error(err)
				os.Remove(output)
				return describeFailure(err)
			}
			reporter.Finish()
			fmt.Printf("Downloaded %s to %s\n", revisionUID, output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file path (default: node UID)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress the progress bar")

	return cmd
}

// describeFailure maps engine error kinds to actionable messages.
func describeFailure(err error) error {
	switch sdkerrors.KindOf(err) {
	case sdkerrors.Conflict:
		if detail := sdkerrors.ConflictOf(err); detail != nil && detail.DraftRevisionUID != "" {
			return fmt.Errorf("another client holds a draft for this name (node %s); retry with --override-drafts to replace it", detail.ConflictingNodeUID)
		}
		return fmt.Errorf("the name is already taken: %w", err)
	case sdkerrors.Integrity:
		return fmt.Errorf("integrity check failed, nothing was committed: %w", err)
	case sdkerrors.Cancelled:
		return fmt.Errorf("transfer cancelled")
	default:
		return err
	}
}
