package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kenneth/vault-transfer/internal/storage"
	"github.com/kenneth/vault-transfer/internal/transfer"
)

// parseRemote parses "container/key". Both parts are required unless
// allowEmptyKey is set.
func parseRemote(arg string, allowEmptyKey bool) (storage.Path, error) {
	p := storage.NewPath(arg)
	if p.Container == "" {
		return p, fmt.Errorf("invalid remote path %q: missing container", arg)
	}
	if p.Key == "" && !allowEmptyKey {
		return p, fmt.Errorf("invalid remote path %q: expected container/key", arg)
	}
	return p, nil
}

func newPutCmd(opts *rootOptions) *cobra.Command {
	var (
		contentType string
		segmentSize int64
		metadata    map[string]string
	)
	cmd := &cobra.Command{
		Use:   "put <local> <container/key>",
		Short: "Upload a file; \"-\" reads standard input",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseRemote(args[1], false)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			var in io.Reader = cmd.InOrStdin()
			length := storage.UnknownLength
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				info, err := f.Stat()
				if err != nil {
					return err
				}
				in, length = f, info.Size()
			}

			var uploadOpts []transfer.UploadOption
			if contentType != "" {
				uploadOpts = append(uploadOpts, transfer.WithMimeType(contentType))
			}
			if len(metadata) > 0 {
				uploadOpts = append(uploadOpts, transfer.WithMetadata(metadata))
			}
			if segmentSize > 0 {
				uploadOpts = append(uploadOpts, transfer.WithSegmentSize(segmentSize))
			}

			res, err := a.session.Upload(cmd.Context(), p, in, length, uploadOpts...)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), "uploaded", res)
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type stored with the object")
	cmd.Flags().Int64Var(&segmentSize, "segment-size", 0, "segment size override in bytes")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "user metadata as key=value pairs")
	return cmd
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	var offset, length int64
	cmd := &cobra.Command{
		Use:   "get <container/key> <local>",
		Short: "Download a file; \"-\" writes standard output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseRemote(args[0], false)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if args[1] == "-" {
				_, err := a.session.Download(cmd.Context(), p, cmd.OutOrStdout(), offset, length)
				return err
			}

			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			res, err := a.session.Download(cmd.Context(), p, f, offset, length)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				if rerr := os.Remove(args[1]); rerr != nil {
					a.logger.WithError(rerr).WithField("file", args[1]).Warn("Failed to remove partial download")
				}
				return err
			}
			printResult(cmd.ErrOrStderr(), "downloaded", res)
			return nil
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "first byte to download")
	cmd.Flags().Int64Var(&length, "length", storage.UnknownLength, "number of bytes to download, -1 for all")
	return cmd
}

func newRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <container/key>...",
		Short: "Delete objects together with their segments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := make([]storage.Path, 0, len(args))
			for _, arg := range args {
				p, err := parseRemote(arg, false)
				if err != nil {
					return err
				}
				paths = append(paths, p)
			}
			a, err := newApp(cmd.Context(), opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.session.Delete(cmd.Context(), paths...)
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <container[/prefix]>",
		Short: "List objects with their cleartext sizes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseRemote(args[0], true)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.session.List(cmd.Context(), p)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", e.Attributes.Size, formatTime(e.Attributes.ModTime), e.Path.Key)
			}
			return tw.Flush()
		},
	}
}

func newSegmentsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "segments <container/key>",
		Short: "List the segments of a large object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseRemote(args[0], false)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			segments, err := a.session.Segments(cmd.Context(), p)
			if err != nil {
				return err
			}
			if len(segments) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s is not a segmented object\n", p)
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, s := range segments {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Size, s.Checksum, formatTime(s.ModTime), s.Path.Key)
			}
			return tw.Flush()
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep <container/key>",
		Short: "Delete segments no committed manifest references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseRemote(args[0], false)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), opts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			deleted, err := a.session.Sweep(cmd.Context(), p)
			if err != nil {
				return err
			}
			for _, d := range deleted {
				fmt.Fprintln(cmd.OutOrStdout(), d.Key)
			}
			a.logger.WithFields(logrus.Fields{
				"path":    p.String(),
				"deleted": len(deleted),
			}).Debug("Sweep finished")
			return nil
		},
	}
}

func printResult(w io.Writer, verb string, res *transfer.Result) {
	mode := "plain"
	if res.Encrypted {
		mode = "encrypted"
	}
	fmt.Fprintf(w, "%s %s: %d bytes, %s, %s\n", verb, res.Path, res.Bytes, mode, res.Duration.Round(time.Millisecond))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
