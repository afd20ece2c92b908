package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

// BinaryInfo describes one stored binary.
type BinaryInfo struct {
	Digest string `json:"digest"`
	Length int64  `json:"length"`
	Path   string `json:"path"`
}

// NewBinaryCommand creates the binary command and its subcommands.
func NewBinaryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "binary",
		Short: "Store and fetch binaries by digest",
	}
	cmd.AddCommand(newBinaryPutCommand(rootOpts))
	cmd.AddCommand(newBinaryGetCommand(rootOpts))
	return cmd
}

func newBinaryPutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <file|->",
		Short: "Store a file and print its digest",
		Long: `Store a file in the binary store, "-" reading standard input. Storing
content that is already present is a no-op and reports the same digest.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBinaryPut(rootOpts, cmd, args[0])
		},
	}
}

func runBinaryPut(opts *RootOptions, cmd *cobra.Command, path string) error {
	f := newFormatter(opts, cmd)
	var in io.Reader = cmd.InOrStdin()
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeNotFound, err.Error(), nil)
		}
		defer file.Close()
		in = file
	}

	repo, err := openRepository(cmd.Context(), opts, f)
	if err != nil {
		return err
	}
	defer closeRepository(cmd, repo)

	b, err := repo.Binaries().GetBinaryFromReader(cmd.Context(), in)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStorage, err.Error(), nil)
	}
	info := BinaryInfo{Digest: b.Digest, Length: b.Length, Path: b.Path}
	return f.Success(info, fmt.Sprintf("%s %s", b.Digest, units.HumanSize(float64(b.Length))))
}

func newBinaryGetCommand(rootOpts *RootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           "get <digest>",
		Short:         "Write a stored binary to stdout or a file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBinaryGet(rootOpts, cmd, args[0], output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func runBinaryGet(opts *RootOptions, cmd *cobra.Command, digest, output string) error {
	f := newFormatter(opts, cmd)
	repo, err := openRepository(cmd.Context(), opts, f)
	if err != nil {
		return err
	}
	defer closeRepository(cmd, repo)

	b := repo.Binaries().GetBinary(digest)
	if b == nil {
		return f.Fail(ExitFailure, ErrCodeNotFound, "no binary "+digest, nil)
	}
	r, err := b.Open()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStorage, err.Error(), nil)
	}
	defer r.Close()

	if output == "" {
		if _, err := io.Copy(cmd.OutOrStdout(), r); err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
		}
		return nil
	}

	out, err := os.Create(output)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return f.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	if err := out.Close(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	info := BinaryInfo{Digest: b.Digest, Length: b.Length, Path: b.Path}
	return f.Success(info, fmt.Sprintf("wrote %s to %s", units.HumanSize(float64(b.Length)), output))
}
