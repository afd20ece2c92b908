package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/roach88/docstore/internal/binary"
)

// GCResult reports a garbage collection.
type GCResult struct {
	Deleted        bool   `json:"deleted"`
	NumBinaries    int64  `json:"num_binaries"`
	SizeBinaries   int64  `json:"size_binaries"`
	NumBinariesGC  int64  `json:"num_binaries_gc"`
	SizeBinariesGC int64  `json:"size_binaries_gc"`
	Duration       string `json:"duration"`
}

// GCOptions holds flags for the gc command.
type GCOptions struct {
	Keep     []string
	KeepFrom string
	DryRun   bool
}

// NewGCCommand creates the gc command.
func NewGCCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GCOptions{}
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Garbage collect unreferenced binaries",
		Long: `Run a mark and sweep collection of the binary store. Every digest given
with --keep or listed (one per line) in --keep-from is marked as live; all
other binaries older than the safety margin are deleted. With --dry-run
nothing is deleted and the reclaimable totals are reported.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGC(rootOpts, opts, cmd)
		},
	}
	cmd.Flags().StringSliceVar(&opts.Keep, "keep", nil, "digest to keep (repeatable)")
	cmd.Flags().StringVar(&opts.KeepFrom, "keep-from", "", `file listing digests to keep ("-" for stdin)`)
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report without deleting")
	return cmd
}

func runGC(rootOpts *RootOptions, opts *GCOptions, cmd *cobra.Command) error {
	f := newFormatter(rootOpts, cmd)
	keep := opts.Keep
	if opts.KeepFrom != "" {
		listed, err := readDigests(cmd, opts.KeepFrom)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeNotFound, err.Error(), nil)
		}
		keep = append(keep, listed...)
	}

	repo, err := openRepository(cmd.Context(), rootOpts, f)
	if err != nil {
		return err
	}
	defer closeRepository(cmd, repo)

	gc := repo.Binaries().GC()
	if err := gc.Start(); err != nil {
		if errors.Is(err, binary.ErrGCInProgress) {
			return f.Fail(ExitFailure, ErrCodeGCBusy, err.Error(), nil)
		}
		return f.Fail(ExitCommandError, ErrCodeStorage, err.Error(), nil)
	}
	for _, d := range keep {
		gc.Mark(d)
	}
	st, err := gc.Stop(!opts.DryRun)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStorage, err.Error(), nil)
	}

	res := GCResult{
		Deleted:        !opts.DryRun,
		NumBinaries:    st.NumBinaries,
		SizeBinaries:   st.SizeBinaries,
		NumBinariesGC:  st.NumBinariesGC,
		SizeBinariesGC: st.SizeBinariesGC,
		Duration:       st.GCDuration.String(),
	}
	verb := "reclaimed"
	if opts.DryRun {
		verb = "reclaimable"
	}
	text := fmt.Sprintf("kept %d (%s), %s %d (%s) in %s",
		st.NumBinaries, units.HumanSize(float64(st.SizeBinaries)),
		verb, st.NumBinariesGC, units.HumanSize(float64(st.SizeBinariesGC)),
		st.GCDuration)
	return f.Success(res, text)
}

// readDigests reads one digest per line, skipping blanks and # comments.
func readDigests(cmd *cobra.Command, path string) ([]string, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		r = file
	}
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
