package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/docstore/internal/config"
	"github.com/roach88/docstore/internal/repository"
	"github.com/roach88/docstore/internal/store"
)

// loadConfig reads the configuration named by opts. A missing file at the
// default path yields the built-in defaults; any other path must exist.
func loadConfig(opts *RootOptions) (config.Config, error) {
	path := opts.Config
	if path == "" {
		path = DefaultConfigPath
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath {
		return config.Default(), nil
	}
	return cfg, err
}

// openRepository loads the configuration and opens the repository without
// a background poller; CLI commands are short-lived.
func openRepository(ctx context.Context, opts *RootOptions, f *OutputFormatter) (*repository.Repository, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, err.Error(), nil)
	}
	repo, err := repository.Open(ctx, cfg, repository.WithoutPoller())
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeStorage, err.Error(), nil)
	}
	return repo, nil
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

// closeRepository closes repo, logging rather than returning a failure so
// the command's own result stands.
func closeRepository(cmd *cobra.Command, repo *repository.Repository) {
	if err := repo.Close(context.WithoutCancel(cmd.Context())); err != nil {
		slog.Error("close repository", "error", err)
	}
}

// parseID converts a document id argument to the repository's id type.
func parseID(cfg config.Config, arg string) (any, error) {
	if cfg.IDType != store.IDTypeSequence {
		return arg, nil
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("id %q: sequence ids are integers", arg)
	}
	return id, nil
}
