package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NodeInfo describes the repository as seen by this process.
type NodeInfo struct {
	Repository string `json:"repository"`
	Database   string `json:"database"`
	IDType     string `json:"id_type"`
	Clustered  bool   `json:"clustered"`
	NodeID     string `json:"node_id,omitempty"`
	Delay      string `json:"delay,omitempty"`
}

// NewNodeCommand creates the node command.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Join the cluster and report the node",
		Long: `Open the repository, register a cluster node when clustering is enabled
and report it. The node is deregistered again on exit.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(rootOpts, cmd)
		},
	}
	return cmd
}

func runNode(opts *RootOptions, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	repo, err := openRepository(cmd.Context(), opts, f)
	if err != nil {
		return err
	}
	defer closeRepository(cmd, repo)

	cfg := repo.Config()
	info := NodeInfo{
		Repository: cfg.Repository,
		Database:   cfg.Database,
		IDType:     string(cfg.IDType),
		Clustered:  repo.Clustered(),
	}
	if info.Clustered {
		info.NodeID = repo.Cluster().NodeID()
		info.Delay = repo.Cluster().Delay().String()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "repository: %s\n", info.Repository)
	fmt.Fprintf(&sb, "database:   %s\n", info.Database)
	fmt.Fprintf(&sb, "id type:    %s\n", info.IDType)
	if info.Clustered {
		fmt.Fprintf(&sb, "node:       %s (delay %s)", info.NodeID, info.Delay)
	} else {
		sb.WriteString("node:       clustering disabled")
	}
	return f.Success(info, sb.String())
}
