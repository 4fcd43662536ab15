// Package cli wires the livedesk commands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// BuildInfo is stamped at link time.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", b.Version, b.Commit, b.Date)
}

// NewRootCommand builds the livedesk command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:   "livedesk",
		Short: "Live support sessions between users and human agents",
		Long: `livedesk hands conversations from an automated chat front-end to human
support agents, relays their messages in real time and serves the
conversation history.

Quick Start:
  livedesk serve                      # Run the service (configured from env)
  livedesk watch --addr ws://host/ws  # Follow session activity as a dashboard`,
		Version:       info.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newServeCommand(info))
	root.AddCommand(newWatchCommand())
	root.AddCommand(newVersionCommand(info))
	return root
}

func newVersionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the livedesk version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
		},
	}
}
