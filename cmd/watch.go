package cmd

import (
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"manimate/demo/tui"
)

func newWatchCmd() *cobra.Command {
	opts := tui.Options{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a session's scripts live in the terminal",
		Long:  "watch opens the session's event stream and renders each script as it becomes ready. With --topic it submits the topic once connected.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.ChatID == "" {
				if opts.Topic == "" {
					return errors.New("--chat is required when no --topic is given")
				}
				opts.ChatID = uuid.NewString()
			}

			p := tea.NewProgram(tui.NewModel(opts), tea.WithContext(cmd.Context()))
			_, err := p.Run()
			return err
		},
	}

	cmd.Flags().StringVar(&opts.ServerURL, "server", "http://localhost:3001", "Server base URL")
	cmd.Flags().StringVar(&opts.ChatID, "chat", "", "Session id to watch")
	cmd.Flags().StringVar(&opts.UID, "uid", "cli", "Owner id used with --topic")
	cmd.Flags().StringVar(&opts.Topic, "topic", "", "Submit this topic after connecting")
	return cmd
}
