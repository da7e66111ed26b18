package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type submitOptions struct {
	server string
	uid    string
	chatID string
	mode   string
}

func newSubmitCmd() *cobra.Command {
	opts := submitOptions{}

	cmd := &cobra.Command{
		Use:   "submit <topic>",
		Short: "Submit a topic and print the server's answer",
		Long:  "submit posts a topic to a running server. In sync mode it waits until every script is ready or the poll budget runs out.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSubmit(ctx, cmd.OutOrStdout(), opts, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:3001", "Server base URL")
	cmd.Flags().StringVar(&opts.uid, "uid", "cli", "Owner id sent with the request")
	cmd.Flags().StringVar(&opts.chatID, "chat", "", "Session id (default: a new random id)")
	cmd.Flags().StringVar(&opts.mode, "mode", "async", "sync or async")
	return cmd
}

func runSubmit(ctx context.Context, out io.Writer, opts submitOptions, topic string) error {
	if opts.chatID == "" {
		opts.chatID = uuid.NewString()
	}

	payload, err := json.Marshal(map[string]string{
		"text":   topic,
		"uid":    opts.uid,
		"chatID": opts.chatID,
		"mode":   opts.mode,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(opts.server, "/")+"/submit", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	// sync submissions may legitimately take as long as the whole poll budget
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return nil
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
