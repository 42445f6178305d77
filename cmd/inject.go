package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatswarm/internal/channels/wsbridge"
	"github.com/nextlevelbuilder/chatswarm/pkg/protocol"
)

// injectCmd plays the browser adapter for one bridge agent: stdin lines of
// the form "user: content" become chat frames and outbound sends are printed.
func injectCmd() *cobra.Command {
	var (
		url   string
		token string
	)
	cmd := &cobra.Command{
		Use:   "inject <agent>",
		Short: "Feed chat lines to a bridge agent from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInject(cmd.Context(), strings.TrimRight(url, "/")+"/bridge/"+args[0], token)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:18800", "gateway base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("CHATSWARM_GATEWAY_TOKEN"), "gateway token")
	return cmd
}

func runInject(ctx context.Context, url, token string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := wsbridge.Dial(ctx, url, token)
	if err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer c.Close()

	if err := c.SendBox(ctx, true); err != nil {
		return err
	}

	go func() {
		for {
			f, err := c.Read(ctx)
			if err != nil {
				cancel()
				return
			}
			switch f.Type {
			case protocol.FrameSend:
				fmt.Printf("<- %s\n", f.Text)
			case protocol.FrameError:
				fmt.Fprintf(os.Stderr, "error: %s\n", f.Text)
			}
		}
	}()

	fmt.Fprintln(os.Stderr, `connected; type "user: message" lines, Ctrl-D to quit`)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		user, content, ok := strings.Cut(line, ":")
		if !ok {
			fmt.Fprintln(os.Stderr, `expected "user: message"`)
			continue
		}
		if err := c.Chat(ctx, strings.TrimSpace(user), strings.TrimSpace(content)); err != nil {
			return err
		}
	}
	return scanner.Err()
}
