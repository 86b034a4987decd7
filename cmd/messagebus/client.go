package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

const closeWait = time.Second

type clientOptions struct {
	url      string
	insecure bool
	timeout  time.Duration
}

func (c *clientOptions) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&c.url, "url", "", "bus url (default derived from the config)")
	flags.BoolVar(&c.insecure, "insecure", false, "skip TLS certificate verification")
	flags.DurationVar(&c.timeout, "timeout", 10*time.Second, "handshake timeout")
}

func (c *clientOptions) dial(ctx context.Context, root *rootOptions) (*websocket.Conn, error) {
	target := c.url
	if target == "" {
		target = busURL(root.load())
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.timeout}
	if c.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed dev certs
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

func closeNormally(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	return conn.Close()
}

func newSendCmd(root *rootOptions) *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "send TEXT...",
		Short: "Send each argument as one text message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := opts.dial(cmd.Context(), root)
			if err != nil {
				return err
			}
			for _, text := range args {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
					_ = conn.Close()
					return fmt.Errorf("send: %w", err)
				}
			}
			return closeNormally(conn)
		},
	}
	opts.bind(cmd)
	return cmd
}

func newListenCmd(root *rootOptions) *cobra.Command {
	opts := &clientOptions{}
	var count int
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print every message the bus relays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := opts.dial(ctx, root)
			if err != nil {
				return err
			}
			unblock := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer unblock()

			out := cmd.OutOrStdout()
			for received := 0; count <= 0 || received < count; received++ {
				_, data, err := conn.ReadMessage()
				if err != nil {
					if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					var closeErr *websocket.CloseError
					if errors.As(err, &closeErr) {
						return fmt.Errorf("bus closed the connection: %w", err)
					}
					return fmt.Errorf("listen: %w", err)
				}
				if _, err := fmt.Fprintln(out, string(data)); err != nil {
					return err
				}
			}
			return closeNormally(conn)
		},
	}
	opts.bind(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many messages (0 runs until interrupted)")
	return cmd
}
