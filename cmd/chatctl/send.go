package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/session"
)

func newSendCmd(g *globals) *cobra.Command {
	var (
		chatID  string
		id      string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send [flags] text...",
		Short: "Store one message through the REST API",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.requireUser(); err != nil {
				return err
			}
			if chatID == "" {
				return fmt.Errorf("--chat is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			m := &domain.Message{
				ID:        id,
				ChatID:    chatID,
				Sender:    g.user,
				Content:   strings.Join(args, " "),
				Timestamp: time.Now().UTC(),
				Type:      domain.TypeText,
			}
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			st := &session.HTTPStore{BaseURL: g.apiURL(), UserID: g.user}
			inserted, err := st.Insert(ctx, m)
			if err != nil {
				return err
			}
			state := "stored"
			if !inserted {
				state = "already stored"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", m.ID, state)
			return nil
		},
	}
	cmd.Flags().StringVarP(&chatID, "chat", "c", "", "chat id")
	cmd.Flags().StringVar(&id, "id", "", "message id (default: random UUID); reuse it to retry safely")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}
