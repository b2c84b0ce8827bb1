package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-chat-realtime/internal/cache"
	"github.com/tbourn/go-chat-realtime/internal/domain"
)

func newPresenceCmd(g *globals) *cobra.Command {
	var redisAddr string
	cmd := &cobra.Command{
		Use:   "presence [user]",
		Short: "Read presence from the Redis mirror",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := g.cfg.Redis
			if redisAddr != "" {
				rc.Addr = redisAddr
			}
			if rc.Addr == "" {
				return fmt.Errorf("--redis (or REDIS_ADDR) is required")
			}
			rdb, err := cache.Dial(cmd.Context(), rc)
			if err != nil {
				return err
			}
			defer rdb.Close()
			mirror := cache.NewPresenceMirror(rdb, "", g.log)

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				p, err := mirror.Presence(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if p == nil {
					return fmt.Errorf("no presence for %s", args[0])
				}
				printPresence(out, []domain.Presence{*p})
				return nil
			}
			all, err := mirror.All(cmd.Context())
			if err != nil {
				return err
			}
			list := make([]domain.Presence, 0, len(all))
			for _, p := range all {
				list = append(list, p)
			}
			sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
			printPresence(out, list)
			return nil
		},
	}
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address (default REDIS_ADDR)")
	return cmd
}

func printPresence(w io.Writer, list []domain.Presence) {
	for _, p := range list {
		fmt.Fprintf(w, "%-20s %-8s %s\n", p.UserID, p.Status, p.LastSeen.Format("2006-01-02T15:04:05Z07:00"))
	}
}
