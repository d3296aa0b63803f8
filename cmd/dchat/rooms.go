package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	dchat "github.com/Prakash7895/d-dapp-fe-sub000"
)

var (
	listPage int
	listSize int
	listJSON bool
)

func init() {
	for _, c := range []*cobra.Command{roomsCmd, historyCmd} {
		c.Flags().IntVar(&listPage, "page", 1, "Page number")
		c.Flags().IntVar(&listSize, "size", 0, "Page size (default from config, else 20)")
		c.Flags().BoolVar(&listJSON, "json", false, "Print raw JSON")
	}
	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(historyCmd)
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, api, err := apiFromConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		rooms, err := api.FetchRooms(ctx, listPage, pageSize(cfg))
		if err != nil {
			return fmt.Errorf("failed to list rooms: %w", err)
		}
		out := cmd.OutOrStdout()
		if listJSON {
			return printJSON(out, rooms)
		}
		if len(rooms) == 0 {
			fmt.Fprintln(out, "No conversations.")
			return nil
		}
		for _, r := range rooms {
			name := valueOrDefault(r.Participant.Name, r.Participant.UserID)
			last := ""
			if r.LastMessage != nil {
				last = r.LastMessage.Content
			}
			unread := ""
			if r.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", r.UnreadCount)
			}
			fmt.Fprintf(out, "%s  %s%s\n    %s\n", r.RoomID, name, unread, last)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <roomId>",
	Short: "Print one page of a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, api, err := apiFromConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		msgs, err := api.FetchMessages(ctx, args[0], listPage, pageSize(cfg))
		if err != nil {
			return fmt.Errorf("failed to fetch history: %w", err)
		}
		out := cmd.OutOrStdout()
		if listJSON {
			return printJSON(out, msgs)
		}
		// Pages come newest first; print oldest first like a transcript.
		for i := len(msgs) - 1; i >= 0; i-- {
			fmt.Fprintln(out, messageLine(msgs[i], cfg.Auth.UserID))
		}
		return nil
	},
}

func apiFromConfig() (*Config, *dchat.APIClient, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := requireSession(cfg); err != nil {
		return nil, nil, err
	}
	_, api := newSession(cfg, newLogger())
	return cfg, api, nil
}

func pageSize(cfg *Config) int {
	if listSize > 0 {
		return listSize
	}
	if cfg.Default.PageSize > 0 {
		return cfg.Default.PageSize
	}
	return 20
}
