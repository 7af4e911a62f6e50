package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ntsagui/neocortex/internal/service/conversation"
)

// sessionCmd groups conversation store commands
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored conversations",
}

// sessionInspectCmd prints one conversation
var sessionInspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Print the history and prospect info of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionInspect,
}

// sessionCountCmd prints the active conversation count
var sessionCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count conversations still within their TTL",
	RunE:  runSessionCount,
}

func init() {
	sessionCmd.AddCommand(sessionInspectCmd, sessionCountCmd)
}

func runSessionInspect(cmd *cobra.Command, args []string) error {
	rdb, err := connect()
	if err != nil {
		return err
	}
	defer rdb.Close()

	store := conversation.NewStore(rdb)
	history, err := store.GetHistory(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	prospect, found, err := store.GetProspectInfo(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	view := map[string]any{
		"session_id":    args[0],
		"message_count": len(history),
		"history":       history,
	}
	if found {
		view["prospect_info"] = prospect
	}
	return printJSON(cmd.OutOrStdout(), view)
}

func runSessionCount(cmd *cobra.Command, _ []string) error {
	rdb, err := connect()
	if err != nil {
		return err
	}
	defer rdb.Close()

	n, err := conversation.NewStore(rdb).CountActive(cmd.Context())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
	return err
}
