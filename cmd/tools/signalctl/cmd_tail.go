package main

import (
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ntsagui/neocortex/internal/broker"
	"github.com/ntsagui/neocortex/internal/model/signal"
)

// tailCmd follows signal channels
var tailCmd = &cobra.Command{
	Use:   "tail [topic...]",
	Short: "Follow signal channels",
	Long: `Print every signal appended to the given channels from now on.
Without arguments all output channels are followed.`,
	RunE: runTail,
}

func runTail(cmd *cobra.Command, args []string) error {
	topics := args
	if len(topics) == 0 {
		topics = []string{
			signal.TopicIntelligence,
			signal.TopicOutputChat,
			signal.TopicQualification,
			signal.TopicReports,
			signal.TopicErrors,
		}
	}

	rdb, err := connect()
	if err != nil {
		return err
	}
	defer rdb.Close()

	streams := broker.NewStreams(rdb, 0)
	out := cmd.OutOrStdout()
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(cmd.Context())
	for _, topic := range topics {
		g.Go(func() error {
			return streams.Tail(ctx, topic, func(msg broker.Message) {
				mu.Lock()
				defer mu.Unlock()
				_ = printJSON(out, map[string]any{
					"topic":  msg.Topic,
					"key":    msg.Key,
					"signal": msg.Signal,
				})
			})
		})
	}
	return g.Wait()
}
