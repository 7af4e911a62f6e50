package main

import (
	"github.com/spf13/cobra"

	"github.com/ntsagui/neocortex/internal/broker"
	"github.com/ntsagui/neocortex/internal/model/chat"
	"github.com/ntsagui/neocortex/internal/service/ingest"
)

var sendReq ingest.Request

// sendCmd publishes a LEAD_MESSAGE_RECEIVED signal
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Publish a lead message",
	Long: `Validate and publish a chat message on signals.input.chat, exactly as
POST /api/v1/chat does, and print the receipt.`,
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendReq.SessionID, "session", "", "session id")
	f.StringVarP(&sendReq.Message, "message", "m", "", "message text")
	f.StringVar(&sendReq.ProspectInfo.Name, "name", "", "prospect name")
	f.StringVar(&sendReq.ProspectInfo.Email, "email", "", "prospect email")
	f.StringVar(&sendReq.ProspectInfo.Company, "company", "", "prospect company")
	f.StringVar(&sendReq.ProspectInfo.Phone, "phone", "", "prospect phone")
	f.StringVar(&sendReq.Language, "lang", chat.DefaultLanguage, "conversation language")
	_ = sendCmd.MarkFlagRequired("session")
	_ = sendCmd.MarkFlagRequired("message")
}

func runSend(cmd *cobra.Command, _ []string) error {
	rdb, err := connect()
	if err != nil {
		return err
	}
	defer rdb.Close()

	svc := ingest.NewService(broker.NewStreams(rdb, 0), logger)
	receipt, err := svc.Submit(cmd.Context(), sendReq)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), receipt)
}
