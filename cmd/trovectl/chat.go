package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	chatCmd := &cobra.Command{Use: "chat", Short: "Conversation operations"}

	// open
	openCmd := &cobra.Command{
		Use:   "open USER_ID",
		Short: "Open (or resume) the user's conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doPostJSON("/api/users/"+args[0]+"/conversations", map[string]interface{}{})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	chatCmd.AddCommand(openCmd)

	// send
	var confirm, cancel bool
	sendCmd := &cobra.Command{
		Use:   "send CONVERSATION_ID [MESSAGE]",
		Short: "Send a chat message",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]interface{}{}
			if len(args) == 2 {
				payload["message"] = args[1]
			}
			switch {
			case confirm && cancel:
				return fmt.Errorf("--confirm and --cancel are mutually exclusive")
			case confirm:
				payload["confirmationResponse"] = true
			case cancel:
				payload["confirmationResponse"] = false
			}
			data, err := doPostJSON("/api/conversations/"+args[0]+"/messages", payload)
			if err != nil {
				return err
			}
			return printReply(data)
		},
	}
	sendCmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm the pending action")
	sendCmd.Flags().BoolVar(&cancel, "cancel", false, "Cancel the pending action")
	chatCmd.AddCommand(sendCmd)

	// log
	var limit int
	logCmd := &cobra.Command{
		Use:   "log CONVERSATION_ID",
		Short: "Show conversation messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet(fmt.Sprintf("/api/conversations/%s/messages?limit=%d", args[0], limit))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	logCmd.Flags().IntVarP(&limit, "limit", "l", 20, "Max messages to return")
	chatCmd.AddCommand(logCmd)

	rootCmd.AddCommand(chatCmd)
}

// printReply renders the assistant's turn for terminal use; falls back to
// raw JSON when the shape is unexpected.
func printReply(data []byte) error {
	var reply struct {
		AssistantMessage struct {
			Content string `json:"content"`
		} `json:"assistantMessage"`
		PendingAction *json.RawMessage `json:"pendingAction"`
	}
	if err := json.Unmarshal(data, &reply); err != nil || reply.AssistantMessage.Content == "" {
		_, _ = fmt.Fprintln(os.Stdout, string(data))
		return nil
	}
	_, _ = fmt.Fprintln(os.Stdout, reply.AssistantMessage.Content)
	if reply.PendingAction != nil {
		_, _ = fmt.Fprintln(os.Stdout, "(awaiting confirmation: use --confirm or --cancel)")
	}
	return nil
}
