package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	notifCmd := &cobra.Command{Use: "notifications", Short: "Notification operations"}

	var unreadOnly bool
	listCmd := &cobra.Command{
		Use:   "list USER_ID",
		Short: "List notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/users/" + args[0] + "/notifications"
			if unreadOnly {
				path += "?unreadOnly=true"
			}
			data, err := doGet(path)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	listCmd.Flags().BoolVar(&unreadOnly, "unread", false, "Only unread notifications")
	notifCmd.AddCommand(listCmd)

	readCmd := &cobra.Command{
		Use:   "read USER_ID",
		Short: "Mark all notifications read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doPostJSON("/api/users/"+args[0]+"/notifications/read", map[string]interface{}{})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	notifCmd.AddCommand(readCmd)

	rootCmd.AddCommand(notifCmd)
}
