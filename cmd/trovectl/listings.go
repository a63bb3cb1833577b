package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	listingsCmd := &cobra.Command{Use: "listings", Short: "Listing operations"}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet(fmt.Sprintf("/api/listings?limit=%d", limit))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "l", 20, "Max listings to return")
	listingsCmd.AddCommand(listCmd)

	getCmd := &cobra.Command{
		Use:   "get LISTING_ID",
		Short: "Get listing by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet("/api/listings/" + args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	listingsCmd.AddCommand(getCmd)

	mineCmd := &cobra.Command{
		Use:   "mine USER_ID",
		Short: "List listings a user created or owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := doGet("/api/users/" + args[0] + "/listings")
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(os.Stdout, string(data))
			return nil
		},
	}
	listingsCmd.AddCommand(mineCmd)

	rootCmd.AddCommand(listingsCmd)
}
