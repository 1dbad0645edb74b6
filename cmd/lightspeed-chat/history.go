package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dvcrn/lightspeed-proxy/internal/history"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the local chat history",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent exchanges, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(historyPath)
			if err != nil {
				return err
			}
			defer store.Close()

			exchanges, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(exchanges) == 0 {
				fmt.Println("no history yet")
				return nil
			}
			for _, ex := range exchanges {
				fmt.Printf("[%d] %s (%s)\n", ex.ID, ex.CreatedAt.Format("2006-01-02 15:04"), ex.Model)
				fmt.Printf("  Q: %s\n", ex.Question)
				fmt.Printf("  A: %s\n", ex.Answer)
			}
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of exchanges to show, 0 for all")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all recorded exchanges",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.Open(historyPath)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Clear(cmd.Context())
		},
	}

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}
