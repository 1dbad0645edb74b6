package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	apiKey      string
	model       string
	historyPath string
)

func main() {
	root := &cobra.Command{
		Use:   "lightspeed-chat",
		Short: "Command-line client for the lightspeed proxy",
		Long: `lightspeed-chat talks to a running lightspeed-proxy instance over its
OpenAI-compatible API and keeps a local history of exchanges.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8085/v1", "Base URL of the proxy's OpenAI-compatible API")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("LIGHTSPEED_PROXY_API_KEY"), "API key for the proxy, if it requires one")
	root.PersistentFlags().StringVar(&model, "model", "lightspeed", "Model name to send")
	root.PersistentFlags().StringVar(&historyPath, "history-db", defaultHistoryPath(), "Path to the local history database")

	root.AddCommand(newChatCmd())
	root.AddCommand(newHistoryCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultHistoryPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "lightspeed-chat.db"
	}
	return filepath.Join(dir, ".local", "share", "lightspeed-chat", "history.db")
}

func ensureHistoryDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
	}
	return nil
}
