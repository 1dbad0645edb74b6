package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	"github.com/dvcrn/lightspeed-proxy/internal/history"
)

func newChatCmd() *cobra.Command {
	var noStream bool
	var interactive bool

	cmd := &cobra.Command{
		Use:   "chat [question]",
		Short: "Ask the assistant a question",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive {
				return runInteractive(cmd.Context(), noStream)
			}
			if len(args) == 0 {
				return errors.New("provide a question or use --interactive")
			}
			question := strings.Join(args, " ")
			_, err := askAndRecord(cmd.Context(), newClient(), nil, question, noStream)
			return err
		},
	}

	cmd.Flags().BoolVar(&noStream, "no-stream", false, "Wait for the complete answer instead of streaming")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Hold a multi-turn conversation on stdin")
	return cmd
}

// runInteractive reads questions line by line, carrying the growing message
// history so the daemon keeps routing the session to one backend context.
func runInteractive(ctx context.Context, noStream bool) error {
	client := newClient()
	var transcript []openai.ChatCompletionMessage

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" {
			return nil
		}

		answer, err := askAndRecord(ctx, client, transcript, question, noStream)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		transcript = append(transcript,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer},
		)
	}
}

func newClient() *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(serverURL, "/")
	return openai.NewClientWithConfig(cfg)
}

func askAndRecord(ctx context.Context, client *openai.Client, transcript []openai.ChatCompletionMessage, question string, noStream bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: append(append([]openai.ChatCompletionMessage{}, transcript...),
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question}),
	}

	var answer string
	var err error
	if noStream {
		answer, err = ask(ctx, client, req)
	} else {
		answer, err = askStreaming(ctx, client, req)
	}
	if err != nil {
		return "", err
	}

	if rerr := recordExchange(ctx, question, answer); rerr != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", rerr)
	}
	return answer, nil
}

func ask(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (string, error) {
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat request returned no choices")
	}

	answer := resp.Choices[0].Message.Content
	fmt.Println(answer)
	return answer, nil
}

func askStreaming(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (string, error) {
	req.Stream = true
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer stream.Close()

	var answer strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("stream interrupted: %w", err)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				fmt.Print(choice.Delta.Content)
				answer.WriteString(choice.Delta.Content)
			}
		}
	}
	fmt.Println()
	return answer.String(), nil
}

func recordExchange(ctx context.Context, question, answer string) error {
	if err := ensureHistoryDir(historyPath); err != nil {
		return err
	}
	store, err := history.Open(historyPath)
	if err != nil {
		return err
	}
	defer store.Close()

	_, err = store.Insert(ctx, history.Exchange{
		Model:    model,
		Question: question,
		Answer:   answer,
	})
	return err
}
