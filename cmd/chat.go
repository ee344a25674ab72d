package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"llm-relay/internal/chat"
	"llm-relay/internal/models"
)

func newChatCommand() *cobra.Command {
	var (
		model          string
		system         string
		conversationID string
		noStream       bool
		maxTokens      int
	)

	cmd := &cobra.Command{
		Use:   "chat [flags] <prompt...>",
		Short: "Send one message through the orchestrator and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			req := chat.Request{
				ConversationID: conversationID,
				Model:          model,
				Content:        models.Text(strings.Join(args, " ")),
				SystemPrompt:   system,
				Endpoint:       "cli",
			}
			if maxTokens > 0 {
				req.MaxTokens = &maxTokens
			}

			out := cmd.OutOrStdout()
			if noStream {
				res, err := a.chat.Send(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, res.Content)
				printSummary(cmd, res)
				return nil
			}

			var streamErr string
			res, err := a.chat.Stream(cmd.Context(), req, func(ev chat.Event) error {
				switch data := ev.Data.(type) {
				case chat.MessageEvent:
					fmt.Fprint(out, data.Text)
				case chat.ToolEvent:
					fmt.Fprintf(out, "\n[tool %s %s]", data.Tool, data.Input)
				case chat.ErrorEvent:
					streamErr = data.Message
				}
				return nil
			})
			fmt.Fprintln(out)
			if err != nil {
				if streamErr != "" {
					return fmt.Errorf("%s: %w", streamErr, err)
				}
				return err
			}
			printSummary(cmd, res)
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "model id or alias")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "continue an existing conversation")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for the full reply")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "output token budget")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func printSummary(cmd *cobra.Command, res *chat.Result) {
	reason := "none"
	if res.FinishReason != nil {
		reason = string(*res.FinishReason)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "conversation=%s message=%s finish=%s tokens=%d cost=$%.6f\n",
		res.ConversationID, res.MessageID, reason, res.Usage.TotalTokens, res.Cost)
}
