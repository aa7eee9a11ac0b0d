package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pm-agent/internal/usecase"
)

var (
	askProject string
	askUser    string
	askThread  string
)

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Ask the project assistant a question",
	Long: `Ask routes the message to document retrieval, task tools or a direct
answer. Pass --thread to continue an earlier conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askProject, "project", "p", "", "Project id for task tools")
	askCmd.Flags().StringVarP(&askUser, "user", "u", "", "Caller user id for task tools")
	askCmd.Flags().StringVar(&askThread, "thread", "", "Conversation thread id")
}

func runAsk(cmd *cobra.Command, args []string) error {
	services, cleanup, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	out, err := services.Assistant.Chat(cmd.Context(), usecase.ChatInput{
		Message:   strings.Join(args, " "),
		ProjectID: askProject,
		UserID:    askUser,
		ThreadID:  askThread,
	})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if out.Degraded {
		fmt.Fprintln(w, color.YellowString(out.Answer))
	} else {
		fmt.Fprintln(w, out.Answer)
	}
	fmt.Fprintf(w, "\n%s %s  %s %s\n",
		color.New(color.Faint).Sprint("thread"), out.ThreadID,
		color.New(color.Faint).Sprint("route"), out.Route)
	return nil
}
