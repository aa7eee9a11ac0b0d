package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pm-agent/internal/domain"
	"pm-agent/internal/usecase"
)

var (
	metadataFile string
	maxRevisions int
	threadID     string
	editsFile    string
)

var meetingCmd = &cobra.Command{
	Use:   "meeting",
	Short: "Turn meeting recordings into tasks",
}

var meetingStartCmd = &cobra.Command{
	Use:   "start <audio-ref>",
	Short: "Transcribe and analyze a recording, then pause for review",
	Long: `Start runs transcription, analysis and the reflect/refine loop, then
stops before any task is created. Review the result with 'pmctl meeting show'
and continue with 'pmctl meeting resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runMeetingStart,
}

var meetingResumeCmd = &cobra.Command{
	Use:   "resume <thread-id>",
	Short: "Apply review edits, create tasks and notify assignees",
	Args:  cobra.ExactArgs(1),
	RunE:  runMeetingResume,
}

var meetingShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show the saved state of a meeting run",
	Args:  cobra.ExactArgs(1),
	RunE:  runMeetingShow,
}

func init() {
	meetingStartCmd.Flags().StringVarP(&metadataFile, "metadata", "m", "", "JSON file with meeting metadata (title, projectId, participants, ...)")
	meetingStartCmd.Flags().IntVar(&maxRevisions, "max-revisions", -1, "Override the refinement bound (0 disables refinement)")
	meetingStartCmd.Flags().StringVar(&threadID, "thread", "", "Thread id to use instead of a generated one")

	meetingResumeCmd.Flags().StringVarP(&editsFile, "edits", "e", "", `JSON file with reviewer edits: {"mom": "...", "actionItems": [...]}`)

	meetingCmd.AddCommand(meetingStartCmd)
	meetingCmd.AddCommand(meetingResumeCmd)
	meetingCmd.AddCommand(meetingShowCmd)
}

func runMeetingStart(cmd *cobra.Command, args []string) error {
	in := usecase.StartMeetingInput{AudioRef: args[0], ThreadID: threadID}
	if metadataFile != "" {
		raw, err := os.ReadFile(metadataFile)
		if err != nil {
			return fmt.Errorf("read metadata: %w", err)
		}
		if err := json.Unmarshal(raw, &in.Metadata); err != nil {
			return fmt.Errorf("parse metadata %s: %w", metadataFile, err)
		}
	}
	if cmd.Flags().Changed("max-revisions") {
		in.MaxRevisions = &maxRevisions
	}

	services, cleanup, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	snap, err := services.Meetings.Start(cmd.Context(), in)
	if err != nil {
		return err
	}
	printMeeting(cmd.OutOrStdout(), snap)
	return nil
}

func runMeetingResume(cmd *cobra.Command, args []string) error {
	in := usecase.ResumeMeetingInput{ThreadID: args[0]}
	if editsFile != "" {
		edits, err := readEdits(editsFile)
		if err != nil {
			return err
		}
		in.Minutes = edits.Minutes
		in.ActionItems = edits.ActionItems
	}

	services, cleanup, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	snap, err := services.Meetings.Resume(cmd.Context(), in)
	if err != nil {
		return err
	}
	printMeeting(cmd.OutOrStdout(), snap)
	return nil
}

func runMeetingShow(cmd *cobra.Command, args []string) error {
	services, cleanup, err := openServices(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	snap, err := services.Meetings.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printMeeting(cmd.OutOrStdout(), snap)
	return nil
}

type reviewEdits struct {
	Minutes     *string              `json:"mom"`
	ActionItems *[]domain.ActionItem `json:"actionItems"`
}

func readEdits(path string) (reviewEdits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return reviewEdits{}, fmt.Errorf("read edits: %w", err)
	}
	var edits reviewEdits
	if err := json.Unmarshal(raw, &edits); err != nil {
		return reviewEdits{}, fmt.Errorf("parse edits %s: %w", path, err)
	}
	return edits, nil
}
