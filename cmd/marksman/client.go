package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"marksman/internal/types"
)

// Client-command flags.
var (
	submitTeacherID string
	submitClassIDs  string
	submitRubric    string
	submitRubricFP  string
	submitOptions   string

	eventsAfter  int64
	eventsFollow bool

	reviewAction string
	reviewFile   string
	reviewNotes  string
)

func addClientCommands(root *cobra.Command) {
	submitCmd := &cobra.Command{
		Use:   "submit [answer-document]",
		Short: "Submit a batch grading run",
		Long: `Uploads the answer document (and rubric document unless a rubric
fingerprint from an earlier run is supplied) and returns the run id.

Example:
  marksman submit answers.pdf --teacher t-17 --rubric rubric.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: runSubmit,
	}
	submitCmd.Flags().StringVar(&submitTeacherID, "teacher", "", "Teacher id (required)")
	submitCmd.Flags().StringVar(&submitClassIDs, "classes", "", "Comma-separated class ids")
	submitCmd.Flags().StringVar(&submitRubric, "rubric", "", "Rubric document path")
	submitCmd.Flags().StringVar(&submitRubricFP, "rubric-fp", "", "Rubric fingerprint from an earlier run")
	submitCmd.Flags().StringVar(&submitOptions, "options", "", "Run options as JSON")
	_ = submitCmd.MarkFlagRequired("teacher")

	statusCmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run's status, stage, and progress",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}

	eventsCmd := &cobra.Command{
		Use:   "events [run-id]",
		Short: "Read a run's event log",
		Long:  "Pages the sequenced event log; --follow attaches a live tail over WebSocket.",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvents,
	}
	eventsCmd.Flags().Int64Var(&eventsAfter, "after", 0, "Resume after this sequence number")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "Stream live events")

	cancelCmd := &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Request cooperative cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}

	resultsCmd := &cobra.Command{
		Use:   "results [run-id]",
		Short: "Fetch a completed run's student results, flags, and confessions",
		Args:  cobra.ExactArgs(1),
		RunE:  runResults,
	}

	reviewCmd := &cobra.Command{
		Use:   "review",
		Short: "Resolve a paused human-review gate",
	}
	rubricReviewCmd := &cobra.Command{
		Use:   "rubric [run-id]",
		Short: "Resolve a paused rubric review (approve, update, reparse)",
		Args:  cobra.ExactArgs(1),
		RunE:  runRubricReview,
	}
	resultsReviewCmd := &cobra.Command{
		Use:   "results [run-id]",
		Short: "Resolve a paused results review (approve, update, regrade)",
		Args:  cobra.ExactArgs(1),
		RunE:  runResultsReview,
	}
	for _, c := range []*cobra.Command{rubricReviewCmd, resultsReviewCmd} {
		c.Flags().StringVar(&reviewAction, "action", "approve", "Review action")
		c.Flags().StringVar(&reviewFile, "payload", "", "JSON payload file (rubric, overrides, or regrade items)")
		c.Flags().StringVar(&reviewNotes, "notes", "", "Reviewer notes")
	}
	reviewCmd.AddCommand(rubricReviewCmd, resultsReviewCmd)

	root.AddCommand(submitCmd, statusCmd, eventsCmd, cancelCmd, resultsCmd, reviewCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	_ = form.WriteField("teacher_id", submitTeacherID)
	if submitClassIDs != "" {
		_ = form.WriteField("class_ids", submitClassIDs)
	}
	if submitRubricFP != "" {
		_ = form.WriteField("rubric_fingerprint", submitRubricFP)
	}
	if submitOptions != "" {
		_ = form.WriteField("options", submitOptions)
	}
	if err := attachFile(form, "answer_document", args[0]); err != nil {
		return err
	}
	if submitRubric != "" {
		if err := attachFile(form, "rubric_document", submitRubric); err != nil {
			return err
		}
	}
	if err := form.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, serverAddr+"/v1/runs", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var resp struct {
		RunID    string   `json:"run_id"`
		Warnings []string `json:"warnings"`
	}
	if err := doJSON(req, &resp); err != nil {
		return err
	}
	fmt.Println(resp.RunID)
	for _, w := range resp.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	return nil
}

func attachFile(form *multipart.Writer, field, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	part, err := form.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	var run types.Run
	if err := getJSON("/v1/runs/"+url.PathEscape(args[0]), &run); err != nil {
		return err
	}
	fmt.Printf("run:      %s\n", run.RunID)
	fmt.Printf("status:   %s\n", run.Status)
	if run.CurrentStage != "" {
		fmt.Printf("stage:    %s\n", run.CurrentStage)
	}
	fmt.Printf("progress: %.0f%%\n", run.Progress*100)
	if run.FailureReason != "" {
		fmt.Printf("reason:   %s (event seq %d)\n", run.FailureReason, run.FailureSeq)
	}
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	runID := url.PathEscape(args[0])
	if eventsFollow {
		return followEvents(runID)
	}
	var page struct {
		Events  []types.EventRecord `json:"events"`
		NextSeq int64               `json:"next_seq"`
	}
	path := fmt.Sprintf("/v1/runs/%s/events?after_seq=%d", runID, eventsAfter)
	if err := getJSON(path, &page); err != nil {
		return err
	}
	for _, rec := range page.Events {
		printEvent(rec)
	}
	return nil
}

func followEvents(runID string) error {
	wsURL, err := url.Parse(serverAddr)
	if err != nil {
		return err
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = fmt.Sprintf("/v1/runs/%s/events/ws", runID)
	wsURL.RawQuery = fmt.Sprintf("after_seq=%d", eventsAfter)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to attach live tail: %w", err)
	}
	defer conn.Close()

	for {
		var rec types.EventRecord
		if err := conn.ReadJSON(&rec); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		printEvent(rec)
	}
}

func printEvent(rec types.EventRecord) {
	line := fmt.Sprintf("%6d  %s  %s", rec.Seq, rec.At.Format(time.RFC3339), rec.Type)
	if len(rec.Payload) > 0 && string(rec.Payload) != "null" {
		line += "  " + string(rec.Payload)
	}
	fmt.Println(line)
}

func runCancel(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodPost, serverAddr+"/v1/runs/"+url.PathEscape(args[0])+"/cancel", nil)
	if err != nil {
		return err
	}
	var resp map[string]string
	if err := doJSON(req, &resp); err != nil {
		return err
	}
	fmt.Println(resp["status"])
	return nil
}

func runResults(cmd *cobra.Command, args []string) error {
	var results json.RawMessage
	if err := getJSON("/v1/runs/"+url.PathEscape(args[0])+"/results", &results); err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, results, "", "  "); err != nil {
		return err
	}
	fmt.Println(pretty.String())
	return nil
}

func runRubricReview(cmd *cobra.Command, args []string) error {
	rv := types.RubricReview{Action: types.ReviewAction(reviewAction), Notes: reviewNotes}
	if reviewFile != "" {
		if err := loadJSONFile(reviewFile, &rv.ParsedRubric); err != nil {
			return err
		}
	}
	return postReview(args[0], "rubric-review", rv)
}

func runResultsReview(cmd *cobra.Command, args []string) error {
	rv := types.ResultsReview{Action: types.ReviewAction(reviewAction), Notes: reviewNotes}
	if reviewFile != "" {
		payload := struct {
			Overrides    []types.ScoreOverride `json:"overrides"`
			RegradeItems []types.RegradeItem   `json:"regrade_items"`
		}{}
		if err := loadJSONFile(reviewFile, &payload); err != nil {
			return err
		}
		rv.Overrides = payload.Overrides
		rv.RegradeItems = payload.RegradeItems
	}
	return postReview(args[0], "results-review", rv)
}

func postReview(runID, endpoint string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost,
		serverAddr+"/v1/runs/"+url.PathEscape(runID)+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	var resp map[string]string
	if err := doJSON(req, &resp); err != nil {
		return err
	}
	fmt.Println(resp["status"])
	return nil
}

func loadJSONFile(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func getJSON(path string, dst interface{}) error {
	req, err := http.NewRequest(http.MethodGet, serverAddr+path, nil)
	if err != nil {
		return err
	}
	return doJSON(req, dst)
}

var httpClient = &http.Client{Timeout: 5 * time.Minute}

func doJSON(req *http.Request, dst interface{}) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
