package server

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marksman/internal/imaging"
	"marksman/internal/types"
)

// submitResponse acknowledges a batch submission. Warnings carry the soft
// admission watermarks; they never refuse the run.
type submitResponse struct {
	RunID    string   `json:"run_id"`
	Warnings []string `json:"warnings,omitempty"`
}

// handleSubmit accepts a batch as multipart form-data (file parts
// answer_document and rubric_document) or as a JSON RunSpec with base64
// document data.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	spec, err := decodeRunSpec(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	runID, warnings, err := s.orch.Submit(spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := submitResponse{RunID: runID}
	for _, warn := range warnings {
		resp.Warnings = append(resp.Warnings, string(warn))
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// maxSubmitBytes bounds the whole submission body: two documents at the
// 50 MB per-file intake limit plus form overhead.
const maxSubmitBytes = 2*50<<20 + 1<<20

func decodeRunSpec(r *http.Request) (*types.RunSpec, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxSubmitBytes)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, types.WrapErr(types.KindValidation, "unparseable content type", err)
	}
	if strings.HasPrefix(mediaType, "multipart/") {
		return specFromMultipart(r)
	}

	var spec types.RunSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		return nil, types.WrapErr(types.KindValidation, "unparseable run spec", err)
	}
	fillDocumentKinds(&spec)
	return &spec, nil
}

func specFromMultipart(r *http.Request) (*types.RunSpec, error) {
	if err := r.ParseMultipartForm(maxSubmitBytes); err != nil {
		return nil, types.WrapErr(types.KindValidation, "unparseable multipart form", err)
	}
	spec := &types.RunSpec{
		TeacherID:         r.FormValue("teacher_id"),
		RubricFingerprint: r.FormValue("rubric_fingerprint"),
	}
	if classes := strings.TrimSpace(r.FormValue("class_ids")); classes != "" {
		for _, id := range strings.Split(classes, ",") {
			if id = strings.TrimSpace(id); id != "" {
				spec.ClassIDs = append(spec.ClassIDs, id)
			}
		}
	}
	if opts := r.FormValue("options"); opts != "" {
		if err := json.Unmarshal([]byte(opts), &spec.Options); err != nil {
			return nil, types.WrapErr(types.KindValidation, "unparseable options", err)
		}
	}

	answer, err := formDocument(r, "answer_document")
	if err != nil {
		return nil, err
	}
	if answer != nil {
		spec.AnswerDocument = *answer
	}
	rubric, err := formDocument(r, "rubric_document")
	if err != nil {
		return nil, err
	}
	spec.RubricDocument = rubric
	fillDocumentKinds(spec)
	return spec, nil
}

func formDocument(r *http.Request, field string) (*types.Document, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		if err == http.ErrMissingFile {
			return nil, nil
		}
		return nil, types.WrapErr(types.KindValidation, "unreadable "+field, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, types.WrapErr(types.KindValidation, "unreadable "+field, err)
	}
	return &types.Document{Name: documentName(header, field), Data: data}, nil
}

func documentName(h *multipart.FileHeader, fallback string) string {
	if h != nil && h.Filename != "" {
		return h.Filename
	}
	return fallback
}

// fillDocumentKinds sniffs missing document kinds from content so clients
// need not declare them.
func fillDocumentKinds(spec *types.RunSpec) {
	if spec.AnswerDocument.Kind == "" {
		spec.AnswerDocument.Kind = imaging.DetectKind(spec.AnswerDocument.Data)
	}
	if spec.RubricDocument != nil && spec.RubricDocument.Kind == "" {
		spec.RubricDocument.Kind = imaging.DetectKind(spec.RubricDocument.Data)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Status(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// eventsResponse pages the event log. NextSeq feeds the caller's next
// after_seq; it equals the request's after_seq when nothing new exists.
type eventsResponse struct {
	Events  []types.EventRecord `json:"events"`
	NextSeq int64               `json:"next_seq"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	afterSeq := queryInt64(r, "after_seq", 0)
	limit := int(queryInt64(r, "limit", 500))

	recs, err := s.orch.EventsAfter(r.PathValue("id"), afterSeq, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	next := afterSeq
	if n := len(recs); n > 0 {
		next = recs[n-1].Seq
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: recs, NextSeq: next})
}

func (s *Server) handleRubricReview(w http.ResponseWriter, r *http.Request) {
	var rv types.RubricReview
	if err := json.NewDecoder(r.Body).Decode(&rv); err != nil {
		s.writeError(w, types.WrapErr(types.KindValidation, "unparseable rubric review", err))
		return
	}
	if err := s.orch.SubmitRubricReview(r.PathValue("id"), &rv); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleResultsReview(w http.ResponseWriter, r *http.Request) {
	var rv types.ResultsReview
	if err := json.NewDecoder(r.Body).Decode(&rv); err != nil {
		s.writeError(w, types.WrapErr(types.KindValidation, "unparseable results review", err))
		return
	}
	if err := s.orch.SubmitResultsReview(r.PathValue("id"), &rv); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Cancel(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.orch.Results(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Scheduler().GetStats())
}

func queryInt64(r *http.Request, name string, fallback int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
