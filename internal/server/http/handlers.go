package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/clinagent/evidence-service/internal/domain"
	"github.com/clinagent/evidence-service/internal/embedding"
	"github.com/clinagent/evidence-service/internal/llm"
	"github.com/clinagent/evidence-service/internal/observability"
	"github.com/clinagent/evidence-service/internal/pipeline"
)

const statusProbeTimeout = 10 * time.Second

type queryRequest struct {
	Query string `json:"query" validate:"required,min=1,max=2000"`
}

// sseEvent is one Server-Sent Event on the query stream.
type sseEvent struct {
	Type       string          `json:"type"`
	Message    string          `json:"message,omitempty"`
	Answer     string          `json:"answer,omitempty"`
	NoEvidence bool            `json:"no_evidence,omitempty"`
	Papers     []paperRef      `json:"papers,omitempty"`
	Context    *contextPayload `json:"context,omitempty"`
}

// contextPayload summarizes what retrieval found before analysis starts.
type contextPayload struct {
	Papers []paperRef `json:"papers"`
	Facts  []string   `json:"facts,omitempty"`
}

const maxContextFacts = 5

// paperRef is a bibliographic reference for a contributing paper.
type paperRef struct {
	PaperID string  `json:"paper_id"`
	Title   string  `json:"title"`
	Journal string  `json:"journal,omitempty"`
	Year    string  `json:"year,omitempty"`
	Score   float64 `json:"score"`
}

// queryHandler handles POST /api/v1/query as an SSE stream: progress events
// while the pipeline runs, then answer, references, and done.
func (s *Server) queryHandler(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "query is required and must be at most 2000 characters")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	logger := s.logger.With().Str("request_id", observability.RequestIDFromContext(ctx)).Logger()

	relay := pipeline.NewRelay(s.cfg.ProgressBuffer, s.logger)

	type runResult struct {
		answer domain.Answer
		papers []domain.Paper
		err    error
	}
	resultCh := make(chan runResult, 1)
	var retrievedPapers []domain.Paper
	var retrievedFacts []domain.AtomicFact
	go func() {
		defer relay.Close()
		hooks := pipeline.Hooks{
			Progress: relay.Publish,
			Retrieval: func(papers []domain.Paper, facts []domain.AtomicFact) {
				retrievedPapers, retrievedFacts = papers, facts
			},
		}
		answer, papers, err := s.runner.Run(ctx, req.Query, hooks)
		resultCh <- runResult{answer: answer, papers: papers, err: err}
	}()

	forwardErr := relay.Forward(ctx, s.cfg.ProgressWait, func(message string) {
		sendSSEEvent(w, flusher, sseEvent{Type: "progress", Message: message})
	})
	if forwardErr != nil {
		// Client went away; the pipeline goroutine unwinds via ctx.
		logger.Debug().Msg("query stream client disconnected")
		return
	}

	result := <-resultCh
	if result.err != nil {
		logger.Error().Err(result.err).Msg("query failed")
		sendSSEEvent(w, flusher, sseEvent{Type: "error", Message: userFacingError(result.err)})
		return
	}

	if len(retrievedPapers) > 0 {
		facts := make([]string, 0, maxContextFacts)
		for _, fact := range retrievedFacts {
			if len(facts) == maxContextFacts {
				break
			}
			facts = append(facts, fact.Text)
		}
		sendSSEEvent(w, flusher, sseEvent{Type: "context", Context: &contextPayload{
			Papers: paperRefs(retrievedPapers),
			Facts:  facts,
		}})
	}

	sendSSEEvent(w, flusher, sseEvent{
		Type:       "answer",
		Answer:     result.answer.Text,
		NoEvidence: result.answer.NoEvidence,
	})
	if len(result.papers) > 0 {
		sendSSEEvent(w, flusher, sseEvent{Type: "references", Papers: paperRefs(result.papers)})
	}
	sendSSEEvent(w, flusher, sseEvent{Type: "done"})
}

func paperRefs(papers []domain.Paper) []paperRef {
	refs := make([]paperRef, 0, len(papers))
	for _, paper := range papers {
		refs = append(refs, paperRef{
			PaperID: paper.ID,
			Title:   paper.Metadata.Title,
			Journal: paper.Metadata.Journal,
			Year:    paper.Metadata.PublicationYear,
			Score:   paper.Score,
		})
	}
	return refs
}

// userFacingError maps pipeline errors to messages shown to the user.
func userFacingError(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnavailable):
		return "The inference service is starting up. Please try again in a few minutes."
	case errors.Is(err, domain.ErrInvalidInput):
		return err.Error()
	default:
		return "An internal error occurred while processing the query."
	}
}

// sendSSEEvent writes one event to the stream and flushes it.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event sseEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	flusher.Flush()
}

// backendStatus is the connectivity report for one external backend.
type backendStatus struct {
	OK          bool     `json:"ok"`
	Status      string   `json:"status,omitempty"`
	Collections []string `json:"collections,omitempty"`
	Dimension   int      `json:"embedding_dim,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// statusHandler handles GET /api/v1/status: it probes each external backend
// once. A sleeping inference endpoint reports ok, it wakes on the first
// query.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusProbeTimeout)
	defer cancel()

	result := map[string]backendStatus{}

	if collections, err := s.store.Collections(ctx); err != nil {
		result["vector_store"] = backendStatus{OK: false, Error: err.Error()}
	} else {
		result["vector_store"] = backendStatus{OK: true, Collections: collections}
	}

	if vec, err := s.embedder.Embed(ctx, "test query", embedding.ModelE5); err != nil {
		result["embedding"] = backendStatus{OK: false, Error: err.Error()}
	} else {
		result["embedding"] = backendStatus{OK: true, Dimension: len(vec)}
	}

	if _, err := s.probe.Complete(ctx, llm.Request{Prompt: "test", MaxTokens: 5}); err != nil {
		var apiErr *llm.APIError
		if errors.As(err, &apiErr) && apiErr.IsColdStart() {
			result["completion"] = backendStatus{OK: true, Status: "sleeping (will wake on query)"}
		} else {
			result["completion"] = backendStatus{OK: false, Error: err.Error()}
		}
	} else {
		result["completion"] = backendStatus{OK: true, Status: "ready"}
	}

	writeJSON(w, http.StatusOK, result)
}
