package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/netzbureau/tariffscout/internal/progress"
)

// heartbeatInterval keeps intermediaries from closing idle SSE streams.
const heartbeatInterval = 15 * time.Second

type eventDTO struct {
	JobID      string `json:"job_id"`
	TargetID   string `json:"target_id,omitempty"`
	DataType   string `json:"data_type,omitempty"`
	TS         string `json:"ts"`
	Stage      string `json:"stage"`
	Step       string `json:"step,omitempty"`
	Progress   int    `json:"progress"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Note       string `json:"note,omitempty"`
}

func toEventDTO(evt progress.Event) eventDTO {
	return eventDTO{
		JobID:      evt.JobID,
		TargetID:   evt.TargetID,
		DataType:   evt.DataType,
		TS:         formatTime(evt.TS),
		Stage:      string(evt.Stage),
		Step:       evt.Step,
		Progress:   evt.Progress,
		DurationMS: evt.Dur.Milliseconds(),
		Note:       evt.Note,
	}
}

// streamEvents serves job progress as server-sent events. An optional
// job_id query parameter narrows the stream to one job. The connection
// stays open until the client disconnects or the hub shuts down.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	jobID := r.URL.Query().Get("job_id")
	ch, cancel := s.events.Subscribe(jobID, 0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(toEventDTO(evt))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Stage, payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
