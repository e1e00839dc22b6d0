package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/kariy/katana-hypervisor/internal/logtail"
	"github.com/kariy/katana-hypervisor/internal/state"
)

const (
	defaultTail       = 100
	defaultStreamTail = 20
)

func tailParam(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// serialLogPath resolves an instance's serial log, requiring that the
// instance has been started at least once and the file exists.
func (s *Server) serialLogPath(name string) (string, error) {
	st, err := s.lifecycle.Get(name)
	if err != nil {
		return "", err
	}
	if st.SerialLog == "" {
		return "", &state.NotFoundError{Name: name + " serial log"}
	}
	if _, err := os.Stat(st.SerialLog); err != nil {
		return "", &state.NotFoundError{Name: name + " serial log"}
	}
	return st.SerialLog, nil
}

func (s *Server) handleInstanceLogs(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")
	logPath, err := s.serialLogPath(name)
	if err != nil {
		writeError(w, err)
		return
	}

	lines, total, err := logtail.Tail(logPath, tailParam(r, defaultTail))
	if err != nil {
		writeError(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance_name": name,
		"lines":         lines,
		"total_lines":   total,
	})
}

// handleStreamLogs drives the follow engine over a server-sent-events
// response. Client disconnect cancels the follower via the request
// context within one poll interval.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	name := pathParam(r, "name")
	logPath, err := s.serialLogPath(name)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	follower := logtail.NewFollower(logPath, name, tailParam(r, defaultStreamTail))
	err = follower.Run(r.Context(), func(ev logtail.Event) error {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && err != context.Canceled {
		s.log.WithError(err).WithField("instance", name).Debug("log stream ended")
	}
}
