package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kwv/cloudmesh/mesh"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// maxFrameBytes bounds POST /frames bodies.
const maxFrameBytes = 32 << 20

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(session *mesh.Session, logger *zap.SugaredLogger, clk clock.Clock) http.Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clk == nil {
		clk = clock.New()
	}
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Warnw("error encoding response", "error", err)
		}
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		logger.Debugw("request", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeJSON(w, http.StatusOK, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			SessionID string    `json:"sessionId"`
			Recording bool      `json:"recording"`
		}{
			Status:    "ok",
			Timestamp: clk.Now(),
			SessionID: session.ID(),
			Recording: session.Recording(),
		})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, session.Status())
	})

	// Per-frame local transforms, starting with the identity for the bootstrap frame.
	mux.HandleFunc("/transforms", func(w http.ResponseWriter, r *http.Request) {
		status := session.Status()
		writeJSON(w, http.StatusOK, struct {
			SessionID  string           `json:"sessionId"`
			History    []mesh.Transform `json:"history"`
			Cumulative mesh.Transform   `json:"cumulative"`
		}{
			SessionID:  status.SessionID,
			History:    session.History(),
			Cumulative: status.Cumulative,
		})
	})

	preview := func(format, contentType string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			points := session.Points()
			if len(points) == 0 {
				http.Error(w, "Map is empty", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", contentType)
			w.Header().Set("Cache-Control", "no-cache")
			if err := renderTo(w, format, points, session.Status()); err != nil {
				logger.Warnw("error rendering preview", "format", format, "error", err)
			}
		}
	}
	mux.HandleFunc("/preview.png", preview("png", "image/png"))
	mux.HandleFunc("/preview.svg", preview("svg", "image/svg+xml"))

	mux.HandleFunc("/map.geojson", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/geo+json")
		if err := renderTo(w, "geojson", session.Points(), session.Status()); err != nil {
			logger.Warnw("error encoding GeoJSON", "error", err)
		}
	})

	mux.HandleFunc("/frames", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		frame, err := mesh.DecodeFramePayload(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := session.Submit(frame); err != nil {
			http.Error(w, err.Error(), submitStatus(err))
			return
		}
		writeJSON(w, http.StatusAccepted, struct {
			Points int `json:"points"`
		}{len(frame)})
	})

	mux.HandleFunc("/reset", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		session.Reset()
		logger.Infow("session reset over HTTP", "session", session.ID())
		writeJSON(w, http.StatusOK, session.Status())
	})

	mux.HandleFunc("/recording", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			http.Error(w, "enabled must be true or false", http.StatusBadRequest)
			return
		}
		session.SetRecording(enabled)
		writeJSON(w, http.StatusOK, session.Status())
	})

	return mux
}

// submitStatus maps Session.Submit errors to HTTP status codes.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, mesh.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, mesh.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, mesh.ErrEmptyFrame):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
