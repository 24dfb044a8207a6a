package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/devblac/chain-feed/internal/feed"
)

// Notice accompanies the listing of a feed whose entries were labelled with
// the node's height plus one, which may run one block ahead of the event.
const Notice = "Block number maybe off by 1"

// Checker holds the checks behind /healthz; a nil check is skipped.
type Checker struct {
	DBPing  func(ctx context.Context) error
	RPCPing func(ctx context.Context) error
}

// Feeds is the read side of the running feeds.
type Feeds interface {
	Feed(id string) (*feed.Feed, bool)
	Feeds() []*feed.Feed
}

type feedSummary struct {
	ID      string `json:"id"`
	Entries int    `json:"entries"`
}

type feedResponse struct {
	ID       string       `json:"id"`
	Notice   string       `json:"notice,omitempty"`
	Excluded []string     `json:"excluded"`
	Total    int          `json:"total"`
	Entries  []feed.Entry `json:"entries"`
}

// Handler builds the HTTP API. maxVisible caps the entries returned per feed.
func Handler(checker Checker, feeds Feeds, maxVisible int) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := map[string]string{"status": "ok"}
		code := http.StatusOK

		if checker.DBPing != nil {
			if err := checker.DBPing(ctx); err != nil {
				status["db"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["db"] = "ok"
			}
		}
		if checker.RPCPing != nil {
			if err := checker.RPCPing(ctx); err != nil {
				status["rpc"] = "fail"
				code = http.StatusServiceUnavailable
			} else {
				status["rpc"] = "ok"
			}
		}
		writeJSON(w, code, status)
	})

	mux.HandleFunc("GET /feeds", func(w http.ResponseWriter, r *http.Request) {
		all := feeds.Feeds()
		out := make([]feedSummary, 0, len(all))
		for _, f := range all {
			out = append(out, feedSummary{ID: f.ID(), Entries: f.Snapshot().Len()})
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /feeds/{id}", func(w http.ResponseWriter, r *http.Request) {
		f, ok := feeds.Feed(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown feed")
			return
		}
		limit := maxVisible
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			if limit <= 0 || n < limit {
				limit = n
			}
		}

		entries := f.Entries()
		total := len(entries)
		if limit > 0 && limit < total {
			entries = entries[:limit]
		}
		if entries == nil {
			entries = []feed.Entry{}
		}
		resp := feedResponse{
			ID:       f.ID(),
			Excluded: f.Exclusions(),
			Total:    total,
			Entries:  entries,
		}
		if resp.Excluded == nil {
			resp.Excluded = []string{}
		}
		if f.Estimated() {
			resp.Notice = Notice
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("POST /feeds/{id}/clear", func(w http.ResponseWriter, r *http.Request) {
		f, ok := feeds.Feed(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown feed")
			return
		}
		f.Clear()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Serve starts the API on addr.
func Serve(addr string, checker Checker, feeds Feeds, maxVisible int) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(checker, feeds, maxVisible),
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

// Shutdown gracefully shuts down the server.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
