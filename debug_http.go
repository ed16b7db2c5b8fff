package memrt

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"
)

// newDebugMux builds the diagnostic routes for a memory system.
//
//	GET /memory/stats -> JSON Stats snapshot
//	GET /memory/leaks -> 200 when balanced, 503 with the snapshot otherwise
func newDebugMux(ms *MemSys) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/memory/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(ms.Stats())
	})

	mux.HandleFunc("/memory/leaks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		s := ms.Stats()
		if s.Leaking() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(s)
	})

	return mux
}

// StartDebugHTTP starts a lightweight HTTP server exposing the diagnostic
// endpoints for a memory system. It returns a shutdown function compatible
// with http.Server.Shutdown and the bound address.
func StartDebugHTTP(ms *MemSys, addr string) (func(ctx context.Context) error, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}

	server := &http.Server{Handler: newDebugMux(ms), ReadHeaderTimeout: 3 * time.Second}
	go func() { _ = server.Serve(ln) }()

	return server.Shutdown, ln.Addr().String(), nil
}
