package core

import (
	"net/http"
)

// Handler returns an http.Handler exposing the engine.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Create
	mux.HandleFunc("POST /upload/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpload(w, r, r.PathValue("key"))
	})
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpload(w, r, "")
	})

	// Retrieve
	mux.HandleFunc("GET /get/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleGet(w, r, r.PathValue("key"))
	})
	mux.HandleFunc("GET /files/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleGet(w, r, r.PathValue("key"))
	})

	// Update and delete
	mux.HandleFunc("PUT /update/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleUpdate(w, r, r.PathValue("key"))
	})
	mux.HandleFunc("DELETE /delete/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleDelete(w, r, r.PathValue("key"))
	})

	// Listings
	for _, p := range []string{"GET /index", "GET /index/{$}"} {
		mux.HandleFunc(p, s.handleIndex)
	}
	for _, p := range []string{"GET /stats", "GET /stats/{$}"} {
		mux.HandleFunc(p, s.handleStats)
	}
	for _, p := range []string{"GET /tombstones", "GET /tombstones/{$}"} {
		mux.HandleFunc(p, s.handleTombstones)
	}

	// Add middleware
	handler := LogRequest(mux)
	handler = Recoverer(handler)
	return handler
}
