package core

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"haystack/internal/engine"
	"haystack/internal/storage"
)

// Server translates HTTP requests into engine calls.
type Server struct {
	Config Config
}

// NewServer returns a Server for the engine in cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("Engine must not be nil")
	}

	if cfg.MaxObjectSize <= 0 {
		cfg.MaxObjectSize = DefaultMaxObjectSize
	}

	return &Server{Config: cfg}, nil
}

// writeJSONResponse encodes v as JSON and writes it to w with the given status.
func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode json response", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, code string, message string, status int) {
	writeJSONResponse(w, status, ErrorResponse{
		Code:     code,
		Message:  message,
		Resource: r.URL.Path,
	})
}

// writeEngineError maps an engine error kind to a response.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrKeyExists):
		writeError(w, r, "KeyExists", MessageKeyExists, http.StatusConflict)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, "NotFound", MessageKeyNotFound, http.StatusNotFound)
	case errors.Is(err, storage.ErrMalformedInput):
		writeError(w, r, "MalformedInput", err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrCorruptRead):
		slog.Error("corrupt read", "path", r.URL.Path, "err", err)
		writeError(w, r, "CorruptRead", MessageInternalError, http.StatusInternalServerError)
	default:
		slog.Error("engine call failed", "path", r.URL.Path, "err", err)
		writeError(w, r, "InternalError", MessageInternalError, http.StatusInternalServerError)
	}
}

// writePayloadError reports a failure to read the request body.
func writePayloadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, "PayloadTooLarge", MessageTooLarge, http.StatusRequestEntityTooLarge)
		return
	}

	slog.Warn("read request body", "path", r.URL.Path, "err", err)
	writeError(w, r, "MalformedInput", "Failed to read request body", http.StatusBadRequest)
}

// readPayload returns the request body bytes. For multipart/form-data
// requests it returns the first file part and its filename instead.
func (s *Server) readPayload(w http.ResponseWriter, r *http.Request) (data []byte, filename string, err error) {
	body := http.MaxBytesReader(w, r.Body, s.Config.MaxObjectSize)
	defer body.Close()

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		data, err = io.ReadAll(body)
		return data, "", err
	}

	r.Body = body
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", err
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", nil
		}
		if err != nil {
			return nil, "", err
		}

		if part.FileName() == "" && part.FormName() != "file" {
			part.Close()
			continue
		}

		data, err = io.ReadAll(part)
		part.Close()
		return data, part.FileName(), err
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, key string) {
	data, filename, err := s.readPayload(w, r)
	if err != nil {
		writePayloadError(w, r, err)
		return
	}

	if key == "" {
		key = filename
	}
	if key == "" {
		writeError(w, r, "MalformedInput", MessageMissingKey, http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		writeError(w, r, "MalformedInput", MessageMissingBody, http.StatusBadRequest)
		return
	}

	entry, err := s.Config.Engine.Create(r.Context(), key, data)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, ObjectResponse{
		Message:  MessageUploaded,
		Key:      key,
		Location: &engine.Location{Offset: entry.Offset, Length: entry.Length},
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	data, err := s.Config.Engine.Get(r.Context(), key)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": key}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("stream object", "key", key, "err", err)
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, key string) {
	data, _, err := s.readPayload(w, r)
	if err != nil {
		writePayloadError(w, r, err)
		return
	}

	if len(data) == 0 {
		writeError(w, r, "MalformedInput", MessageMissingBody, http.StatusBadRequest)
		return
	}

	entry, err := s.Config.Engine.Update(r.Context(), key, data)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, ObjectResponse{
		Message:  MessageUpdated,
		Key:      key,
		Location: &engine.Location{Offset: entry.Offset, Length: entry.Length},
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, key string) {
	if _, err := s.Config.Engine.Delete(r.Context(), key); err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, ObjectResponse{
		Message: MessageDeleted,
		Key:     key,
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	listing, err := s.Config.Engine.Listing(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, IndexResponse(listing))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Config.Engine.Stats(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, stats)
}

func (s *Server) handleTombstones(w http.ResponseWriter, r *http.Request) {
	records, err := s.Config.Engine.Tombstones()
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	resp := make([]TombstoneResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, TombstoneResponse{
			Key:       rec.Key,
			Offset:    rec.Offset,
			Length:    rec.Length,
			Timestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}

	writeJSONResponse(w, http.StatusOK, resp)
}
