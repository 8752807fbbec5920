package core_test

import (
	"bytes"
	"encoding/json"
	"haystack/internal/core"
	"haystack/internal/engine"
	"haystack/internal/index"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// NewTestServer creates a Server backed by an engine in a temporary
// directory and returns it along with an httptest.Server wrapping its handler.
func NewTestServer(t *testing.T, opts ...core.ConfigOption) (*core.Server, *httptest.Server) {
	t.Helper()

	e, err := engine.Open(t.Context(), engine.Config{DataDir: t.TempDir(), IndexKind: index.KindMemory})
	require.NoError(t, err, "engine.Open error")
	t.Cleanup(func() { _ = e.Close() })

	srv, err := core.NewServer(core.NewConfig(append([]core.ConfigOption{core.WithEngine(e)}, opts...)...))
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	return srv, httpSrv
}

type RequestOption func(*http.Request)

func WithContentType(contentType string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Content-Type", contentType)
	}
}

func WithContent(body []byte) func(*http.Request) {
	return func(req *http.Request) {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/octet-stream")
		}
	}
}

// WithMultipartFile attaches body as the "file" part of a multipart form,
// the way browsers and the requests library upload files.
func WithMultipartFile(t *testing.T, filename string, body []byte) RequestOption {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err, "creating form file")
	_, err = fw.Write(body)
	require.NoError(t, err, "writing form file")
	require.NoError(t, mw.Close(), "closing multipart writer")

	encoded := buf.Bytes()
	return func(req *http.Request) {
		WithContentType(mw.FormDataContentType())(req)
		WithContent(encoded)(req)
	}
}

func DoMethod(t *testing.T, method string, url string, opts ...RequestOption) *http.Response {
	t.Helper()
	client := http.DefaultClient
	req, err := http.NewRequestWithContext(t.Context(), method, url, nil)
	require.NoError(t, err, "creating "+method+" request")
	for _, opt := range opts {
		opt(req)
	}
	resp, err := client.Do(req)
	require.NoErrorf(t, err, "%s %s error", method, url)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func DoPost(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodPost, url, opts...)
}

func DoPut(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodPut, url, opts...)
}

func DoGet(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodGet, url, opts...)
}

func DoDelete(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodDelete, url, opts...)
}

// DecodeJSON decodes the response body into a value of type T.
func DecodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v), "decoding JSON body")
	return v
}

func ReadBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "reading body")
	return body
}

func TestUploadGetUpdateDelete(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	resp := DoPost(t, httpSrv.URL+"/upload/a.txt", WithContent([]byte("hello")))
	require.Equal(t, http.StatusOK, resp.StatusCode, "upload status")
	created := DecodeJSON[core.ObjectResponse](t, resp)
	require.Equal(t, core.MessageUploaded, created.Message)
	require.Equal(t, "a.txt", created.Key)
	require.Equal(t, &engine.Location{Offset: 0, Length: 5}, created.Location)

	resp = DoGet(t, httpSrv.URL+"/get/a.txt")
	require.Equal(t, http.StatusOK, resp.StatusCode, "get status")
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, "attachment; filename=a.txt", resp.Header.Get("Content-Disposition"))
	require.Equal(t, "hello", string(ReadBody(t, resp)))

	resp = DoPut(t, httpSrv.URL+"/update/a.txt", WithContent([]byte("goodbye")))
	require.Equal(t, http.StatusOK, resp.StatusCode, "update status")
	updated := DecodeJSON[core.ObjectResponse](t, resp)
	require.Equal(t, core.MessageUpdated, updated.Message)
	require.Equal(t, &engine.Location{Offset: 5, Length: 7}, updated.Location)

	resp = DoGet(t, httpSrv.URL+"/files/a.txt")
	require.Equal(t, http.StatusOK, resp.StatusCode, "files alias status")
	require.Equal(t, "goodbye", string(ReadBody(t, resp)))

	resp = DoDelete(t, httpSrv.URL+"/delete/a.txt")
	require.Equal(t, http.StatusOK, resp.StatusCode, "delete status")
	require.Equal(t, core.MessageDeleted, DecodeJSON[core.ObjectResponse](t, resp).Message)

	resp = DoGet(t, httpSrv.URL+"/get/a.txt")
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "get after delete")
	require.Equal(t, core.MessageKeyNotFound, DecodeJSON[core.ErrorResponse](t, resp).Message)

	resp = DoDelete(t, httpSrv.URL+"/delete/a.txt")
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "second delete")
}

func TestUploadDuplicateKey(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	resp := DoPost(t, httpSrv.URL+"/upload/test", WithContent([]byte("one")))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = DoPost(t, httpSrv.URL+"/upload/test", WithContent([]byte("two")))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	errResp := DecodeJSON[core.ErrorResponse](t, resp)
	require.Equal(t, "KeyExists", errResp.Code)
	require.Equal(t, core.MessageKeyExists, errResp.Message)
	require.Equal(t, "/upload/test", errResp.Resource)

	resp = DoGet(t, httpSrv.URL+"/get/test")
	require.Equal(t, "one", string(ReadBody(t, resp)))
}

func TestUploadMultipart(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	// Key from the path wins over the uploaded filename.
	resp := DoPost(t, httpSrv.URL+"/upload/by-path", WithMultipartFile(t, "img.png", []byte("png bytes")))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "by-path", DecodeJSON[core.ObjectResponse](t, resp).Key)

	// Without a path key the filename is used.
	resp = DoPost(t, httpSrv.URL+"/upload/", WithMultipartFile(t, "img1.png", []byte("other png")))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "img1.png", DecodeJSON[core.ObjectResponse](t, resp).Key)

	resp = DoGet(t, httpSrv.URL+"/get/img1.png")
	require.Equal(t, "other png", string(ReadBody(t, resp)))

	resp = DoPut(t, httpSrv.URL+"/update/by-path", WithMultipartFile(t, "img.png", []byte("new png")))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = DoGet(t, httpSrv.URL+"/get/by-path")
	require.Equal(t, "new png", string(ReadBody(t, resp)))
}

func TestMissingBodyAndKey(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	resp := DoPost(t, httpSrv.URL+"/upload/empty")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "upload without body")
	require.Equal(t, core.MessageMissingBody, DecodeJSON[core.ErrorResponse](t, resp).Message)

	resp = DoPost(t, httpSrv.URL+"/upload", WithContent([]byte("data")))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "upload without key")
	require.Equal(t, core.MessageMissingKey, DecodeJSON[core.ErrorResponse](t, resp).Message)

	resp = DoPost(t, httpSrv.URL+"/upload/k", WithContent([]byte("data")))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = DoPut(t, httpSrv.URL+"/update/k")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "update without body")

	resp = DoPut(t, httpSrv.URL+"/update/nonexistent_key", WithContent([]byte("data")))
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "update of missing key")
}

func TestPayloadTooLarge(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t, core.WithMaxObjectSize(8))

	resp := DoPost(t, httpSrv.URL+"/upload/big", WithContent(bytes.Repeat([]byte("x"), 64)))
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	resp = DoGet(t, httpSrv.URL+"/get/big")
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "rejected upload must not be stored")
}

func TestIndexStatsAndTombstones(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	DoPost(t, httpSrv.URL+"/upload/a.txt", WithContent([]byte("hello")))
	DoPost(t, httpSrv.URL+"/upload/b.txt", WithContent([]byte("world!")))
	DoDelete(t, httpSrv.URL+"/delete/a.txt")

	for _, path := range []string{"/index", "/index/"} {
		resp := DoGet(t, httpSrv.URL+path)
		require.Equalf(t, http.StatusOK, resp.StatusCode, "GET %s", path)
		require.Equal(t, core.IndexResponse{"b.txt": {Offset: 5, Length: 6}}, DecodeJSON[core.IndexResponse](t, resp))
	}

	resp := DoGet(t, httpSrv.URL+"/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, engine.Stats{Objects: 1, VolumeBytes: 11, LiveBytes: 6, OrphanedBytes: 5, Tombstones: 1}, DecodeJSON[engine.Stats](t, resp))

	resp = DoGet(t, httpSrv.URL+"/tombstones/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tombstones := DecodeJSON[[]core.TombstoneResponse](t, resp)
	require.Len(t, tombstones, 1)
	require.Equal(t, "a.txt", tombstones[0].Key)
	require.Equal(t, int64(0), tombstones[0].Offset)
	require.Equal(t, int64(5), tombstones[0].Length)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	resp := DoGet(t, httpSrv.URL+"/index")
	require.NotEmpty(t, resp.Header.Get(core.RequestIDHeader), "generated request id")

	resp = DoGet(t, httpSrv.URL+"/index", func(req *http.Request) {
		req.Header.Set(core.RequestIDHeader, "abc-123")
	})
	require.Equal(t, "abc-123", resp.Header.Get(core.RequestIDHeader), "propagated request id")
}

func TestNewServerRequiresEngine(t *testing.T) {
	t.Parallel()

	_, err := core.NewServer(core.NewConfig())
	require.Error(t, err)
}
