package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/parser"
	"github.com/wudi/gulagcleaner/testpdf"
)

func init() { gin.SetMode(gin.TestMode) }

func prepended() []byte {
	b := testpdf.New()
	content := func() int { return b.AddContent("q Q") }
	root := b.Pages([]testpdf.Page{
		{Contents: []int{content()}},
		{Contents: []int{content(), content(), content()}},
		{Contents: []int{content(), content(), content()}},
	})
	return b.Bytes(root, "")
}

func upload(t *testing.T, h http.Handler, filename string, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return uploadTo(t, h, "/api/clean", filename, data, fields)
}

func uploadTo(t *testing.T, h http.Handler, path, filename string, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if data != nil {
		fw, err := mw.CreateFormFile("pdf", filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	New(Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestCleanEndpoint(t *testing.T) {
	rec := upload(t, New(Config{}), "wuolah-apuntes.pdf", prepended(), nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get(SchemeHeader))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "clean-apuntes.pdf")

	doc, err := document.Load(context.Background(), rec.Body.Bytes(), parser.Config{})
	require.NoError(t, err)
	assert.Equal(t, 2, doc.PageCount())
}

func TestCleanEndpointForceGeneric(t *testing.T) {
	rec := upload(t, New(Config{}), "notes.pdf", prepended(), map[string]string{"force_generic": "true"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2", rec.Header().Get(SchemeHeader))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "notes_clean.pdf")
}

func TestCleanEndpointRejectsBadInput(t *testing.T) {
	h := New(Config{MaxFileSize: 1 << 20})

	rec := upload(t, h, "", nil, map[string]string{"force_generic": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = upload(t, h, "x.pdf", []byte("hello world"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = upload(t, h, "x.pdf", []byte("%PDF-1.7\nbroken"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "malformed document")

	small := New(Config{MaxFileSize: 16})
	rec = upload(t, small, "x.pdf", prepended(), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDeembedEndpoint(t *testing.T) {
	b := testpdf.New()
	form := b.AddStream("/Type /XObject /Subtype /Form /BBox [0 0 300 400]", []byte("0 0 m 300 400 l S"))
	root := b.Pages([]testpdf.Page{
		{Contents: []int{b.AddContent("/F Do")}, Images: map[string]int{"F": form}},
		{Contents: []int{b.AddContent("q Q")}},
	})
	rec := uploadTo(t, New(Config{}), "/api/deembed", "slides.pdf", b.Bytes(root, ""), nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get(PagesHeader))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "slides_deembedded.pdf")

	doc, err := document.Load(context.Background(), rec.Body.Bytes(), parser.Config{})
	require.NoError(t, err)
	box, err := doc.Box(1, "MediaBox")
	require.NoError(t, err)
	assert.Equal(t, [4]float64{0, 0, 300, 400}, box)
}

func TestDeembedEndpointWithoutForms(t *testing.T) {
	rec := uploadTo(t, New(Config{}), "/api/deembed", "plain.pdf", prepended(), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "_etc_passwd", sanitizeFilename("../etc/passwd"))
	assert.Equal(t, "document.pdf", sanitizeFilename("  "))
	assert.Equal(t, "a_b.pdf", sanitizeFilename(`a\b.pdf`))
}
