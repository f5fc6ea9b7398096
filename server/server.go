// Package server exposes the cleaner over HTTP.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/wudi/gulagcleaner/batch"
	"github.com/wudi/gulagcleaner/cleaner"
	"github.com/wudi/gulagcleaner/deembed"
	"github.com/wudi/gulagcleaner/document"
	"github.com/wudi/gulagcleaner/observability"
)

// DefaultMaxFileSize is the upload limit when Config leaves it zero (50MB).
const DefaultMaxFileSize = 50 * 1024 * 1024

// SchemeHeader carries the scheme used on a cleaned response.
const SchemeHeader = "X-Gulag-Scheme"

// PagesHeader carries the page count of a deembedded response.
const PagesHeader = "X-Gulag-Pages"

type Config struct {
	MaxFileSize int64
	Cleaner     *cleaner.Cleaner
	Logger      observability.Logger
}

// New returns a gin engine serving POST /api/clean, POST /api/deembed and
// GET /health.
func New(cfg Config) *gin.Engine {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.Cleaner == nil {
		cfg.Cleaner = cleaner.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger{}
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.MaxFileSize

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "gulagcleaner",
		})
	})
	api := r.Group("/api")
	{
		api.POST("/clean", func(c *gin.Context) { handleClean(c, cfg) })
		api.POST("/deembed", func(c *gin.Context) { handleDeembed(c, cfg) })
	}
	return r
}

// readUpload returns the "pdf" form file after the size and signature
// checks, or writes the error response and returns false.
func readUpload(c *gin.Context, cfg Config) ([]byte, string, bool) {
	file, header, err := c.Request.FormFile("pdf")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return nil, "", false
	}
	defer file.Close()

	if err := validatePDFFile(file, header, cfg.MaxFileSize); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return nil, "", false
	}
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
		return nil, "", false
	}
	return data, header.Filename, true
}

func handleClean(c *gin.Context, cfg Config) {
	data, filename, ok := readUpload(c, cfg)
	if !ok {
		return
	}

	forceGeneric, _ := strconv.ParseBool(c.PostForm("force_generic"))
	log := cfg.Logger.With(observability.String("file", filename))
	out, tag, err := cfg.Cleaner.Clean(c.Request.Context(), data, forceGeneric)
	if err != nil {
		log.Warn("clean failed", observability.Error("error", err))
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	log.Info("cleaned", observability.String("scheme", tag.String()), observability.Int("bytes", len(out)))

	name := batch.OutputPath(sanitizeFilename(filename), batch.DefaultMarker, batch.DefaultReplacement)
	if name == sanitizeFilename(filename) {
		name = strings.TrimSuffix(name, filepath.Ext(name)) + "_clean.pdf"
	}
	c.Header(SchemeHeader, strconv.Itoa(int(tag)))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.DataFromReader(http.StatusOK, int64(len(out)), "application/pdf", bytes.NewReader(out), nil)
}

func handleDeembed(c *gin.Context, cfg Config) {
	data, filename, ok := readUpload(c, cfg)
	if !ok {
		return
	}
	log := cfg.Logger.With(observability.String("file", filename))
	out, n, err := deembed.Extract(c.Request.Context(), data, deembed.Config{Logger: log})
	if err != nil {
		log.Warn("deembed failed", observability.Error("error", err))
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	name := sanitizeFilename(filename)
	name = strings.TrimSuffix(name, filepath.Ext(name)) + "_deembedded.pdf"
	c.Header(PagesHeader, strconv.Itoa(n))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.DataFromReader(http.StatusOK, int64(len(out)), "application/pdf", bytes.NewReader(out), nil)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, document.ErrMalformedDocument):
		return http.StatusBadRequest
	case errors.Is(err, cleaner.ErrUnsupportedScheme),
		errors.Is(err, document.ErrMissingKey),
		errors.Is(err, document.ErrUnexpectedObjectType),
		errors.Is(err, deembed.ErrNoEmbeddedPages):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

var errTooLarge = errors.New("file too large")

// validatePDFFile checks the size and the %PDF signature, then rewinds.
func validatePDFFile(file multipart.File, header *multipart.FileHeader, maxSize int64) error {
	if header.Size > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum allowed %d bytes", errTooLarge, header.Size, maxSize)
	}
	buffer := make([]byte, 4)
	n, err := file.Read(buffer)
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read file header: %v", err)
	}
	if n < 4 || string(buffer[:4]) != "%PDF" {
		return errors.New("invalid PDF file: header does not match")
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to reset file position: %v", err)
	}
	return nil
}

func sanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "..", "")
	filename = strings.ReplaceAll(filename, "/", "_")
	filename = strings.ReplaceAll(filename, "\\", "_")
	filename = strings.TrimSpace(filepath.Base(filename))
	if filename == "" || filename == "." {
		filename = "document.pdf"
	}
	return filename
}
