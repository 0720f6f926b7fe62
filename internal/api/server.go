// Package api provides the HTTP server and handlers.
package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/muawin/muawin/internal/auth"
	"github.com/muawin/muawin/internal/events"
	"github.com/muawin/muawin/internal/logging"
	"github.com/muawin/muawin/internal/metadata"
	"github.com/muawin/muawin/internal/metrics"
	"github.com/muawin/muawin/internal/ratelimit"
	"github.com/muawin/muawin/internal/storage"
	"github.com/muawin/muawin/pkg/models"
	"github.com/muawin/muawin/pkg/pathcodec"
	"github.com/muawin/muawin/pkg/protocol"
	"github.com/muawin/muawin/pkg/validate"
)

// multipartOverhead is allowed on top of the largest file ceiling for
// boundaries and part headers.
const multipartOverhead = 1 << 20

// sniffLen is how much of an upload is handed to content detection.
const sniffLen = 261

// Options configures optional server behaviour.
type Options struct {
	// Categories lists the served categories. Empty serves any category.
	Categories  []string
	Validator   *validate.Validator
	RateLimiter *ratelimit.Limiter
}

// Server is the HTTP server.
type Server struct {
	metadata    metadata.Store
	storage     storage.Backend
	auth        *auth.Auth
	broadcaster *events.Broadcaster
	validator   *validate.Validator
	categories  map[string]bool
	rateLimiter *ratelimit.Limiter
}

// NewServer creates a new server.
func NewServer(
	store metadata.Store,
	backend storage.Backend,
	authHandler *auth.Auth,
	broadcaster *events.Broadcaster,
	opts Options,
) *Server {
	s := &Server{
		metadata:    store,
		storage:     backend,
		auth:        authHandler,
		broadcaster: broadcaster,
		validator:   opts.Validator,
		rateLimiter: opts.RateLimiter,
	}
	if s.validator == nil {
		s.validator = validate.New()
	}
	if s.rateLimiter == nil {
		s.rateLimiter = ratelimit.New(0)
	}
	if len(opts.Categories) > 0 {
		s.categories = make(map[string]bool, len(opts.Categories))
		for _, c := range opts.Categories {
			s.categories[c] = true
		}
	}
	return s
}

// Init publishes the stored file count.
func (s *Server) Init(ctx context.Context) error {
	n, err := s.metadata.Count(ctx)
	if err != nil {
		return fmt.Errorf("count files: %w", err)
	}
	metrics.SetFilesStored(n)
	logging.Info("metadata store ready",
		zap.Int64("files", n),
		zap.String("storage", s.storage.Type()))
	return nil
}

func (s *Server) refreshFileCount(ctx context.Context) {
	if n, err := s.metadata.Count(ctx); err == nil {
		metrics.SetFilesStored(n)
	}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	protected := http.NewServeMux()

	// Files
	protected.HandleFunc("GET /files/download/{filename}", s.handleDownload)
	protected.HandleFunc("GET /files/{category}/{zone}/{branch}", s.handleList)
	protected.HandleFunc("POST /files/{category}/{zone}/{branch}", s.handleUpload)
	protected.HandleFunc("DELETE /files/{category}/{zone}/{branch}/{filename}", s.handleDelete)

	// SSE
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Wrap protected routes with auth then rate limiter
	userID := func(ctx context.Context) (string, bool) {
		claims := auth.GetClaims(ctx)
		if claims == nil {
			return "", false
		}
		if claims.UserID != "" {
			return claims.UserID, true
		}
		return claims.Username, true
	}
	limited := s.auth.Middleware(s.rateLimiter.Middleware(userID)(protected))
	mux.Handle("/files/", limited)
	mux.Handle("/api/v1/", limited)

	// Apply logging and metrics middleware
	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"storage": s.storage.Type(),
	})
}

// ─── Scope ──────────────────────────────────────────────────────────────────

// scopeFromRequest resolves and authorizes the {category}/{zone}/{branch}
// path values. It writes the error response itself and reports false on
// failure.
func (s *Server) scopeFromRequest(w http.ResponseWriter, r *http.Request) (pathcodec.Scope, *auth.Claims, bool) {
	scope := pathcodec.Scope{
		Category: r.PathValue("category"),
		Zone:     r.PathValue("zone"),
		Branch:   r.PathValue("branch"),
	}
	if err := scope.Validate(); err != nil {
		s.sendError(w, r, http.StatusBadRequest, err.Error())
		return scope, nil, false
	}
	if s.categories != nil && !s.categories[scope.Category] {
		s.sendError(w, r, http.StatusNotFound, "unknown category: "+scope.Category)
		return scope, nil, false
	}
	claims := auth.GetClaims(r.Context())
	if err := auth.Require(claims, scope.Zone, scope.Branch); err != nil {
		s.sendError(w, r, http.StatusForbidden, err.Error())
		return scope, nil, false
	}
	return scope, claims, true
}

// ─── List ───────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	scope, _, ok := s.scopeFromRequest(w, r)
	if !ok {
		return
	}

	recs, err := s.metadata.List(r.Context(), scope)
	if err != nil {
		logging.WithContext(r.Context()).Error("list files failed",
			logging.Scope(scope.Category, scope.Zone, scope.Branch), zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "failed to list files")
		return
	}

	files := make([]models.ConfirmedFile, 0, len(recs))
	for _, rec := range recs {
		files = append(files, rec.Confirmed())
	}
	s.sendJSON(w, http.StatusOK, files)
}

// ─── Upload ─────────────────────────────────────────────────────────────────

func (s *Server) maxUploadSize() int64 {
	img, doc := s.validator.Limit("image/"), s.validator.Limit("")
	if img > doc {
		return img
	}
	return doc
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	scope, claims, ok := s.scopeFromRequest(w, r)
	if !ok {
		return
	}
	log := logging.WithContext(r.Context())

	maxSize := s.maxUploadSize()
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, r, http.StatusBadRequest, "multipart body required: "+err.Error())
		return
	}

	var part io.Reader
	var partName, partType string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.sendUploadReadError(w, r, err)
			return
		}
		if p.FormName() == protocol.UploadField {
			part, partName, partType = p, p.FileName(), p.Header.Get("Content-Type")
			break
		}
		p.Close()
	}
	if part == nil {
		s.sendError(w, r, http.StatusBadRequest, "missing form field: "+protocol.UploadField)
		return
	}

	filename := pathcodec.NormalizeFilename(partName)
	if err := pathcodec.ValidateSegment("filename", filename); err != nil {
		metrics.RecordUploadRejection("scope")
		s.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !s.validator.Accepts(filename) {
		metrics.RecordUploadRejection("type")
		s.sendError(w, r, http.StatusUnsupportedMediaType, "file type not allowed: "+filename)
		return
	}

	content, err := io.ReadAll(io.LimitReader(part, maxSize+1))
	if err != nil {
		s.sendUploadReadError(w, r, err)
		return
	}

	mimeType := declaredType(partType)
	if mimeType == "" {
		mimeType = validate.DetectMIME(filename, content[:min(len(content), sniffLen)])
	}
	if reason := s.validator.Check(mimeType, int64(len(content))); reason != "" {
		metrics.RecordUploadRejection("size")
		s.sendError(w, r, http.StatusRequestEntityTooLarge, reason)
		return
	}

	sum := sha256.Sum256(content)
	key := pathcodec.StorageKey(scope, filename)
	size := int64(len(content))

	if err := s.storage.PutObject(r.Context(), key, bytes.NewReader(content), size); err != nil {
		metrics.RecordUpload(scope.Category, 0, false)
		log.Error("store object failed", zap.String("key", key), zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "failed to store file")
		return
	}

	rec, created, err := s.metadata.Put(r.Context(), metadata.Record{
		Category:   scope.Category,
		Zone:       scope.Zone,
		Branch:     scope.Branch,
		Filename:   filename,
		MIMEType:   mimeType,
		Size:       size,
		StorageKey: key,
		Hash:       hex.EncodeToString(sum[:]),
		UploadedBy: claims.Username,
	})
	if err != nil {
		metrics.RecordUpload(scope.Category, 0, false)
		log.Error("store metadata failed", zap.String("key", key), zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "failed to record file")
		return
	}

	metrics.RecordUpload(scope.Category, size, true)
	s.refreshFileCount(r.Context())
	log.Info("file uploaded",
		logging.Scope(scope.Category, scope.Zone, scope.Branch),
		zap.String("filename", filename),
		zap.Int64("size", size),
		zap.Bool("created", created))

	s.publishEvent(protocol.EventCreate, rec, claims.Username)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.sendJSON(w, status, rec.Confirmed())
}

// declaredType returns the part's media type without parameters, or "" when
// the client sent nothing useful.
func declaredType(header string) string {
	if header == "" {
		return ""
	}
	t, _, err := mime.ParseMediaType(header)
	if err != nil || t == "application/octet-stream" {
		return ""
	}
	return t
}

func (s *Server) sendUploadReadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		metrics.RecordUploadRejection("size")
		s.sendError(w, r, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	s.sendError(w, r, http.StatusBadRequest, "failed to read upload: "+err.Error())
}

// ─── Delete ─────────────────────────────────────────────────────────────────

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	scope, claims, ok := s.scopeFromRequest(w, r)
	if !ok {
		return
	}
	filename := r.PathValue("filename")
	log := logging.WithContext(r.Context())

	rec, err := s.metadata.Delete(r.Context(), scope, filename)
	if errors.Is(err, metadata.ErrNotFound) {
		metrics.RecordDelete(scope.Category, false)
		s.sendError(w, r, http.StatusNotFound, "File not found")
		return
	}
	if err != nil {
		metrics.RecordDelete(scope.Category, false)
		log.Error("delete metadata failed", zap.String("filename", filename), zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "failed to delete file")
		return
	}

	// The record is gone, so a leftover object is only wasted space.
	if err := s.storage.DeleteObject(r.Context(), rec.StorageKey); err != nil {
		log.Warn("delete object failed", zap.String("key", rec.StorageKey), zap.Error(err))
	}

	metrics.RecordDelete(scope.Category, true)
	s.refreshFileCount(r.Context())
	log.Info("file deleted",
		logging.Scope(scope.Category, scope.Zone, scope.Branch),
		zap.String("filename", filename))

	s.publishEvent(protocol.EventDelete, rec, claims.Username)

	s.sendJSON(w, http.StatusOK, protocol.DeleteResponse{
		Message:  "File deleted successfully",
		Filename: filename,
	})
}

// ─── Download ───────────────────────────────────────────────────────────────

// resolveDownload finds the record a download refers to. A full scope in the
// query selects exactly; otherwise the newest accessible match wins, narrowed
// by whichever scope parameters were given.
func (s *Server) resolveDownload(r *http.Request, claims *auth.Claims, filename string) (metadata.Record, int, error) {
	q := r.URL.Query()
	want := pathcodec.Scope{Category: q.Get("category"), Zone: q.Get("zone"), Branch: q.Get("branch")}

	if want.Category != "" && want.Zone != "" && want.Branch != "" {
		if err := want.Validate(); err != nil {
			return metadata.Record{}, http.StatusBadRequest, err
		}
		if err := auth.Require(claims, want.Zone, want.Branch); err != nil {
			return metadata.Record{}, http.StatusForbidden, err
		}
		rec, err := s.metadata.Get(r.Context(), want, filename)
		if errors.Is(err, metadata.ErrNotFound) {
			return rec, http.StatusNotFound, err
		}
		if err != nil {
			return rec, http.StatusInternalServerError, err
		}
		return rec, http.StatusOK, nil
	}

	recs, err := s.metadata.FindByFilename(r.Context(), filename)
	if err != nil {
		return metadata.Record{}, http.StatusInternalServerError, err
	}
	for _, rec := range recs {
		if want.Category != "" && rec.Category != want.Category ||
			want.Zone != "" && rec.Zone != want.Zone ||
			want.Branch != "" && rec.Branch != want.Branch {
			continue
		}
		if auth.CanAccess(claims, rec.Zone, rec.Branch) {
			return rec, http.StatusOK, nil
		}
	}
	return metadata.Record{}, http.StatusNotFound, metadata.ErrNotFound
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("filename")
	if filename == "" {
		s.sendError(w, r, http.StatusBadRequest, "filename required")
		return
	}
	claims := auth.GetClaims(r.Context())

	rec, code, err := s.resolveDownload(r, claims, filename)
	if err != nil {
		metrics.RecordDownload(0, false)
		if code == http.StatusNotFound {
			s.sendError(w, r, code, "File not found")
			return
		}
		s.sendError(w, r, code, err.Error())
		return
	}

	reader, size, err := s.storage.GetObject(r.Context(), rec.StorageKey, 0, 0)
	if err != nil {
		metrics.RecordDownload(0, false)
		logging.WithContext(r.Context()).Error("read object failed",
			zap.String("key", rec.StorageKey), zap.Error(err))
		s.sendError(w, r, http.StatusInternalServerError, "failed to read file")
		return
	}
	defer reader.Close()

	ct := rec.MIMEType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Filename}))
	if rec.Hash != "" {
		w.Header().Set("ETag", `"`+rec.Hash+`"`)
	}
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, reader)
	if err != nil {
		logging.Warn("content transfer error", zap.String("path", r.URL.Path), zap.Error(err))
	}
	metrics.RecordDownload(n, err == nil)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}
	claims := auth.GetClaims(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe(func(e protocol.Event) bool {
		return auth.CanAccess(claims, e.Zone, e.Branch)
	})
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := events.WriteSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// publishEvent publishes an event to the broadcaster if available.
func (s *Server) publishEvent(eventType string, rec metadata.Record, actor string) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(protocol.Event{
		Type:     eventType,
		Category: rec.Category,
		Zone:     rec.Zone,
		Branch:   rec.Branch,
		Filename: rec.Filename,
		FileID:   rec.FileID,
		Size:     rec.Size,
		Actor:    actor,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: logging.GetRequestID(r.Context()),
	})
}
