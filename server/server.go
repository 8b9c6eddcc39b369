// Package server exposes the anonymizer's three operations over a small JSON
// API. It is a thin collaborator shell: all detection logic lives in the pii,
// ocr and imaging packages.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Reynem/anonymizer/config"
	"github.com/Reynem/anonymizer/imaging"
	"github.com/Reynem/anonymizer/ocr"
	"github.com/Reynem/anonymizer/pii"
)

// maxRequestBody bounds request bodies; texts past this size are rejected
// rather than fed to the model.
const maxRequestBody = 1 << 20 // 1 MB

// TextService is the text pipeline surface the server needs.
type TextService interface {
	AnonymizeText(ctx context.Context, text string) (string, error)
	ContainsPersonalData(ctx context.Context, text string) (bool, error)
}

// ImageService is the image pipeline surface the server needs.
type ImageService interface {
	ProcessImage(ctx context.Context, path string) imaging.Result
}

// healthReporter reports whether the recognition model loaded.
type healthReporter interface {
	IsHealthy() bool
	Info() map[string]interface{}
}

// Server represents the HTTP server
type Server struct {
	config  *config.Config
	text    TextService
	images  ImageService
	models  healthReporter
	audit   pii.AuditDB // nil when auditing is disabled
	limiter *rate.Limiter
	closers []func() error
}

// NewServer creates a new server instance: it loads the recognition model,
// wires the text and image pipelines, and opens the audit store if enabled.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	models, err := pii.NewModelManager(cfg.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create model manager: %w", err)
	}

	anonymizer := pii.NewAnonymizer(models)

	engine := ocr.NewTesseractEngine(cfg.OCRLanguages...)
	var opts []imaging.Option
	if cfg.UniqueOutputNames {
		opts = append(opts, imaging.WithUniqueNames())
	}
	redactor := imaging.NewRedactor(engine, anonymizer, opts...)

	srv := &Server{
		config:  cfg,
		text:    anonymizer,
		images:  redactor,
		models:  models,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
		closers: []func() error{models.Close},
	}

	if cfg.Database.Enabled {
		audit, err := pii.NewSQLiteAuditDB(ctx, cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		srv.audit = audit
		srv.closers = append(srv.closers, audit.Close)
	}

	return srv, nil
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	log.Printf("Starting anonymizer service on %s", s.config.ListenAddr)
	if s.models.IsHealthy() {
		log.Println("NER model loaded")
	} else {
		log.Println("Warning: NER model unavailable, text operations will fail until it is configured")
	}
	if s.audit != nil {
		log.Println("Audit database enabled")
	}

	server := &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // image OCR can be slow
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// Handler returns the route table for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/anonymize", s.limited(s.handleAnonymize))
	mux.HandleFunc("/api/contains", s.limited(s.handleContains))
	mux.HandleFunc("/api/image", s.limited(s.handleImage))
	mux.HandleFunc("/api/audit/events", s.handleAuditEvents)
	return mux
}

// Close releases the model and the audit store.
func (s *Server) Close() error {
	var firstErr error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// limited wraps a handler with the request rate limiter. Every request may
// trigger model inference, so the limiter sits in front of all API routes.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

type textRequest struct {
	Text string `json:"text"`
}

type anonymizeResponse struct {
	AnonymizedText string `json:"anonymized_text"`
}

type containsResponse struct {
	ContainsPersonalData bool `json:"contains_personal_data"`
}

type imageRequest struct {
	Path string `json:"path"`
}

type imageResponse struct {
	Status     string `json:"status"`
	OutputPath string `json:"output_path,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	result, err := s.text.AnonymizeText(r.Context(), req.Text)
	if err != nil {
		log.Printf("[Server] Anonymize failed: %v", err)
		http.Error(w, "anonymization failed", http.StatusInternalServerError)
		return
	}

	s.recordAudit(r.Context(), "text", categoryCountsFromTokens(result), "")
	s.writeJSON(w, anonymizeResponse{AnonymizedText: result})
}

func (s *Server) handleContains(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	contains, err := s.text.ContainsPersonalData(r.Context(), req.Text)
	if err != nil {
		log.Printf("[Server] Contains check failed: %v", err)
		http.Error(w, "detection failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, containsResponse{ContainsPersonalData: contains})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	result := s.images.ProcessImage(r.Context(), req.Path)

	resp := imageResponse{Status: result.Status.String()}
	switch result.Status {
	case imaging.StatusRedacted:
		resp.OutputPath = result.OutputPath
		s.recordAudit(r.Context(), "image", nil, result.OutputPath)
	case imaging.StatusFailed:
		resp.Reason = result.Reason
	}

	// All three outcomes are valid results, not transport errors.
	s.writeJSON(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"model":  s.models.Info(),
	}
	if !s.models.IsHealthy() {
		status["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.writeJSON(w, status)
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit database disabled", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	events, err := s.audit.GetEvents(r.Context(), limit, offset)
	if err != nil {
		log.Printf("[Server] Audit query failed: %v", err)
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]interface{}{"events": events})
}

// recordAudit stores one audit event; failures are logged, never surfaced.
func (s *Server) recordAudit(ctx context.Context, kind string, categories map[string]int, outputPath string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.InsertEvent(ctx, kind, categories, outputPath); err != nil {
		log.Printf("[Server] Failed to record audit event: %v", err)
	}
	if s.config.Logging.LogPIIChanges && len(categories) > 0 {
		log.Printf("[Server] Redacted categories: %v", categories)
	}
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] Failed to encode response: %v", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// categoryCountsFromTokens counts replacement tokens in redacted text. This
// avoids a second detection pass just for the audit trail.
func categoryCountsFromTokens(redacted string) map[string]int {
	tokenCategories := map[string]pii.Category{
		pii.TokenID:      pii.CategoryID,
		pii.TokenName:    pii.CategoryName,
		pii.TokenAccount: pii.CategoryAccount,
		pii.TokenPhone:   pii.CategoryPhone,
		pii.TokenEmail:   pii.CategoryEmail,
		pii.TokenAddress: pii.CategoryAddress,
		pii.TokenOrg:     pii.CategoryOrg,
		pii.TokenPlace:   pii.CategoryPlace,
	}

	counts := make(map[string]int)
	for token, category := range tokenCategories {
		if n := strings.Count(redacted, token); n > 0 {
			counts[string(category)] += n
		}
	}
	return counts
}
