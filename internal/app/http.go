package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"meridian/api/internal/auth"
	"meridian/api/internal/metrics"
	"meridian/api/internal/provision"
	"meridian/api/internal/store"
	"meridian/api/internal/tenancy"

	"github.com/google/uuid"
)

type HTTPServer struct {
	service    *Service
	metrics    *metrics.Metrics
	corsOrigin string
}

func NewHTTPServer(service *Service, m *metrics.Metrics, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, metrics: m, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	handler := s.withTenancy(http.HandlerFunc(s.handle))
	handler = PostOnboardingMarker(s.service.cfg.DashboardPrefix)(handler)
	return s.withMiddleware(handler)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/signup" {
		s.handleSignup(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/onboarding/complete" {
		s.handleFinishOnboarding(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/internal/reconcile" {
		opsToken := strings.TrimSpace(r.Header.Get("x-meridian-ops-token"))
		if opsToken == "" || opsToken != s.service.OpsToken() {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		counts, err := s.service.ReconcileNow(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"checked": counts.Checked,
			"created": counts.Created,
			"fixed":   counts.Fixed,
			"errored": counts.Errored,
		})
		return
	}

	if r.Method == http.MethodGet {
		if parts := splitPath(r.URL.Path); len(parts) == 4 && parts[0] == "api" && parts[1] == "tenants" && parts[3] == "storage" {
			s.handleStorage(w, r, parts[2])
			return
		}
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/dashboard/overview" {
		s.handleDashboardOverview(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSignup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		OwnerUserID string `json:"ownerUserId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	tenant, err := s.service.Signup(r.Context(), body.Name, body.OwnerUserID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tenantId":      tenant.ID,
		"name":          tenant.Name,
		"storageStatus": tenant.StorageStatus,
	})
}

func (s *HTTPServer) handleFinishOnboarding(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.FinishOnboarding(r.Context(), body.UserID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleStorage(w http.ResponseWriter, r *http.Request, rawID string) {
	tenantID, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "malformed tenant id", nil)
		return
	}
	report, err := s.service.Storage(r.Context(), tenantID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleDashboardOverview is the minimal post-onboarding business surface.
// It runs on the request's tenant-bound connection when one exists, which is
// also what makes the dashboard prefix provision inline.
func (s *HTTPServer) handleDashboardOverview(w http.ResponseWriter, r *http.Request) {
	conn, ok := TenantConn(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"tenant": nil, "shared": true})
		return
	}
	binding, _ := tenancy.CurrentBinding(r.Context())

	var invoices int
	if err := conn.QueryRow(r.Context(), `SELECT COUNT(*) FROM invoices`).Scan(&invoices); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":   binding.TenantID,
		"invoices": invoices,
	})
}

// principalFrom recovers the authenticated user from the bearer token, if
// any. Authentication proper is someone else's job; a bad token just means
// no principal signal.
func (s *HTTPServer) principalFrom(r *http.Request) *tenancy.Principal {
	token := bearerToken(r)
	if token == "" {
		return nil
	}
	claims, err := auth.ParseToken([]byte(s.service.cfg.JWTSecret), token)
	if err != nil {
		return nil
	}
	return &tenancy.Principal{UserID: claims.Sub}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrTenantNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Tenant not found", nil
	}
	if errors.Is(err, tenancy.ErrInvalidTenantID) {
		return http.StatusUnprocessableEntity, "INVALID_TENANT", "Malformed tenant identifier", nil
	}
	if errors.Is(err, provision.ErrProvisioningTimeout) {
		return http.StatusServiceUnavailable, "PROVISIONING_TIMEOUT", "Provisioning timed out", nil
	}
	if errors.Is(err, provision.ErrNamespaceCreationFailed) || errors.Is(err, tenancy.ErrContextFailure) {
		return http.StatusServiceUnavailable, "TENANCY_UNAVAILABLE", "Tenant storage unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
