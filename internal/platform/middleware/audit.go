package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/admission/internal/platform/auth"
)

// AuditEntry records who touched which patient or hospital, and how.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string // hospitals, waitlist, patients, hospital-names
	PatientID  string
	Hospital   string
	Action     string
	IPAddress  string
	UserAgent  string
	Path       string
	Route      string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit emits one structured log line per /api/v1 request, after the handler
// ran, and forwards the entry to any recorders.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Resource:   resourceOf(path),
				PatientID:  patientIDOf(c),
				Hospital:   hospitalOf(c),
				Action:     actionOf(req.Method, c.Path()),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       path,
				Route:      c.Path(),
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: status,
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("patient_id", entry.PatientID).
				Str("hospital", entry.Hospital).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("patient_data_access")

			return err
		}
	}
}

// actionOf names what a request does to admission state.
func actionOf(method, route string) string {
	switch {
	case method == http.MethodPost && strings.HasSuffix(route, "/admit-from-waitlist"):
		return "admit"
	case method == http.MethodPost && strings.HasSuffix(route, "/waitlist"):
		return "enqueue"
	case method == http.MethodDelete && strings.HasPrefix(route, "/api/v1/hospitals/"):
		return "discharge"
	case method == http.MethodGet, method == http.MethodHead:
		return "read"
	default:
		return strings.ToLower(method)
	}
}

// resourceOf returns the first path segment under /api/v1/.
func resourceOf(path string) string {
	seg := strings.SplitN(strings.TrimPrefix(path, "/api/v1/"), "/", 2)[0]
	if seg == "" {
		return "unknown"
	}
	return seg
}

func patientIDOf(c echo.Context) string {
	for _, name := range []string{"patient_id", "id"} {
		if v := c.Param(name); v != "" {
			if _, err := uuid.Parse(v); err == nil {
				return v
			}
		}
	}
	return ""
}

func hospitalOf(c echo.Context) string {
	if strings.HasPrefix(c.Path(), "/api/v1/hospitals/:name") {
		return c.Param("name")
	}
	return ""
}
