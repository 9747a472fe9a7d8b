package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newEngine(buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewJSONHandler(buf, nil))
	r := gin.New()
	r.Use(Recovery(log), Logging(log), Metrics())
	r.GET("/ok/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/boom", func(c *gin.Context) { panic("boom") })
	return r
}

func TestRecoveryReturns500(t *testing.T) {
	var buf bytes.Buffer
	r := newEngine(&buf)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["error"] != "internal error" {
		t.Fatalf("body = %s", w.Body.String())
	}
	if !strings.Contains(buf.String(), "panic in handler") {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}

func TestLoggingRecordsRouteTemplate(t *testing.T) {
	var buf bytes.Buffer
	r := newEngine(&buf)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok/42", nil))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log line: %v (%s)", err, buf.String())
	}
	if entry["route"] != "/ok/:id" || entry["path"] != "/ok/42" || entry["status"] != float64(204) {
		t.Fatalf("entry = %v", entry)
	}
}
