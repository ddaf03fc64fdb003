package router

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/cuongbtq/slicer-worker/internal/api/handler"
	"github.com/cuongbtq/slicer-worker/internal/metrics"
	"github.com/cuongbtq/slicer-worker/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type emptyStats struct{}

func (emptyStats) Stats() worker.Stats { return worker.Stats{} }

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return SetupRouter(&handler.Dependencies{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Stats:   emptyStats{},
		Metrics: metrics.New().Handler(),
	})
}

func TestSetupRouter_Routes(t *testing.T) {
	r := newRouter()

	tests := []struct {
		path     string
		wantCode int
		wantBody *regexp.Regexp
	}{
		{path: "/info", wantCode: http.StatusOK, wantBody: regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)},
		{path: "/stats", wantCode: http.StatusOK, wantBody: regexp.MustCompile(`"jobsSucceeded":0`)},
		{path: "/health", wantCode: http.StatusOK, wantBody: regexp.MustCompile(`"status":"healthy"`)},
		{path: "/metrics", wantCode: http.StatusOK, wantBody: regexp.MustCompile(`slicer_worker_running_jobs`)},
		{path: "/api/v1/jobs", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != nil {
				assert.Regexp(t, tt.wantBody, w.Body.String())
			}
		})
	}
}
