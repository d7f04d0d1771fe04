package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStartSpanMintsTrace(t *testing.T) {
	tracer := New("orchestrator", zap.NewNop())

	span, ctx := tracer.StartSpan(context.Background(), "rules.activate")

	assert.True(t, strings.HasPrefix(string(span.TraceID), TracePrefix+"_"))
	assert.True(t, strings.HasPrefix(string(span.SpanID), SpanPrefix+"_"))
	assert.Empty(t, span.ParentID)
	assert.Equal(t, span.TraceID, GetTraceID(ctx))
	assert.Equal(t, span.SpanID, GetSpanID(ctx))
}

func TestStartSpanInheritsParent(t *testing.T) {
	tracer := New("orchestrator", zap.NewNop())

	parent, ctx := tracer.StartSpan(context.Background(), "observe")
	child, _ := tracer.StartSpan(ctx, "rules.activate")

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)
	assert.NotEqual(t, parent.SpanID, child.SpanID)
}

func TestHTTPMiddlewarePropagatesHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer := New("orchestrator", zap.NewNop())

	router := gin.New()
	router.Use(HTTPMiddleware(tracer))

	var seen TraceID
	router.GET("/health", func(c *gin.Context) {
		seen = GetTraceID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderTraceID, "trc_upstream")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, TraceID("trc_upstream"), seen)
	assert.Equal(t, "trc_upstream", rec.Header().Get(HeaderTraceID))
	assert.NotEmpty(t, rec.Header().Get(HeaderSpanID))
}

func TestHTTPMiddlewareMintsFreshTrace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer := New("orchestrator", zap.NewNop())

	router := gin.New()
	router.Use(HTTPMiddleware(tracer))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.True(t, strings.HasPrefix(rec.Header().Get(HeaderTraceID), TracePrefix+"_"))
}
