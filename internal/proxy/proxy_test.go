package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aman-churiwal/quota-gateway/internal/circuitbreaker"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(p *Proxy) *gin.Engine {
	router := gin.New()
	router.Any("/api/*path", p.Handle)
	return router
}

func TestProxy_ForwardsRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Path", r.URL.Path)
		w.Header().Set("X-Seen-Key", r.Header.Get("X-API-Key"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("upstream"))
	}))
	defer upstream.Close()

	p, err := New(upstream.URL)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/items", nil)
	req.Header.Set("X-API-Key", "sk_basic_1")
	w := httptest.NewRecorder()
	newRouter(p).ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "upstream", w.Body.String())
	assert.Equal(t, "/api/items", w.Header().Get("X-Seen-Path"))
	assert.Equal(t, "sk_basic_1", w.Header().Get("X-Seen-Key"))
	assert.Equal(t, upstream.URL, w.Header().Get("X-Backend-Server"))
}

func TestProxy_OpensCircuitOnUpstreamErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	p, err := NewWithConfig(Config{
		Target:         upstream.URL,
		CircuitBreaker: circuitbreaker.Config{MaxFailures: 2, Timeout: time.Minute},
	})
	require.NoError(t, err)
	router := newRouter(p)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/data", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/data", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, circuitbreaker.StateOpen, p.CircuitBreakerMetrics().State)

	p.ResetCircuitBreaker()
	assert.Equal(t, circuitbreaker.StateClosed, p.CircuitBreakerMetrics().State)
}

func TestNew_InvalidTarget(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	_, err = New("localhost")
	assert.Error(t, err)
}
