package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	routingKey string
	headers    map[string]string
}

func (p *recordingPublisher) Publish(_ context.Context, routingKey string, _ any, headers map[string]string) error {
	p.routingKey, p.headers = routingKey, headers
	return nil
}

func TestHTTPMetricsMiddlewareCountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HTTPMetricsMiddleware())
	r.GET("/conversations/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/conversations/:id", "204"))
	for _, path := range []string{"/conversations/1", "/conversations/2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "/conversations/:id", "204"))
	assert.Equal(t, 2.0, after-before)
}

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/catalog.CatalogService/GetItem")
	assert.Equal(t, "catalog.CatalogService", service)
	assert.Equal(t, "GetItem", method)

	service, method = splitFullMethod("bogus")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}

func TestPublishEventUsesConfiguredPublisher(t *testing.T) {
	require.NoError(t, PublishEvent(context.Background(), RoutingWSEvents, EventEnvelope{EventName: "ws_connect"}, nil))

	pub := &recordingPublisher{}
	SetPublisher(pub)
	t.Cleanup(func() { SetPublisher(nil) })

	require.NoError(t, PublishEvent(context.Background(), RoutingWSEvents, EventEnvelope{EventName: "ws_connect"}, BuildHeaders("req-1", "")))
	assert.Equal(t, RoutingWSEvents, pub.routingKey)
	assert.Equal(t, map[string]string{"x-request-id": "req-1"}, pub.headers)
}

func TestIPFromRequestPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", IPFromRequest(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", IPFromRequest(req))
}
