package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/mocks"
	"marketplace-chat/internal/telemetry"
)

type fixedStats struct{}

func (fixedStats) Stats() gin.H { return gin.H{"connections": 3} }

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterDebugRoutes(router, nil, nil, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugAuditTestPublishes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	publisher := new(mocks.PublisherMock)
	emitter := telemetry.NewAuditEmitter(publisher, "audit.events", "chat-service", "test", nil)
	router := gin.New()
	RegisterDebugRoutes(router, emitter, fixedStats{}, true)

	publisher.On("Publish", mock.Anything, "audit.events",
		mock.MatchedBy(func(event telemetry.AuditEnvelope) bool {
			return event.RequestID == "req-7" && event.Payload.Action == telemetry.ActionAuditTest &&
				event.UserID != nil && *event.UserID == 42
		}),
		mock.Anything).Return(nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil)
	req.Header.Set("X-Request-ID", "req-7")
	req.Header.Set("X-User-ID", "42")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	publisher.AssertExpectations(t)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/ws", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connections":3}`, rec.Body.String())
}
