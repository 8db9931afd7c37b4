package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/credit_backend/appctx"
	"github.com/mmdatafocus/credit_backend/utils"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var secret = []byte("test-secret")

// echo answers with the actor and correlation id the middlewares left behind.
func echo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"actor":          appctx.Actor(c.Request.Context()),
		"correlation_id": appctx.CorrelationID(c.Request.Context()),
	})
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestOperatorAuth(t *testing.T) {
	r := gin.New()
	r.Use(AuthMiddleware(secret), SessionMiddleware(nil))
	r.GET("/open", echo)
	r.GET("/ops", RequireOperator(), echo)

	token, err := utils.JwtGenerate(secret, 7, "ana", "admin", time.Hour)
	require.NoError(t, err)
	expired, err := utils.JwtGenerate(secret, 7, "ana", "admin", -time.Hour)
	require.NoError(t, err)
	forged, err := utils.JwtGenerate([]byte("other"), 7, "ana", "admin", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		path   string
		header map[string]string
		code   int
		actor  string
	}{
		{"anonymous open route", "/open", nil, http.StatusOK, appctx.SystemActor},
		{"anonymous ops route", "/ops", nil, http.StatusUnauthorized, ""},
		{"valid token", "/ops", map[string]string{"Authorization": "Bearer " + token}, http.StatusOK, "ana"},
		{"expired token", "/ops", map[string]string{"Authorization": "Bearer " + expired}, http.StatusUnauthorized, ""},
		{"wrong signature", "/ops", map[string]string{"Authorization": "Bearer " + forged}, http.StatusUnauthorized, ""},
		{"not bearer", "/ops", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized, ""},
		{"session without store", "/ops", map[string]string{"token": "abc"}, http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			w := serve(r, req)
			require.Equal(t, tc.code, w.Code)
			if tc.actor != "" {
				require.Contains(t, w.Body.String(), `"actor":"`+tc.actor+`"`)
			}
		})
	}
}

func TestWebhookAPIKey(t *testing.T) {
	hash, err := utils.HashSecret("partner-key")
	require.NoError(t, err)

	r := gin.New()
	r.POST("/hook", WebhookAPIKey(string(hash), "whitepay"), echo)
	r.POST("/closed", WebhookAPIKey("", "whitepay"), echo)

	req := httptest.NewRequest(http.MethodPost, "/hook", nil)
	req.Header.Set(APIKeyHeader, "partner-key")
	w := serve(r, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"actor":"whitepay"`)

	req = httptest.NewRequest(http.MethodPost, "/hook", nil)
	req.Header.Set(APIKeyHeader, "guess")
	require.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	require.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodPost, "/hook", nil)).Code)

	req = httptest.NewRequest(http.MethodPost, "/closed", nil)
	req.Header.Set(APIKeyHeader, "partner-key")
	require.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
}

func TestCorrelation(t *testing.T) {
	r := gin.New()
	r.Use(Correlation())
	r.GET("/", echo)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CorrelationHeader, "cid-1")
	w := serve(r, req)
	require.Equal(t, "cid-1", w.Header().Get(CorrelationHeader))
	require.Contains(t, w.Body.String(), `"correlation_id":"cid-1"`)

	w = serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, w.Header().Get(CorrelationHeader))
}

func TestReadiness(t *testing.T) {
	ready := false
	r := gin.New()
	r.Use(Readiness(func() bool { return ready }))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/", echo)

	require.Equal(t, http.StatusNoContent, serve(r, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	require.Equal(t, http.StatusServiceUnavailable, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
	ready = true
	require.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}

func TestRateLimiterDisabledWithoutRedis(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	require.Nil(t, RateLimiterFromEnv(nil))
}

func TestRateLimiterWaitsForSharedClient(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "1")
	var shared *redis.Client
	rl := RateLimiterFromEnv(func() *redis.Client { return shared })
	require.NotNil(t, rl)

	r := gin.New()
	r.POST("/hook", rl.Middleware, echo)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, serve(r, httptest.NewRequest(http.MethodPost, "/hook", nil)).Code)
	}
}
