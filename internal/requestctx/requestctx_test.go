package requestctx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	return r
}

func TestMiddlewareGeneratesRequestID(t *testing.T) {
	r := newTestRouter()
	r.GET("/x", func(c *gin.Context) {
		assert.NotEmpty(t, RequestID(c))
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestMiddlewareEchoesClientRequestID(t *testing.T) {
	r := newTestRouter()
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("x-request-id", "client-id") // header lookup is case-insensitive
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "client-id", w.Header().Get("X-Request-ID"))
}

func TestExposeHeadersDeduplicated(t *testing.T) {
	r := newTestRouter()
	r.GET("/x", func(c *gin.Context) {
		// A second middleware layer adding the same token must not produce a
		// duplicate in the final comma-separated list.
		exposeHeaders(c, "X-Request-ID", "X-Other")
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	tokens := strings.Split(w.Header().Get("Access-Control-Expose-Headers"), ",")
	seen := map[string]bool{}
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		assert.False(t, seen[tok], "duplicate expose-header token %q", tok)
		seen[tok] = true
	}
	assert.True(t, seen["X-Request-ID"])
	assert.True(t, seen["X-Other"])
}

func TestRespondErrorShapesBody(t *testing.T) {
	r := newTestRouter()
	r.GET("/x", func(c *gin.Context) {
		apiErr := New(KindNotFound, "missing thing")
		apiErr.Path = "/x"
		RespondError(c, apiErr, false)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "missing thing", body["error"])
	assert.Equal(t, float64(http.StatusNotFound), body["code"])
	assert.Equal(t, "rid-1", body["request_id"])
	assert.Equal(t, "/x", body["path"])
	assert.NotContains(t, body, "exception")
}

func TestRespondErrorIncludesExceptionInDebug(t *testing.T) {
	r := newTestRouter()
	r.GET("/x", func(c *gin.Context) {
		RespondError(c, Wrap(KindStorageError, "write failed", errors.New("disk full")), true)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "disk full", body["exception"])
}

func TestHandleErrorWrapsUnknownErrors(t *testing.T) {
	r := newTestRouter()
	r.GET("/x", func(c *gin.Context) {
		HandleError(c, errors.New("surprise"), false)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHTTPStatusByKind(t *testing.T) {
	assert.Equal(t, http.StatusConflict, New(KindConflict, "").HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, New(KindGPURequired, "").HTTPStatus())
	assert.Equal(t, http.StatusUnsupportedMediaType, New(KindUnsupportedMedia, "").HTTPStatus())
	assert.Equal(t, http.StatusRequestEntityTooLarge, New(KindPayloadTooLarge, "").HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, New(Kind("bogus"), "").HTTPStatus())
}

func TestAbsoluteURL(t *testing.T) {
	r := newTestRouter()
	var got string
	r.GET("/x", func(c *gin.Context) {
		got = AbsoluteURL(c, "/download/abc")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.test/x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "http://example.test/download/abc", got)
}

func TestAbsoluteURLHonorsForwardedHeaders(t *testing.T) {
	r := newTestRouter()
	var got string
	r.GET("/x", func(c *gin.Context) {
		got = AbsoluteURL(c, "download/abc")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "http://internal:8080/x", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "public.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://public.example/download/abc", got)
}
