// Package requestctx attaches a request_id to every inbound HTTP/WS request,
// shapes error responses into the common JSON schema, and deduplicates the
// CORS expose-headers list.
package requestctx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-ID"
	ctxKeyRequestID = "request_id"
)

// Kind classifies an error for HTTP status mapping.
type Kind string

const (
	KindBadRequest       Kind = "BadRequest"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindUnsupportedMedia Kind = "UnsupportedMedia"
	KindPayloadTooLarge  Kind = "PayloadTooLarge"
	KindGPURequired      Kind = "GPURequired"
	KindProcessorFailure Kind = "ProcessorFailure"
	KindStorageError     Kind = "StorageError"
	KindInternal         Kind = "InternalError"
)

var statusByKind = map[Kind]int{
	KindBadRequest:       http.StatusBadRequest,
	KindNotFound:         http.StatusNotFound,
	KindConflict:         http.StatusConflict,
	KindUnsupportedMedia: http.StatusUnsupportedMediaType,
	KindPayloadTooLarge:  http.StatusRequestEntityTooLarge,
	KindGPURequired:      http.StatusServiceUnavailable,
	KindProcessorFailure: http.StatusInternalServerError,
	KindStorageError:     http.StatusInternalServerError,
	KindInternal:         http.StatusInternalServerError,
}

// APIError is the single error type every internal component returns at its
// boundary with the HTTP facade; it carries everything needed to shape the
// JSON error body.
type APIError struct {
	Kind    Kind
	Message string
	Path    string // set for 404s that name the missing resource path
	Cause   error
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error { return e.Cause }

// HTTPStatus returns the HTTP status code for this error's Kind.
func (e *APIError) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an APIError of the given kind.
func New(kind Kind, message string) *APIError {
	return &APIError{Kind: kind, Message: message}
}

// Wrap builds an APIError of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, message string, cause error) *APIError {
	return &APIError{Kind: kind, Message: message, Cause: cause}
}

// Middleware assigns (or echoes) a request_id, stores it in the gin context,
// sets the response header, and deduplicates Access-Control-Expose-Headers.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(headerRequestID)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Set(ctxKeyRequestID, reqID)
		c.Header(headerRequestID, reqID)

		exposeHeaders(c, headerRequestID)

		c.Next()
	}
}

// exposeHeaders adds names to Access-Control-Expose-Headers, deduplicating
// against whatever is already present.
func exposeHeaders(c *gin.Context, names ...string) {
	const header = "Access-Control-Expose-Headers"

	seen := make(map[string]struct{})
	var ordered []string
	for _, existing := range c.Writer.Header().Values(header) {
		for _, tok := range strings.Split(existing, ",") {
			tok = strings.TrimSpace(tok)
			if _, dup := seen[tok]; !dup && tok != "" {
				seen[tok] = struct{}{}
				ordered = append(ordered, tok)
			}
		}
	}
	for _, name := range names {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			ordered = append(ordered, name)
		}
	}

	c.Writer.Header().Del(header)
	if len(ordered) > 0 {
		c.Writer.Header().Set(header, strings.Join(ordered, ", "))
	}
}

// RequestID returns the request_id stashed in the gin context by Middleware.
func RequestID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// errorBody is the wire JSON schema for every error response.
type errorBody struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id"`
	Path      string `json:"path,omitempty"`
	Exception string `json:"exception,omitempty"`
}

// RespondError writes the APIError as the common JSON error schema.
// debug controls whether the exception detail is included.
func RespondError(c *gin.Context, err *APIError, debug bool) {
	body := errorBody{
		Error:     err.Message,
		Code:      err.HTTPStatus(),
		RequestID: RequestID(c),
		Path:      err.Path,
	}
	if debug && err.Cause != nil {
		body.Exception = err.Cause.Error()
	}
	c.AbortWithStatusJSON(err.HTTPStatus(), body)
}

// HandleError is the single adapter between internal error values and the
// HTTP facade: every handler funnels its error return through this instead
// of reimplementing status mapping.
// Errors that are not already an *APIError are treated as InternalError.
func HandleError(c *gin.Context, err error, debug bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		apiErr = Wrap(KindInternal, "internal error", err)
	}
	RespondError(c, apiErr, debug)
}

// AbsoluteURL derives an absolute URL for path using the inbound request's
// host and scheme so every url field returned to a client is absolute.
func AbsoluteURL(c *gin.Context, path string) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := c.Request.Host
	if fwd := c.GetHeader("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	if len(path) == 0 || path[0] != '/' {
		path = "/" + path
	}
	return scheme + "://" + host + path
}
