package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/spoke-iam/pkg/contextkeys"
)

func TestRequestIDMiddleware(t *testing.T) {
	var gotID, gotIP string
	handler := RequestIDMiddleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = contextkeys.GetRequestID(r.Context())
		gotIP = contextkeys.GetClientIP(r.Context())
	}))

	t.Run("generates an id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		_, err := uuid.Parse(gotID)
		assert.NoError(t, err)
		assert.Equal(t, gotID, w.Header().Get("X-Request-ID"))
		assert.Equal(t, "192.0.2.1", gotIP)
	})

	t.Run("keeps a valid incoming id", func(t *testing.T) {
		id := uuid.NewString()
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", id)

		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.Equal(t, id, gotID)
	})

	t.Run("replaces a non-uuid id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", "<script>")

		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.NotEqual(t, "<script>", gotID)
	})
}

func TestLoggingMiddleware(t *testing.T) {
	logger, hook := test.NewNullLogger()
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/auth/sessions?token=secret", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, http.StatusTeapot, entry.Data["status"])
	assert.Equal(t, "/auth/sessions", entry.Data["path"])
	for _, v := range entry.Data {
		if s, ok := v.(string); ok {
			assert.False(t, strings.Contains(s, "secret"))
		}
	}
}

func TestMaxBytesMiddleware(t *testing.T) {
	handler := MaxBytesMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var dest map[string]string
		ParseJSONOrError(w, r, &dest)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"far too long"}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(mw("a"), mw("b"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, []string{"a", "b", "handler"}, order)
}
