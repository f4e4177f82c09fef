package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/studyhub/groupchat/pkg/logger"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func identityHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(id.UserID + "|" + id.Name))
	})
}

func TestAuth(t *testing.T) {
	valid := sign(t, jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name: "Ann Lee",
	})
	expired := sign(t, jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	noSubject := sign(t, jwt.SigningMethodHS256, Claims{Name: "Nobody"})

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{name: "valid", header: "Bearer " + valid, status: http.StatusOK, body: "u-1|Ann Lee"},
		{name: "query token", query: "?access_token=" + valid, status: http.StatusOK, body: "u-1|Ann Lee"},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + valid, status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, status: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + noSubject, status: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not-a-jwt", status: http.StatusUnauthorized},
	}

	h := Auth(secret)(identityHandler())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestAuth_RejectsOtherSigningMethods(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1"},
	})
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+s)
	rec := httptest.NewRecorder()
	Auth(secret)(identityHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogging_SetsCorrelationID(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Logging(logger.NewNop()))
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetCorrelationID(r.Context())))
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "corr-1", rec.Body.String())
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
	assert.Equal(t, rec.Header().Get("X-Correlation-ID"), rec.Body.String())
}

func TestLogging_FallsBackToRequestID(t *testing.T) {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(Logging(logger.NewNop()))
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chimiddleware.GetReqID(r.Context())))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, rec.Body.String(), rec.Header().Get("X-Correlation-ID"))
}

func TestLogging_LevelFollowsStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := chi.NewRouter()
	r.Use(Logging(logger.FromZap(zap.New(core))))
	r.Get("/ok", func(w http.ResponseWriter, r *http.Request) {})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for _, path := range []string{"/ok", "/missing", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.EqualValues(t, http.StatusNotFound, entries[1].ContextMap()["status"])
}

func TestLogging_PassesFlush(t *testing.T) {
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithIdentity(req.Context(), Identity{UserID: user}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("u-1"))
	assert.Equal(t, http.StatusOK, do("u-1"))
	assert.Equal(t, http.StatusTooManyRequests, do("u-1"))
	assert.Equal(t, http.StatusOK, do("u-2"), "limits are per user")
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestValidateDraft(t *testing.T) {
	assert.NoError(t, ValidateDraft("", 0))
	assert.NoError(t, ValidateDraft("héllo", 5))
	assert.Error(t, ValidateDraft("hi", 3))
	assert.Error(t, ValidateDraft("hi", -1))
	assert.Error(t, ValidateDraft(strings.Repeat("a", MaxDraftRunes+1), 0))
	assert.Error(t, ValidateDraft("\xff", 0))
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("bio-101"))
	assert.Error(t, ValidateID(""))
	assert.Error(t, ValidateID("chat.>"))
	assert.Error(t, ValidateID(strings.Repeat("x", 129)))
}
