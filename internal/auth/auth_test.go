package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoUID(w http.ResponseWriter, r *http.Request) {
	uid, _ := UID(r.Context())
	_, _ = w.Write([]byte(uid))
}

func TestSignAndParse(t *testing.T) {
	a := New("s3cret", false)

	token, err := a.Sign("alice")
	require.NoError(t, err)

	uid, ok := a.Parse(token)
	require.True(t, ok)
	require.Equal(t, "alice", uid)

	_, ok = New("other", false).Parse(token)
	require.False(t, ok)

	_, ok = a.Parse("garbage")
	require.False(t, ok)
}

func TestSignWithoutSecret(t *testing.T) {
	_, err := New("", true).Sign("alice")
	require.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	a := New("s3cret", false)
	token, err := a.Sign("bob")
	require.NoError(t, err)
	h := a.Middleware(echoUID)

	t.Run("bearer header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		h(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "bob", rec.Body.String())
	})

	t.Run("query token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil))
		require.Equal(t, "bob", rec.Body.String())
	})

	t.Run("bad token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Header.Set("Authorization", "Bearer nope")
		h(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
		require.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestMiddlewareAnonymous(t *testing.T) {
	h := New("", true).Middleware(echoUID)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.HasPrefix(rec.Body.String(), "anon-"))

	// a presented token must still be valid
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/ws?token=bad", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
}
