package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func hash(t *testing.T, raw string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

const (
	adminKey  = "admin-key-0123456789"
	viewerKey = "viewer-key-0123456789"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	keys, err := ParseAPIKeys("ops:admin:" + hash(t, adminKey) + ", dash:viewer:" + hash(t, viewerKey))
	require.NoError(t, err)
	require.Len(t, keys, 2)
	svc, err := NewService(keys)
	require.NoError(t, err)
	return svc
}

func TestParseAPIKeysRejectsBadEntries(t *testing.T) {
	good := hash(t, adminKey)
	for name, raw := range map[string]string{
		"missing hash": "ops:admin",
		"unknown role": "ops:root:" + good,
		"bad hash":     "ops:admin:not-a-bcrypt-hash",
		"duplicate":    "ops:admin:" + good + ",ops:viewer:" + good,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAPIKeys(raw)
			require.Error(t, err)
		})
	}

	keys, err := ParseAPIKeys("  ")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestHashKey(t *testing.T) {
	_, err := HashKey("short")
	require.Error(t, err)

	h, err := HashKey(adminKey)
	require.NoError(t, err)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte(adminKey)))
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t)

	k, err := svc.Authenticate(viewerKey)
	require.NoError(t, err)
	assert.Equal(t, "dash", k.Name)

	// Second lookup is served from the cache.
	k, err = svc.Authenticate(viewerKey)
	require.NoError(t, err)
	assert.Equal(t, "viewer", k.Role)

	_, err = svc.Authenticate("wrong-key-0123456789")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticateCachesRejectedKeys(t *testing.T) {
	svc := newTestService(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	const rotated = "rotated-key-0123456789"
	_, err := svc.Authenticate(rotated)
	require.ErrorIs(t, err, ErrInvalidKey)
	assert.Equal(t, 1, svc.rejected.Len())

	// The key becomes valid, but the cached rejection holds until it expires.
	svc.keys[1].Hash = hash(t, rotated)
	_, err = svc.Authenticate(rotated)
	require.ErrorIs(t, err, ErrInvalidKey)

	now = now.Add(rejectedTTL + time.Second)
	k, err := svc.Authenticate(rotated)
	require.NoError(t, err)
	assert.Equal(t, "dash", k.Name)
	assert.Equal(t, 0, svc.rejected.Len())
}

func TestAuthenticateRejectsShortKeys(t *testing.T) {
	svc := newTestService(t)

	for _, raw := range []string{"", "short", "fifteen-chars-x"} {
		_, err := svc.Authenticate(raw)
		require.ErrorIs(t, err, ErrInvalidKey, raw)
	}
	// Short keys never reach bcrypt, so nothing is cached for them.
	assert.Equal(t, 0, svc.rejected.Len())
}

func TestEnforceRoles(t *testing.T) {
	svc := newTestService(t)

	ok, err := svc.Enforce("ops", ObjCountries, ActWrite)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Enforce("dash", ObjCountries, ActRead)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Enforce("dash", ObjCountries, ActWrite)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	h := svc.Middleware(svc.RequirePermission(ObjCountries, ActWrite)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"anonymous", "", http.StatusUnauthorized},
		{"malformed header", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer nope-nope-nope-nope", http.StatusUnauthorized},
		{"viewer", "Bearer " + viewerKey, http.StatusForbidden},
		{"admin", "Bearer " + adminKey, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/countries/refresh", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestDisabledAuthAllowsEverything(t *testing.T) {
	svc, err := NewService(nil)
	require.NoError(t, err)
	assert.False(t, svc.Enabled())

	h := svc.Middleware(svc.RequirePermission(ObjCountries, ActWrite)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/countries/Ghana", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
