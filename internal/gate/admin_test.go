package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/raaihank/promptshield/internal/cache"
	"github.com/raaihank/promptshield/internal/config"
	"github.com/raaihank/promptshield/internal/logger"
	"github.com/raaihank/promptshield/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCacheStats struct {
	stats *cache.CacheStats
	err   error
}

func (f fakeCacheStats) GetStats(context.Context) (*cache.CacheStats, error) {
	return f.stats, f.err
}

func newSQLiteStore(t *testing.T) *store.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rules.db")
	st, err := store.NewStore(&store.Config{
		Driver:       "sqlite",
		DatabaseURL:  "file:" + path + "?_pragma=busy_timeout(5000)",
		MaxOpenConns: 1,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newAdminServer(t *testing.T, st *store.Store, ca SnapshotCache, opts ...ServerOption) *Server {
	t.Helper()

	cfg := config.GetDefaults()
	cfg.RateLimit.Enabled = false
	g := newTestGate(st, ca, nil, 4, testOptions())
	return NewServer(cfg, g, nil, logger.NewNop(), "test", append([]ServerOption{WithAdminStore(st)}, opts...)...)
}

func TestAdminRulesLifecycle(t *testing.T) {
	st := newSQLiteStore(t)
	ca := &fakeCache{snapshots: map[string]*cache.Snapshot{}}
	s := newAdminServer(t, st, ca)

	rec := do(t, s, http.MethodPost, "/v1/scan", `{"content":"launch falcon on monday"}`, acme)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"action":"allow"`)
	require.Contains(t, ca.snapshots, "acme")

	rec = do(t, s, http.MethodPut, "/v1/rules/codename",
		`{"pattern":"falcon","pattern_type":"exact","category":"internal","severity":"block"}`, acme)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, ca.snapshots, "acme")

	rec = do(t, s, http.MethodPost, "/v1/scan", `{"content":"launch falcon on monday"}`, acme)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"action":"block"`)

	rec = do(t, s, http.MethodGet, "/v1/rules", "", acme)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Rules []store.RuleRecord `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Rules, 1)
	assert.Equal(t, "codename", listed.Rules[0].ID)
	assert.Equal(t, "codename", listed.Rules[0].Name)
	assert.True(t, listed.Rules[0].IsActive)

	rec = do(t, s, http.MethodGet, "/v1/rules", "", map[string]string{headerOrganizationID: "globex"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"rules":[]}`, rec.Body.String())

	rec = do(t, s, http.MethodDelete, "/v1/rules/codename", "", acme)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodDelete, "/v1/rules/codename", "", acme)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/scan", `{"content":"launch falcon on monday"}`, acme)
	assert.Contains(t, rec.Body.String(), `"action":"allow"`)
}

func TestAdminRejectsInvalidRules(t *testing.T) {
	s := newAdminServer(t, newSQLiteStore(t), nil)

	for name, body := range map[string]string{
		"BadRegex":    `{"pattern":"([","severity":"block"}`,
		"BadType":     `{"pattern":"x","pattern_type":"fuzzy","severity":"block"}`,
		"BadSeverity": `{"pattern":"x","severity":"panic"}`,
		"NoPattern":   `{"severity":"warn"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, s, http.MethodPut, "/v1/rules/r1", body, acme)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, s, http.MethodGet, "/v1/rules", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminSettings(t *testing.T) {
	st := newSQLiteStore(t)
	s := newAdminServer(t, st, nil)

	rec := do(t, s, http.MethodGet, "/v1/settings", "", acme)
	require.Equal(t, http.StatusOK, rec.Code)
	var settings store.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.Equal(t, "acme", settings.OrganizationID)
	assert.False(t, settings.EntropyEnabled)

	rec = do(t, s, http.MethodPut, "/v1/settings", `{"entropy_enabled":true,"entropy_threshold":4.0,"entropy_min_length":20}`, acme)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := st.Settings(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, stored.EntropyEnabled)
	assert.Equal(t, 20, stored.EntropyMinLength)

	rec = do(t, s, http.MethodPost, "/v1/scan", `{"content":"token Zx9Qw2Er7Ty4Ui1Op6As3Df8"}`, acme)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"entropy_violations"`)

	rec = do(t, s, http.MethodPut, "/v1/settings", `{"entropy_enabled":true,"entropy_min_length":4}`, acme)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodPut, "/v1/settings", `{"entropy_threshold":-1}`, acme)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAuditAndStats(t *testing.T) {
	st := newSQLiteStore(t)
	s := newAdminServer(t, st, nil)

	rec := do(t, s, http.MethodPut, "/v1/rules/aws",
		`{"pattern":"\\b(AKIA|ASIA)[0-9A-Z]{16}\\b","category":"api_keys","severity":"block"}`, acme)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	do(t, s, http.MethodPost, "/v1/scan", `{"content":"key `+awsKey+`"}`, acme)
	do(t, s, http.MethodPost, "/v1/scan", `{"content":"hello"}`, acme)

	rec = do(t, s, http.MethodGet, "/v1/audit?limit=1", "", acme)
	require.Equal(t, http.StatusOK, rec.Code)
	var audit struct {
		Records []store.AuditRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	assert.Len(t, audit.Records, 1)

	rec = do(t, s, http.MethodGet, "/v1/audit", "", acme)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), awsKey)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &audit))
	assert.Len(t, audit.Records, 2)

	rec = do(t, s, http.MethodGet, "/v1/audit?limit=zero", "", acme)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/stats", "", acme)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats store.AuditStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Blocked)
	assert.Equal(t, int64(1), stats.Allowed)
}

func TestAdminRoutesRequireAdminStore(t *testing.T) {
	s := newTestServer(t, newFakeStore(), nil)

	rec := do(t, s, http.MethodGet, "/v1/rules", "", acme)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListClassifications(t *testing.T) {
	s := newTestServer(t, newFakeStore(), nil)

	rec := do(t, s, http.MethodGet, "/v1/classifications", "", acme)
	require.Equal(t, http.StatusOK, rec.Code)

	var body categoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Categories)
	assert.Equal(t, "api_keys", body.Categories[0].Category)
	for i := 1; i < len(body.Categories); i++ {
		assert.Less(t, body.Categories[i-1].Category, body.Categories[i].Category)
	}
}

func TestInfoIncludesCacheStats(t *testing.T) {
	st := newSQLiteStore(t)

	s := newAdminServer(t, st, nil, WithCacheStats(fakeCacheStats{stats: &cache.CacheStats{Hits: 3, Misses: 1}}))
	rec := do(t, s, http.MethodGet, "/info", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cache":{"hits":3,"misses":1`)

	s = newAdminServer(t, st, nil, WithCacheStats(fakeCacheStats{
		stats: &cache.CacheStats{Hits: 5},
		err:   errors.New("redis info unavailable"),
	}))
	rec = do(t, s, http.MethodGet, "/info", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hits":5`)

	rec = do(t, newTestServer(t, newFakeStore(), nil), http.MethodGet, "/info", "", nil)
	assert.NotContains(t, rec.Body.String(), `"cache"`)
}
