package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/work/catalog"
	"streamgate/work/client"
	"streamgate/work/config"
	"streamgate/work/failover"
	"streamgate/work/manifest"
	"streamgate/work/segment"
	"streamgate/work/sessions"
	"streamgate/work/tokens"
)

type fixture struct {
	router   *mux.Router
	store    *catalog.Store
	registry *sessions.Registry
	tokens   *tokens.Manager
	upstream *httptest.Server
}

func setup(t *testing.T) *fixture {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			fmt.Fprint(w, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:1\n#EXTINF:10.000,\nseg1.ts\n")
		case strings.HasSuffix(r.URL.Path, ".ts"):
			w.Header().Set("Content-Type", "video/mp2t")
			w.Write([]byte("chunk-bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.BaseURL = "http://gate.example.com"
	cfg.UpstreamTimeout = 2 * time.Second
	cfg.SegmentTimeout = 2 * time.Second
	cfg.SegmentRetryDelay = 5 * time.Millisecond

	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.PutProvider(catalog.Provider{ID: "p1", Name: "Provider One"}))
	require.NoError(t, store.PutCredential(catalog.Credential{ID: "c1", ProviderID: "p1", MaxConnections: 2, Active: true}))
	require.NoError(t, store.PutChannel(catalog.Channel{
		ID: "5", Name: "Channel Five", ProviderID: "p1",
		URL: upstream.URL + "/live/chan5.m3u8", Kind: catalog.SourceSegmented, RequiresAuth: true,
	}))
	for _, user := range []string{"alice", "bob", "carol"} {
		require.NoError(t, store.PutEntitlement(user, "5"))
		require.NoError(t, store.PutPackageCredential(user, "c1", 1))
	}
	require.NoError(t, store.Reload())

	clk := clock.New()
	httpClient := client.New(cfg)
	engine := failover.New(cfg, store, httpClient)
	reg := sessions.NewRegistry(store, clk)
	toks := tokens.NewManager(cfg.TokenLifetime, clk)
	mans := manifest.NewCache(cfg, engine, clk)
	segs := segment.New(cfg, httpClient, mans, clk)

	router := mux.NewRouter()
	New(cfg, store, reg, toks, mans, segs).Routes(router)

	return &fixture{router: router, store: store, registry: reg, tokens: toks, upstream: upstream}
}

func (f *fixture) do(method, path, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) acquire(t *testing.T, userID string) string {
	t.Helper()
	rec := f.do(http.MethodPost, "/stream/acquire", userID, `{"channelId":"5"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["sessionToken"])
	return resp["sessionToken"]
}

func TestAcquire(t *testing.T) {
	f := setup(t)

	token := f.acquire(t, "alice")

	// Idempotent per (user, channel).
	rec := f.do(http.MethodPost, "/stream/acquire", "alice", `{"channelId":"5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), token)
}

func TestAcquireWithoutIdentity(t *testing.T) {
	f := setup(t)
	rec := f.do(http.MethodPost, "/stream/acquire", "", `{"channelId":"5"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAcquireNoEntitlement(t *testing.T) {
	f := setup(t)
	rec := f.do(http.MethodPost, "/stream/acquire", "mallory", `{"channelId":"5"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAcquireCapacityExhausted(t *testing.T) {
	f := setup(t)

	f.acquire(t, "alice")
	f.acquire(t, "bob")

	rec := f.do(http.MethodPost, "/stream/acquire", "carol", `{"channelId":"5"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHeartbeat(t *testing.T) {
	f := setup(t)
	token := f.acquire(t, "alice")

	rec := f.do(http.MethodPost, "/stream/heartbeat", "alice", `{"sessionToken":"`+token+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "true")

	rec = f.do(http.MethodPost, "/stream/heartbeat", "alice", `{"sessionToken":"nope"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "false")
}

func TestReleaseAcceptsBeaconBody(t *testing.T) {
	f := setup(t)
	token := f.acquire(t, "alice")

	// Beacon transports send the bare token with no content type.
	rec := f.do(http.MethodPost, "/stream/release", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "true")

	// Idempotent.
	rec = f.do(http.MethodPost, "/stream/release", "", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "true")

	// Slot is actually free again.
	f.acquire(t, "bob")
	f.acquire(t, "carol")
}

func TestTokenEndpoint(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodPost, "/stream/token", "alice", `{"channelId":"5","deviceType":"casting"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Token        string `json:"token"`
		SessionToken string `json:"sessionToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.NotEmpty(t, resp.SessionToken)
	// Truncation of the remaining lifetime may shave a second off between
	// issue and read.
	assert.InDelta(t, 3600, resp.ExpiresIn, 1)
}

func TestReleaseRevokesPlaybackTokens(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodPost, "/stream/token", "alice", `{"channelId":"5"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	playback := resp["token"].(string)
	session := resp["sessionToken"].(string)

	rec = f.do(http.MethodGet, "/stream/5.m3u8?token="+playback, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	f.do(http.MethodPost, "/stream/release", "", session)

	rec = f.do(http.MethodGet, "/stream/5.m3u8?token="+playback, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestManifestWithQueryToken(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodPost, "/stream/token", "alice", `{"channelId":"5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	playback := resp["token"].(string)

	rec = f.do(http.MethodGet, "/stream/5.m3u8?token="+playback, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "http://gate.example.com/segment/5/seg1.ts?token="+playback)
}

func TestManifestWithSessionHeader(t *testing.T) {
	f := setup(t)
	session := f.acquire(t, "alice")

	req := httptest.NewRequest(http.MethodGet, "/stream/5.m3u8", nil)
	req.Header.Set("X-Session-Token", session)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "/segment/5/seg1.ts?token=")
}

func TestManifestUnauthenticated(t *testing.T) {
	f := setup(t)
	rec := f.do(http.MethodGet, "/stream/5.m3u8", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestManifestUnknownChannel(t *testing.T) {
	f := setup(t)
	rec := f.do(http.MethodGet, "/stream/999.m3u8?token=whatever", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSegmentRoundTrip(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodPost, "/stream/token", "alice", `{"channelId":"5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	playback := resp["token"].(string)

	// Manifest first: it records the chunk origin.
	rec = f.do(http.MethodGet, "/stream/5.m3u8?token="+playback, "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/segment/5/seg1.ts?token="+playback, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "chunk-bytes", rec.Body.String())
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
}

func TestSegmentInvalidToken(t *testing.T) {
	f := setup(t)
	rec := f.do(http.MethodGet, "/segment/5/seg1.ts?token=bogus", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSegmentExpiredOrigin(t *testing.T) {
	f := setup(t)

	rec := f.do(http.MethodPost, "/stream/token", "alice", `{"channelId":"5"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	playback := resp["token"].(string)

	// No manifest fetched, so no origin recorded for the channel.
	rec = f.do(http.MethodGet, "/segment/5/seg1.ts?token="+playback, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "reload")
}
