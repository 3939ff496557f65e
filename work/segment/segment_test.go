package segment

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/work/client"
	"streamgate/work/config"
	"streamgate/work/errs"
)

type stubManifests struct {
	mu          sync.Mutex
	origins     map[string]string
	invalidated []string
}

func (s *stubManifests) Origin(channelID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	origin, ok := s.origins[channelID]
	return origin, ok
}

func (s *stubManifests) Invalidate(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.origins, channelID)
	s.invalidated = append(s.invalidated, channelID)
}

func (s *stubManifests) setOrigin(channelID, origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.origins == nil {
		s.origins = make(map[string]string)
	}
	s.origins[channelID] = origin
}

func testProxy(mans ManifestSource) *Proxy {
	cfg := config.Default()
	cfg.SegmentTimeout = 2 * time.Second
	cfg.SegmentRetryDelay = 5 * time.Millisecond
	return New(cfg, client.New(cfg), mans, clock.New())
}

func TestServeResolvesAgainstOrigin(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write([]byte("segment-bytes"))
	}))
	defer srv.Close()

	mans := &stubManifests{}
	mans.setOrigin("5", srv.URL+"/live/chan5.m3u8")
	p := testProxy(mans)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/segment/5/seg100.ts", nil)

	err := p.Serve(rec, req, "5", "seg100.ts", "")
	require.NoError(t, err)
	assert.Equal(t, "/live/seg100.ts", gotPath.Load())
	assert.Equal(t, "segment-bytes", rec.Body.String())
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestServeOverrideURLWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("absolute-bytes"))
	}))
	defer srv.Close()

	// No origin recorded at all; the override must carry the request.
	p := testProxy(&stubManifests{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	err := p.Serve(rec, req, "5", "seg.ts", srv.URL+"/abs/seg.ts")
	require.NoError(t, err)
	assert.Equal(t, "absolute-bytes", rec.Body.String())
}

func TestServeStreamExpiredWithoutOrigin(t *testing.T) {
	p := testProxy(&stubManifests{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	err := p.Serve(rec, req, "5", "seg.ts", "")
	assert.ErrorIs(t, err, errs.ErrStreamExpired)
}

func TestServeDefaultsContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	mans := &stubManifests{}
	mans.setOrigin("5", srv.URL+"/c.m3u8")
	p := testProxy(mans)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	require.NoError(t, p.Serve(rec, req, "5", "seg.ts", ""))
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
}

func TestServeRetriesTransientFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("eventually"))
	}))
	defer srv.Close()

	mans := &stubManifests{}
	mans.setOrigin("5", srv.URL+"/c.m3u8")
	p := testProxy(mans)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	err := p.Serve(rec, req, "5", "seg.ts", "")
	require.NoError(t, err)
	assert.Equal(t, "eventually", rec.Body.String())
	assert.Equal(t, int32(3), hits.Load())
	assert.Empty(t, mans.invalidated)
}

func TestServeRebuildsTargetFromFreshOrigin(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from-new-origin"))
	}))
	defer good.Close()

	mans := &stubManifests{}

	// The first origin rate-limits; between attempts the manifest cache
	// switches to a new origin, and the retry must pick it up.
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mans.setOrigin("5", good.URL+"/live/c.m3u8")
		w.WriteHeader(509)
	}))
	defer bad.Close()

	mans.setOrigin("5", bad.URL+"/live/c.m3u8")
	p := testProxy(mans)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	err := p.Serve(rec, req, "5", "seg.ts", "")
	require.NoError(t, err)
	assert.Equal(t, "from-new-origin", rec.Body.String())
}

func TestServeExhaustedRetriesInvalidateManifest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	mans := &stubManifests{}
	mans.setOrigin("5", srv.URL+"/c.m3u8")
	p := testProxy(mans)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	err := p.Serve(rec, req, "5", "seg.ts", "")
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
	assert.Equal(t, int32(1+p.config.SegmentRetries), hits.Load())
	assert.Equal(t, []string{"5"}, mans.invalidated)
}

func TestServeDoesNotRetryMissingChunk(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	mans := &stubManifests{}
	mans.setOrigin("5", srv.URL+"/c.m3u8")
	p := testProxy(mans)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	err := p.Serve(rec, req, "5", "seg.ts", "")
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
	assert.Equal(t, int32(1), hits.Load())
}

func TestServeFollowsHTMLRedirectOnce(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("redirected-bytes"))
	}))
	defer final.Close()

	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><meta http-equiv="refresh" content="0;url=%s/real.ts"></html>`, final.URL)
	}))
	defer page.Close()

	mans := &stubManifests{}
	mans.setOrigin("5", page.URL+"/c.m3u8")
	p := testProxy(mans)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	err := p.Serve(rec, req, "5", "seg.ts", "")
	require.NoError(t, err)
	assert.Equal(t, "redirected-bytes", rec.Body.String())
}

func TestServeHTMLWithoutTargetFails(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>blocked</body></html>`))
	}))
	defer page.Close()

	mans := &stubManifests{}
	mans.setOrigin("5", page.URL+"/c.m3u8")
	p := testProxy(mans)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	err := p.Serve(rec, req, "5", "seg.ts", "")
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
	assert.Equal(t, []string{"5"}, mans.invalidated)
}

func TestServeFollowsHTTPRedirect(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("moved-bytes"))
	}))
	defer final.Close()

	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL+"/real.ts", http.StatusMovedPermanently)
	}))
	defer redirecting.Close()

	mans := &stubManifests{}
	mans.setOrigin("5", redirecting.URL+"/c.m3u8")
	p := testProxy(mans)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	require.NoError(t, p.Serve(rec, req, "5", "seg.ts", ""))
	assert.Equal(t, "moved-bytes", rec.Body.String())
}

func TestServeTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening

	mans := &stubManifests{}
	mans.setOrigin("5", srv.URL+"/c.m3u8")
	p := testProxy(mans)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	err := p.Serve(rec, req, "5", "seg.ts", "")
	assert.ErrorIs(t, err, errs.ErrUpstreamUnavailable)
}
