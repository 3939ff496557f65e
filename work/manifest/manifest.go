package manifest

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grafov/m3u8"
	"github.com/puzpuzpuz/xsync/v3"

	"streamgate/work/catalog"
	"streamgate/work/config"
	"streamgate/work/errs"
	"streamgate/work/failover"
	"streamgate/work/logger"
	"streamgate/work/metrics"
)

// tokenPlaceholder stands in for the playback token in cached manifests, so
// one cached rewrite serves every viewer. The real token is substituted per
// response.
const tokenPlaceholder = "__STREAMGATE_TOKEN__"

// Fetcher retrieves upstream channel content. Implemented by the failover
// engine.
type Fetcher interface {
	Fetch(ctx context.Context, ch *catalog.Channel) (*failover.Result, error)
	FetchURL(ctx context.Context, providerID, rawURL string) ([]byte, string, error)
}

type entry struct {
	mu         sync.Mutex
	body       string // token-free rewritten manifest
	origin     string // final manifest URL chunk paths resolve against
	fetchedAt  time.Time
	viewers    map[string]struct{}
	lastAccess atomic.Int64
}

func (e *entry) touch(t time.Time) {
	e.lastAccess.Store(t.UnixNano())
}

// Cache is the shared per-channel manifest cache. One upstream fetch serves
// every viewer of a channel inside the freshness window; interactive viewers
// get a tighter window than casting targets, which buffer further ahead.
type Cache struct {
	config  *config.Config
	fetcher Fetcher
	clock   clock.Clock
	entries *xsync.MapOf[string, *entry]
}

// NewCache creates a manifest cache over the given upstream fetcher.
func NewCache(cfg *config.Config, fetcher Fetcher, clk clock.Clock) *Cache {
	return &Cache{
		config:  cfg,
		fetcher: fetcher,
		clock:   clk,
		entries: xsync.NewMapOf[string, *entry](),
	}
}

// freshness returns how stale a cached manifest may be for the device class.
func (c *Cache) freshness(deviceType string) time.Duration {
	if deviceType == "casting" {
		return c.config.CastingFreshness
	}
	return c.config.InteractiveFreshness
}

// Get returns the channel's rewritten manifest with the viewer's playback
// token injected. A cached copy inside the device class's freshness window is
// served as-is; otherwise one goroutine refetches while the rest of the
// channel's viewers wait on it.
func (c *Cache) Get(ctx context.Context, ch *catalog.Channel, deviceType, userID, token string) (string, error) {
	now := c.clock.Now()

	e, _ := c.entries.LoadOrCompute(ch.ID, func() *entry {
		return &entry{viewers: make(map[string]struct{})}
	})
	e.touch(now)

	e.mu.Lock()
	e.viewers[userID] = struct{}{}

	if e.body != "" && now.Sub(e.fetchedAt) <= c.freshness(deviceType) {
		body := e.body
		e.mu.Unlock()
		metrics.ManifestFetches.WithLabelValues(ch.ID, "hit").Inc()
		return InjectToken(body, token), nil
	}

	body, origin, err := c.build(ctx, ch)
	if err != nil {
		// Serve the stale copy rather than erroring while upstream flaps.
		if e.body != "" {
			body := e.body
			e.mu.Unlock()
			metrics.ManifestFetches.WithLabelValues(ch.ID, "stale").Inc()
			logger.Warn("{manifest - Get} Serving stale manifest for channel %s: %v", ch.ID, err)
			return InjectToken(body, token), nil
		}
		e.mu.Unlock()
		metrics.ManifestFetches.WithLabelValues(ch.ID, "error").Inc()
		return "", err
	}

	e.body = body
	e.origin = origin
	e.fetchedAt = c.clock.Now()
	e.mu.Unlock()

	metrics.ManifestFetches.WithLabelValues(ch.ID, "miss").Inc()
	return InjectToken(body, token), nil
}

// Origin returns the channel's current origin URL, the base that relative
// chunk paths resolve against. False when the channel's entry has been
// evicted or never built.
func (c *Cache) Origin(channelID string) (string, bool) {
	e, ok := c.entries.Load(channelID)
	if !ok {
		return "", false
	}
	e.mu.Lock()
	origin := e.origin
	e.mu.Unlock()
	return origin, origin != ""
}

// Viewers returns how many distinct users have requested the channel's
// manifest since the entry was created.
func (c *Cache) Viewers(channelID string) int {
	e, ok := c.entries.Load(channelID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.viewers)
}

// Invalidate drops the channel's cached manifest and origin mapping so the
// next request re-resolves from scratch.
func (c *Cache) Invalidate(channelID string) {
	c.entries.Delete(channelID)
}

// SweepIdle evicts manifests nobody has requested within the idle window,
// dropping their origin mappings with them. Returns the number evicted.
func (c *Cache) SweepIdle(idle time.Duration) int {
	cutoff := c.clock.Now().Add(-idle)
	evicted := 0
	c.entries.Range(func(channelID string, e *entry) bool {
		if time.Unix(0, e.lastAccess.Load()).Before(cutoff) {
			c.entries.Delete(channelID)
			evicted++
		}
		return true
	})
	if evicted > 0 {
		logger.Debug("{manifest - SweepIdle} Evicted %d idle manifests", evicted)
	}
	return evicted
}

// Len returns the number of cached manifests.
func (c *Cache) Len() int {
	return c.entries.Size()
}

// build fetches the channel's upstream content and produces the rewritten
// manifest body plus the origin URL it resolves against.
func (c *Cache) build(ctx context.Context, ch *catalog.Channel) (string, string, error) {
	if ch.Kind == catalog.SourceDirect {
		return c.syntheticManifest(ch), ch.URL, nil
	}

	fetched, err := c.fetcher.Fetch(ctx, ch)
	if err != nil {
		return "", "", err
	}

	return c.rewrite(ctx, fetched.Channel, fetched.Body, fetched.BaseURL)
}

// syntheticManifest wraps a direct-URL source in a single-entry playlist
// pointing at the segment proxy, so every player speaks the same protocol.
func (c *Cache) syntheticManifest(ch *catalog.Channel) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-TARGETDURATION:10\n")
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXTINF:-1,\n")
	b.WriteString(c.proxyChunkURL(ch.ID, nil, ch.URL))
	b.WriteString("\n")
	return b.String()
}

// rewrite parses the upstream playlist and replaces every chunk reference
// with a proxy URL, preserving the original chunk name. Master playlists are
// resolved to their highest-bandwidth variant first; the origin becomes the
// variant's final URL, not the master's.
func (c *Cache) rewrite(ctx context.Context, ch *catalog.Channel, body []byte, baseURL string) (string, string, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return "", "", fmt.Errorf("%w: manifest parse: %v", errs.ErrUpstreamUnavailable, err)
	}

	if listType == m3u8.MASTER {
		master := playlist.(*m3u8.MasterPlaylist)
		body, baseURL, err = c.resolveVariant(ctx, ch, master, baseURL)
		if err != nil {
			return "", "", err
		}
		playlist, listType, err = m3u8.DecodeFrom(bytes.NewReader(body), true)
		if err != nil {
			return "", "", fmt.Errorf("%w: variant parse: %v", errs.ErrUpstreamUnavailable, err)
		}
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok || listType != m3u8.MEDIA {
		return "", "", fmt.Errorf("%w: unexpected playlist type", errs.ErrUpstreamUnavailable)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return "", "", fmt.Errorf("%w: bad base url: %v", errs.ErrUpstreamUnavailable, err)
	}

	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		seg.URI = c.proxyChunkURL(ch.ID, base, seg.URI)
	}

	return media.Encode().String(), baseURL, nil
}

// resolveVariant picks the highest-bandwidth variant of a master playlist
// and fetches its media playlist.
func (c *Cache) resolveVariant(ctx context.Context, ch *catalog.Channel, master *m3u8.MasterPlaylist, baseURL string) ([]byte, string, error) {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return nil, "", fmt.Errorf("%w: master playlist has no variants", errs.ErrUpstreamUnavailable)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: bad base url: %v", errs.ErrUpstreamUnavailable, err)
	}
	variantURL := resolveRef(base, best.URI)

	logger.Debug("{manifest - resolveVariant} Channel %s: following variant at %d bps", ch.ID, best.Bandwidth)
	return c.fetcher.FetchURL(ctx, ch.ProviderID, variantURL)
}

// proxyChunkURL maps one chunk reference to its proxy form. Relative
// references keep their path so the proxy can resolve them against the
// recorded origin without a lookup table; absolute references carry their
// source via ?url= and keep only the filename for player compatibility.
func (c *Cache) proxyChunkURL(channelID string, base *url.URL, ref string) string {
	prefix := strings.TrimRight(c.config.BaseURL, "/")

	u, err := url.Parse(ref)
	if err == nil && (u.IsAbs() || u.RawQuery != "" || strings.HasPrefix(ref, "/")) {
		abs := ref
		if !u.IsAbs() && base != nil {
			abs = base.ResolveReference(u).String()
		}
		name := path.Base(u.Path)
		return fmt.Sprintf("%s/segment/%s/%s?url=%s&token=%s",
			prefix, channelID, name, url.QueryEscape(abs), tokenPlaceholder)
	}

	return fmt.Sprintf("%s/segment/%s/%s?token=%s", prefix, channelID, ref, tokenPlaceholder)
}

// InjectToken substitutes the real playback token into a cached manifest.
func InjectToken(body, token string) string {
	return strings.ReplaceAll(body, tokenPlaceholder, token)
}

func resolveRef(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
