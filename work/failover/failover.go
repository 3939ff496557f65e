package failover

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grafana/regexp"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"streamgate/work/catalog"
	"streamgate/work/client"
	"streamgate/work/config"
	"streamgate/work/errs"
	"streamgate/work/logger"
	"streamgate/work/metrics"
	"streamgate/work/utils"
)

// Some providers answer stream URLs with a small HTML page whose body carries
// the real location, instead of an HTTP redirect.
var htmlRedirectRe = regexp.MustCompile(`(?i)(?:url=|href=["'])(https?://[^"'\s>]+)`)

const maxBodySize = 10 << 20

// Catalog is the slice of the channel catalog failover needs.
type Catalog interface {
	Backups(channelID string) []*catalog.Channel
	Provider(id string) (*catalog.Provider, bool)
}

// Result is a successful upstream fetch. Channel is the channel that actually
// served the content, which differs from the requested one after failover.
// BaseURL is the final URL after redirects, for relative reference resolution.
type Result struct {
	Body       []byte
	BaseURL    string
	Channel    *catalog.Channel
	FromBackup bool
}

// Engine fetches channel content from upstream providers, failing over to
// backup channels in priority order when the primary cannot serve.
type Engine struct {
	config   *config.Config
	catalog  Catalog
	client   *client.HeaderSettingClient
	health   *Health
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// New creates a failover engine.
func New(cfg *config.Config, cat Catalog, httpClient *client.HeaderSettingClient) *Engine {
	return &Engine{
		config:   cfg,
		catalog:  cat,
		client:   httpClient,
		health:   NewHealth(cfg.ProviderHealthTTL, cfg.ProviderFailureLimit),
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// Health exposes the provider health tracker, for the admin surface.
func (e *Engine) Health() *Health {
	return e.health
}

// Fetch retrieves the channel's content, walking the primary and then its
// backup channels in priority order. The primary is always attempted; backups
// whose provider the health tracker has demoted are deferred behind healthy
// ones. Returns ErrUpstreamUnavailable once the candidate list is exhausted.
func (e *Engine) Fetch(ctx context.Context, ch *catalog.Channel) (*Result, error) {
	candidates := e.candidates(ch)

	var lastErr error
	for _, cand := range candidates {
		body, baseURL, err := e.fetchOne(ctx, cand)
		if err != nil {
			e.health.MarkFailure(cand.ProviderID)
			metrics.FailoverAttempts.WithLabelValues(ch.ID, "failure").Inc()
			logger.Warn("{failover - Fetch} Channel %s via %s failed: %v",
				cand.ID, utils.LogURL(e.config, cand.URL), err)
			lastErr = err
			continue
		}

		e.health.MarkSuccess(cand.ProviderID)
		fromBackup := cand.ID != ch.ID
		if fromBackup {
			metrics.FailoverAttempts.WithLabelValues(ch.ID, "success").Inc()
			logger.Info("{failover - Fetch} Channel %s failed over to backup %s", ch.ID, cand.ID)
		}

		return &Result{
			Body:       body,
			BaseURL:    baseURL,
			Channel:    cand,
			FromBackup: fromBackup,
		}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrUpstreamUnavailable, lastErr)
	}
	return nil, errs.ErrUpstreamUnavailable
}

// candidates returns the primary followed by its backups, capped at the
// configured failover attempt limit. Backups on demoted providers move behind
// healthy ones before the cap applies, so a demoted backup never consumes
// attempt budget but stays reachable as the last resort. Channels flagged for
// failover testing skip their primary entirely.
func (e *Engine) candidates(ch *catalog.Channel) []*catalog.Channel {
	var out []*catalog.Channel
	if ch.TestFailover {
		logger.Debug("{failover - candidates} Channel %s in failover test mode, skipping primary", ch.ID)
	} else {
		out = append(out, ch)
	}

	var healthy, demoted []*catalog.Channel
	for _, b := range e.catalog.Backups(ch.ID) {
		if e.health.Healthy(b.ProviderID) {
			healthy = append(healthy, b)
		} else {
			logger.Debug("{failover - candidates} Deferring backup %s, provider %s is demoted",
				b.ID, b.ProviderID)
			demoted = append(demoted, b)
		}
	}
	backups := append(healthy, demoted...)
	if len(backups) > e.config.FailoverMaxAttempts {
		backups = backups[:e.config.FailoverMaxAttempts]
	}
	return append(out, backups...)
}

// fetchOne performs a single upstream request, following HTML-body redirects
// once. Returns the body and the final URL it was served from.
func (e *Engine) fetchOne(ctx context.Context, ch *catalog.Channel) ([]byte, string, error) {
	e.limiterFor(ch.ProviderID).Take()

	ctx, cancel := context.WithTimeout(ctx, e.config.UpstreamTimeout)
	defer cancel()

	body, baseURL, err := e.get(ctx, ch.URL)
	if err != nil {
		return nil, "", err
	}

	// Chase a single HTML-body redirect to the real stream URL. An HTML
	// answer with no target in it is an error page, not content.
	if IsHTMLBody(body) {
		redirect := ExtractHTMLRedirect(body)
		if redirect == "" {
			return nil, "", fmt.Errorf("html answer without a resolvable target")
		}
		logger.Debug("{failover - fetchOne} Following HTML redirect from %s",
			utils.LogURL(e.config, baseURL))
		return e.get(ctx, redirect)
	}

	return body, baseURL, nil
}

func (e *Engine) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	resp, err := e.client.Get(ctx, rawURL)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, "", err
	}

	return body, client.FinalURL(resp), nil
}

// FetchURL retrieves an arbitrary upstream URL under the provider's rate
// limit, without failover. Used for variant playlists referenced by a
// manifest already fetched through Fetch.
func (e *Engine) FetchURL(ctx context.Context, providerID, rawURL string) ([]byte, string, error) {
	e.limiterFor(providerID).Take()

	ctx, cancel := context.WithTimeout(ctx, e.config.UpstreamTimeout)
	defer cancel()

	return e.get(ctx, rawURL)
}

// limiterFor returns the provider's request rate limiter, unlimited when the
// provider declares no rate.
func (e *Engine) limiterFor(providerID string) ratelimit.Limiter {
	limiter, _ := e.limiters.LoadOrCompute(providerID, func() ratelimit.Limiter {
		if p, ok := e.catalog.Provider(providerID); ok && p.RequestsPerSecond > 0 {
			return ratelimit.New(p.RequestsPerSecond)
		}
		return ratelimit.NewUnlimited()
	})
	return limiter
}

// IsHTMLBody reports whether an answer body is an HTML page rather than
// stream content.
func IsHTMLBody(body []byte) bool {
	probe := body
	if len(probe) > 2048 {
		probe = probe[:2048]
	}
	lower := strings.ToLower(string(probe))
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<!doctype")
}

// ExtractHTMLRedirect pulls a stream URL out of an HTML answer body, or
// returns empty when the body is not HTML or carries no target. Some
// providers front both manifests and segments with these pages.
func ExtractHTMLRedirect(body []byte) string {
	if !IsHTMLBody(body) {
		return ""
	}
	if m := htmlRedirectRe.FindSubmatch(body); m != nil {
		return string(m[1])
	}
	return ""
}
