package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/benbjohnson/clock"

	"streamgate/work/client"
	"streamgate/work/config"
	"streamgate/work/errs"
	"streamgate/work/failover"
	"streamgate/work/logger"
	"streamgate/work/metrics"
	"streamgate/work/utils"
)

// ManifestSource is the slice of the manifest cache the segment proxy needs:
// the per-channel origin URL that relative chunk paths resolve against, and
// invalidation when a channel's chunks stop being fetchable.
type ManifestSource interface {
	Origin(channelID string) (string, bool)
	Invalidate(channelID string)
}

// errPermanent marks origin answers that retrying cannot fix, like a chunk
// the origin no longer has.
var errPermanent = errors.New("permanent upstream failure")

type fetchState int

const (
	stateFetching fetchState = iota
	stateRetrying
	stateRedirected
	stateSucceeded
	stateFailed
)

// Proxy relays individual media chunks from origin to the player. Failures
// before the first byte reaches the client are retried a bounded number of
// times; once streaming has begun a failure can only truncate.
type Proxy struct {
	config    *config.Config
	client    *client.HeaderSettingClient
	clock     clock.Clock
	manifests ManifestSource
}

// New creates a segment proxy over the given manifest cache.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, mans ManifestSource, clk clock.Clock) *Proxy {
	return &Proxy{config: cfg, client: httpClient, clock: clk, manifests: mans}
}

// Serve fetches the chunk and streams it to the client.
//
// Target resolution: an explicit overrideURL wins (chunks whose manifest
// reference was absolute); otherwise chunkPath resolves against the channel's
// cached origin, failing fast with ErrStreamExpired when the origin mapping
// is gone. Rate-limit answers (509/429) and 5xx are retried up to the
// configured limit with a short delay, rebuilding the target from the
// current origin first since the manifest may have been redirected while
// this request was in flight. Exhausted retries invalidate the channel's
// manifest entry so the next manifest request re-resolves from scratch. An
// HTML answer body is followed once. The returned error is non-nil only when
// nothing has been written, so the caller can still map it to a status.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, channelID, chunkPath, overrideURL string) error {
	target, err := p.target(channelID, chunkPath, overrideURL)
	if err != nil {
		return err
	}

	var (
		state      = stateFetching
		resp       *http.Response
		lastErr    error
		retries    = 0
		redirected = false
	)

	for {
		switch state {
		case stateFetching:
			resp, lastErr = p.fetch(r.Context(), target)
			switch {
			case lastErr != nil:
				metrics.SegmentErrors.WithLabelValues(channelID, "upstream").Inc()
				logger.Debug("{segment - Serve} Channel %s chunk %s attempt %d failed: %v",
					channelID, chunkPath, retries+1, lastErr)
				if retries < p.config.SegmentRetries && !errors.Is(lastErr, errPermanent) {
					state = stateRetrying
				} else {
					state = stateFailed
				}
			case !redirected && isHTML(resp):
				state = stateRedirected
			default:
				state = stateSucceeded
			}

		case stateRetrying:
			retries++
			select {
			case <-r.Context().Done():
				return r.Context().Err()
			case <-p.clock.After(p.config.SegmentRetryDelay):
			}
			// The manifest may have been redirected to a new origin while
			// this chunk request was waiting; rebuild from the fresh origin.
			if rebuilt, err := p.target(channelID, chunkPath, overrideURL); err == nil {
				target = rebuilt
			}
			state = stateFetching

		case stateRedirected:
			redirected = true
			next, err := p.htmlRedirectTarget(resp)
			if err != nil {
				lastErr = err
				metrics.SegmentErrors.WithLabelValues(channelID, "redirect").Inc()
				state = stateFailed
				break
			}
			logger.Debug("{segment - Serve} Channel %s chunk answered with HTML redirect, following", channelID)
			target = next
			state = stateFetching

		case stateSucceeded:
			p.stream(w, resp, channelID)
			return nil

		case stateFailed:
			p.manifests.Invalidate(channelID)
			logger.Warn("{segment - Serve} Channel %s chunk %s failed after %d attempts: %v",
				channelID, utils.LogURL(p.config, target), retries+1, lastErr)
			return fmt.Errorf("%w: %v", errs.ErrUpstreamUnavailable, lastErr)
		}
	}
}

// target builds the absolute chunk URL for this request.
func (p *Proxy) target(channelID, chunkPath, overrideURL string) (string, error) {
	if overrideURL != "" {
		return overrideURL, nil
	}

	origin, ok := p.manifests.Origin(channelID)
	if !ok {
		return "", fmt.Errorf("%w: no origin for channel %s", errs.ErrStreamExpired, channelID)
	}

	base, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("%w: bad origin for channel %s", errs.ErrStreamExpired, channelID)
	}
	ref, err := url.Parse(chunkPath)
	if err != nil {
		return "", fmt.Errorf("%w: bad chunk path", errs.ErrStreamExpired)
	}
	return base.ResolveReference(ref).String(), nil
}

// fetch performs one origin request under the per-chunk timeout. Rate-limit
// and server-side failures come back as errors so the retry loop treats them
// like transport failures.
func (p *Proxy) fetch(ctx context.Context, target string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.SegmentTimeout)

	resp, err := p.client.Get(ctx, target)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("origin status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: origin status %d", errPermanent, resp.StatusCode)
	}

	// Tie the timeout to the body so a stalled origin cannot hold the
	// transfer open forever.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// htmlRedirectTarget consumes an HTML answer body and extracts the real
// chunk URL from it.
func (p *Proxy) htmlRedirectTarget(resp *http.Response) (string, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if next := failover.ExtractHTMLRedirect(body); next != "" {
		return next, nil
	}
	return "", fmt.Errorf("html answer without a resolvable target")
}

// stream copies the origin body to the client in chunks, flushing as it
// goes so live media reaches the player without buffering delays.
func (p *Proxy) stream(w http.ResponseWriter, resp *http.Response, channelID string) {
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "video/mp2t")
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.Header().Set("Cache-Control", "no-cache")

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				metrics.SegmentErrors.WithLabelValues(channelID, "client_gone").Inc()
				break
			}
			written += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				metrics.SegmentErrors.WithLabelValues(channelID, "truncated").Inc()
				logger.Debug("{segment - stream} Channel %s transfer cut after %d bytes: %v",
					channelID, written, err)
			}
			break
		}
	}

	metrics.BytesTransferred.WithLabelValues(channelID, "in").Add(float64(written))
	metrics.BytesTransferred.WithLabelValues(channelID, "out").Add(float64(written))
}

// isHTML reports whether the origin answered with a page instead of media.
func isHTML(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/html")
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
