package sessions

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"streamgate/work/catalog"
	"streamgate/work/errs"
	"streamgate/work/logger"
	"streamgate/work/metrics"
	"streamgate/work/utils"
)

// Session is a single viewer's live claim on a credential's capacity. Created
// by Acquire, kept alive by Heartbeat, destroyed by Release or by the cleanup
// sweep after heartbeat silence.
type Session struct {
	Token        string    // Opaque unique session token
	UserID       string    // Viewer identity
	ChannelID    string    // Canonical channel id
	CredentialID string    // Credential carrying this session; empty for credential-free sources
	IPAddress    string    // Client address at acquisition, informational
	DeviceType   string    // Client-declared device class, informational
	CreatedAt    time.Time // Acquisition time
	Tracked      bool      // Whether this session counts against credential capacity
	Synthetic    bool      // Credential-free marker session, never registered

	lastHeartbeat atomic.Int64 // Unix nanoseconds of the most recent heartbeat
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

func (s *Session) touch(t time.Time) {
	s.lastHeartbeat.Store(t.UnixNano())
}

// Catalog is the slice of the channel catalog the admission controller needs.
// Implemented by catalog.Store; stubbed in tests.
type Catalog interface {
	Channel(id string) (*catalog.Channel, bool)
	Entitled(userID, channelID string) bool
	CredentialsFor(userID, channelID string) []*catalog.Credential
}

// Registry is the authoritative table of live sessions and the capacity
// admission controller over it.
//
// Admission is a check-then-create sequence; two concurrent acquisitions for
// the same (user, channel) pair, or racing for a credential's last slot, must
// not both observe "room available". The whole decision runs under admitMu
// and touches only in-memory state, so the critical section never suspends
// on I/O.
type Registry struct {
	catalog Catalog
	clock   clock.Clock

	admitMu sync.Mutex
	byToken *xsync.MapOf[string, *Session]
	byPair  *xsync.MapOf[string, *Session]
}

// NewRegistry creates an empty session registry backed by the given catalog.
func NewRegistry(cat Catalog, clk clock.Clock) *Registry {
	return &Registry{
		catalog: cat,
		clock:   clk,
		byToken: xsync.NewMapOf[string, *Session](),
		byPair:  xsync.NewMapOf[string, *Session](),
	}
}

func pairKey(userID, channelID string) string {
	return userID + "\x00" + channelID
}

// Acquire authorizes a viewer connection to a channel and registers a Session
// for it.
//
// Algorithm:
//  1. Entitlement gate; ErrNoAccess when the user may not watch the channel.
//  2. Credential-free sources get a synthetic, untracked session marker that
//     is never registered and never counts against any credential.
//  3. An existing live session for the (user, channel) pair is returned
//     unchanged, so client retries never double-book capacity.
//  4. Eligible credentials are walked in admission order; the first one with
//     a free slot carries the new session. The shared fallback credential is
//     bound but never capacity-counted.
//  5. ErrCapacityExhausted when every eligible credential is full.
func (r *Registry) Acquire(userID, channelID, ipAddress, deviceType string) (*Session, error) {
	channelID = utils.NormalizeID(channelID)

	if !r.catalog.Entitled(userID, channelID) {
		logger.Debug("{sessions - Acquire} User %s has no entitlement to channel %s", userID, channelID)
		return nil, errs.ErrNoAccess
	}

	ch, ok := r.catalog.Channel(channelID)
	if !ok {
		return nil, errs.ErrNoAccess
	}

	now := r.clock.Now()

	if !ch.RequiresAuth {
		// Direct-URL source: nothing to admit against. Hand back a marker the
		// client can heartbeat/release harmlessly.
		s := &Session{
			Token:      "direct-" + uuid.NewString(),
			UserID:     userID,
			ChannelID:  channelID,
			IPAddress:  ipAddress,
			DeviceType: deviceType,
			CreatedAt:  now,
			Synthetic:  true,
		}
		s.touch(now)
		logger.Debug("{sessions - Acquire} Synthetic session for credential-free channel %s", channelID)
		return s, nil
	}

	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	key := pairKey(userID, channelID)
	if existing, ok := r.byPair.Load(key); ok {
		logger.Debug("{sessions - Acquire} Returning existing session %s for user %s channel %s",
			existing.Token, userID, channelID)
		return existing, nil
	}

	for _, cred := range r.catalog.CredentialsFor(userID, channelID) {
		tracked := !cred.Shared
		if tracked && r.countLocked(cred.ID) >= cred.MaxConnections {
			logger.Debug("{sessions - Acquire} Credential %s at capacity (%d), trying next",
				cred.ID, cred.MaxConnections)
			continue
		}

		s := &Session{
			Token:        uuid.NewString(),
			UserID:       userID,
			ChannelID:    channelID,
			CredentialID: cred.ID,
			IPAddress:    ipAddress,
			DeviceType:   deviceType,
			CreatedAt:    now,
			Tracked:      tracked,
		}
		s.touch(now)

		r.byToken.Store(s.Token, s)
		r.byPair.Store(key, s)

		if tracked {
			metrics.ActiveSessions.WithLabelValues(cred.ID).Inc()
		}

		logger.Debug("{sessions - Acquire} User %s acquired channel %s on credential %s (tracked: %v)",
			userID, channelID, cred.ID, tracked)
		return s, nil
	}

	metrics.CapacityRejections.WithLabelValues(channelID).Inc()
	logger.Warn("{sessions - Acquire} Capacity exhausted for user %s channel %s", userID, channelID)
	return nil, errs.ErrCapacityExhausted
}

// Heartbeat refreshes a session's liveness. Returns false when the token is
// unknown, which includes sessions already reclaimed by the cleanup sweep.
func (r *Registry) Heartbeat(token string) bool {
	s, ok := r.byToken.Load(token)
	if !ok {
		return false
	}
	s.touch(r.clock.Now())
	return true
}

// Release deletes the session. Idempotent: releasing an unknown or
// already-released token still reports success.
func (r *Registry) Release(token string) bool {
	r.admitMu.Lock()
	defer r.admitMu.Unlock()
	r.removeLocked(token)
	return true
}

// Get returns the live session for a token.
func (r *Registry) Get(token string) (*Session, bool) {
	return r.byToken.Load(token)
}

// CountForCredential returns the number of live tracked sessions bound to the
// credential.
func (r *Registry) CountForCredential(credentialID string) int {
	r.admitMu.Lock()
	defer r.admitMu.Unlock()
	return r.countLocked(utils.NormalizeID(credentialID))
}

// SweepExpired reclaims sessions whose last heartbeat is older than timeout.
// Returns the number reclaimed.
func (r *Registry) SweepExpired(timeout time.Duration) int {
	cutoff := r.clock.Now().Add(-timeout)

	var stale []string
	r.byToken.Range(func(token string, s *Session) bool {
		if s.LastHeartbeat().Before(cutoff) {
			stale = append(stale, token)
		}
		return true
	})

	if len(stale) == 0 {
		return 0
	}

	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	reclaimed := 0
	for _, token := range stale {
		if s, ok := r.byToken.Load(token); ok && s.LastHeartbeat().Before(cutoff) {
			r.removeLocked(token)
			reclaimed++
		}
	}

	if reclaimed > 0 {
		logger.Debug("{sessions - SweepExpired} Reclaimed %d idle sessions (timeout: %s)", reclaimed, timeout)
	}
	return reclaimed
}

// Snapshot returns a copy of all live sessions, for the admin surface.
func (r *Registry) Snapshot() []*Session {
	var out []*Session
	r.byToken.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.byToken.Size()
}

// countLocked counts tracked sessions on a credential. Caller holds admitMu.
func (r *Registry) countLocked(credentialID string) int {
	count := 0
	r.byToken.Range(func(_ string, s *Session) bool {
		if s.Tracked && s.CredentialID == credentialID {
			count++
		}
		return true
	})
	return count
}

// removeLocked deletes a session from both indexes. Caller holds admitMu.
func (r *Registry) removeLocked(token string) {
	s, ok := r.byToken.LoadAndDelete(token)
	if !ok {
		return
	}

	key := pairKey(s.UserID, s.ChannelID)
	if cur, ok := r.byPair.Load(key); ok && cur.Token == s.Token {
		r.byPair.Delete(key)
	}

	if s.Tracked {
		metrics.ActiveSessions.WithLabelValues(s.CredentialID).Dec()
	}
}
