package tokens

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"streamgate/work/errs"
	"streamgate/work/logger"
	"streamgate/work/metrics"
)

// Token is a playback access token embedded in rewritten stream URLs. Its
// lifetime slides: every successful validation pushes expiry out by the full
// configured lifetime, so a token stays valid for as long as the player keeps
// using it and dies one lifetime after the player stops.
type Token struct {
	Value        string
	UserID       string
	ChannelID    string
	SessionToken string
	IssuedAt     time.Time

	expiresAt atomic.Int64 // Unix nanoseconds
}

// ExpiresAt returns the current expiry instant.
func (t *Token) ExpiresAt() time.Time {
	return time.Unix(0, t.expiresAt.Load())
}

// Manager issues and validates playback tokens.
type Manager struct {
	clock    clock.Clock
	lifetime time.Duration
	byValue  *xsync.MapOf[string, *Token]
}

// NewManager creates a token manager. lifetime is the sliding validity window.
func NewManager(lifetime time.Duration, clk clock.Clock) *Manager {
	return &Manager{
		clock:    clk,
		lifetime: lifetime,
		byValue:  xsync.NewMapOf[string, *Token](),
	}
}

// Issue mints a fresh token bound to a channel and the session that earned it.
func (m *Manager) Issue(userID, channelID, sessionToken string) *Token {
	now := m.clock.Now()
	t := &Token{
		Value:        uuid.NewString(),
		UserID:       userID,
		ChannelID:    channelID,
		SessionToken: sessionToken,
		IssuedAt:     now,
	}
	t.expiresAt.Store(now.Add(m.lifetime).UnixNano())

	m.byValue.Store(t.Value, t)
	metrics.TokensIssued.Inc()

	logger.Debug("{tokens - Issue} Issued token for user %s channel %s", userID, channelID)
	return t
}

// Validate checks a token against the channel being requested and, on
// success, slides its expiry forward. Expired tokens are dropped; unknown,
// expired, and channel-mismatched tokens all return ErrInvalidToken.
func (m *Manager) Validate(value, channelID string) (*Token, error) {
	t, ok := m.byValue.Load(value)
	if !ok {
		return nil, errs.ErrInvalidToken
	}

	now := m.clock.Now()
	if now.After(t.ExpiresAt()) {
		m.byValue.Delete(value)
		logger.Debug("{tokens - Validate} Token for channel %s expired", t.ChannelID)
		return nil, errs.ErrInvalidToken
	}

	if t.ChannelID != channelID {
		logger.Warn("{tokens - Validate} Token for channel %s presented against channel %s",
			t.ChannelID, channelID)
		return nil, errs.ErrInvalidToken
	}

	t.expiresAt.Store(now.Add(m.lifetime).UnixNano())
	return t, nil
}

// ExpiresIn returns the remaining lifetime of a token, or zero when unknown.
func (m *Manager) ExpiresIn(value string) time.Duration {
	t, ok := m.byValue.Load(value)
	if !ok {
		return 0
	}
	if rem := t.ExpiresAt().Sub(m.clock.Now()); rem > 0 {
		return rem
	}
	return 0
}

// Revoke drops a single token.
func (m *Manager) Revoke(value string) {
	m.byValue.Delete(value)
}

// RevokeSession drops every token issued against a session, used when the
// session itself is released or reclaimed.
func (m *Manager) RevokeSession(sessionToken string) int {
	revoked := 0
	m.byValue.Range(func(value string, t *Token) bool {
		if t.SessionToken == sessionToken {
			m.byValue.Delete(value)
			revoked++
		}
		return true
	})
	return revoked
}

// SweepExpired drops every token past its expiry. Returns the number dropped.
func (m *Manager) SweepExpired() int {
	now := m.clock.Now()
	dropped := 0
	m.byValue.Range(func(value string, t *Token) bool {
		if now.After(t.ExpiresAt()) {
			m.byValue.Delete(value)
			dropped++
		}
		return true
	})
	if dropped > 0 {
		logger.Debug("{tokens - SweepExpired} Dropped %d expired tokens", dropped)
	}
	return dropped
}

// Len returns the number of live tokens.
func (m *Manager) Len() int {
	return m.byValue.Size()
}
