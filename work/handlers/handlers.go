package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"streamgate/work/catalog"
	"streamgate/work/config"
	"streamgate/work/errs"
	"streamgate/work/logger"
	"streamgate/work/manifest"
	"streamgate/work/middleware"
	"streamgate/work/segment"
	"streamgate/work/sessions"
	"streamgate/work/tokens"
	"streamgate/work/utils"
)

// Gateway wires the streaming components to their HTTP surface. Viewer
// identity arrives in the X-User-Id header, installed by the fronting auth
// layer; playback requests may instead authenticate with a query token.
type Gateway struct {
	config    *config.Config
	catalog   *catalog.Store
	sessions  *sessions.Registry
	tokens    *tokens.Manager
	manifests *manifest.Cache
	segments  *segment.Proxy
}

// New creates the gateway handler set.
func New(cfg *config.Config, cat *catalog.Store, reg *sessions.Registry, toks *tokens.Manager, mans *manifest.Cache, segs *segment.Proxy) *Gateway {
	return &Gateway{
		config:    cfg,
		catalog:   cat,
		sessions:  reg,
		tokens:    toks,
		manifests: mans,
		segments:  segs,
	}
}

// Routes registers the streaming routes on the router.
func (g *Gateway) Routes(r *mux.Router) {
	r.HandleFunc("/stream/acquire", g.Acquire).Methods(http.MethodPost)
	r.HandleFunc("/stream/heartbeat", g.Heartbeat).Methods(http.MethodPost)
	r.HandleFunc("/stream/release", g.Release).Methods(http.MethodPost)
	r.HandleFunc("/stream/token", g.Token).Methods(http.MethodPost)
	r.HandleFunc("/stream/{channelId}.m3u8", middleware.Gzip(g.Manifest)).Methods(http.MethodGet)
	r.HandleFunc("/segment/{channelId}/{chunkPath:.*}", g.Segment).Methods(http.MethodGet)
}

type acquireRequest struct {
	ChannelID  string `json:"channelId"`
	DeviceType string `json:"deviceType"`
}

// Acquire admits the viewer to a channel and returns the session token.
func (g *Gateway) Acquire(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, errs.ErrInvalidToken)
		return
	}

	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s, err := g.sessions.Acquire(userID, req.ChannelID, clientIP(r), req.DeviceType)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, map[string]any{"sessionToken": s.Token})
}

// Heartbeat refreshes a session's liveness.
func (g *Gateway) Heartbeat(w http.ResponseWriter, r *http.Request) {
	token := sessionTokenFrom(r)
	if token == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"success": g.sessions.Heartbeat(token)})
}

// Release drops a session and every playback token issued against it. Fire
// and forget friendly: beacon transports send the token as a plain body, and
// already-released tokens still answer success.
func (g *Gateway) Release(w http.ResponseWriter, r *http.Request) {
	token := sessionTokenFrom(r)
	if token == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	g.sessions.Release(token)
	g.tokens.RevokeSession(token)
	writeJSON(w, map[string]any{"success": true})
}

// Token combines admission with playback token issuance, for clients like
// casting receivers that cannot hold a session across requests.
func (g *Gateway) Token(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeError(w, errs.ErrInvalidToken)
		return
	}

	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s, err := g.sessions.Acquire(userID, req.ChannelID, clientIP(r), req.DeviceType)
	if err != nil {
		writeError(w, err)
		return
	}

	tok := g.tokens.Issue(userID, s.ChannelID, s.Token)
	writeJSON(w, map[string]any{
		"token":        tok.Value,
		"sessionToken": s.Token,
		"expiresIn":    int(g.tokens.ExpiresIn(tok.Value).Seconds()),
	})
}

// Manifest serves the channel's rewritten playlist. Authenticated by a query
// playback token or a session token header.
func (g *Gateway) Manifest(w http.ResponseWriter, r *http.Request) {
	channelID := utils.NormalizeID(mux.Vars(r)["channelId"])

	ch, ok := g.catalog.Channel(channelID)
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	userID, playbackToken, sess, err := g.authenticate(r, channelID)
	if err != nil {
		writeError(w, err)
		return
	}

	if playbackToken == "" {
		// Session-authenticated request: mint the token the rewritten chunk
		// URLs will carry.
		sessionToken := ""
		if sess != nil {
			sessionToken = sess.Token
		}
		playbackToken = g.tokens.Issue(userID, channelID, sessionToken).Value
	}

	body, err := g.manifests.Get(r.Context(), ch, deviceClass(r, sess), userID, playbackToken)
	if err != nil {
		logger.Error("{handlers - Manifest} Channel %s manifest failed: %v", channelID, err)
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	io.WriteString(w, body)
}

// Segment streams one media chunk.
func (g *Gateway) Segment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	channelID := utils.NormalizeID(vars["channelId"])
	chunkPath := vars["chunkPath"]

	if _, err := g.tokens.Validate(r.URL.Query().Get("token"), channelID); err != nil {
		writeError(w, err)
		return
	}

	override := r.URL.Query().Get("url")
	if err := g.segments.Serve(w, r, channelID, chunkPath, override); err != nil {
		writeError(w, err)
	}
}

// authenticate resolves viewer identity for playback requests: a valid query
// token, or a live session presented in X-Session-Token bound to the same
// channel.
func (g *Gateway) authenticate(r *http.Request, channelID string) (userID, playbackToken string, sess *sessions.Session, err error) {
	if value := r.URL.Query().Get("token"); value != "" {
		tok, err := g.tokens.Validate(value, channelID)
		if err != nil {
			return "", "", nil, err
		}
		if st := tok.SessionToken; st != "" {
			sess, _ = g.sessions.Get(st)
		}
		return tok.UserID, value, sess, nil
	}

	if st := r.Header.Get("X-Session-Token"); st != "" {
		s, ok := g.sessions.Get(st)
		if ok && s.ChannelID == channelID {
			return s.UserID, "", s, nil
		}
	}

	return "", "", nil, errs.ErrInvalidToken
}

// deviceClass decides the manifest freshness class for a request. Casting
// receivers declare themselves at acquisition or are recognized by their
// user agent.
func deviceClass(r *http.Request, sess *sessions.Session) string {
	if sess != nil && sess.DeviceType == "casting" {
		return "casting"
	}
	if r.URL.Query().Get("device") == "casting" {
		return "casting"
	}
	if strings.Contains(strings.ToLower(r.Header.Get("User-Agent")), "crkey") {
		return "casting"
	}
	return "interactive"
}

// sessionTokenFrom pulls the session token out of a JSON body, a form field,
// or a bare text body, in that order. Beacon transports cannot set content
// types reliably.
func sessionTokenFrom(r *http.Request) string {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		return ""
	}

	var req struct {
		SessionToken string `json:"sessionToken"`
	}
	if json.Unmarshal(body, &req) == nil && req.SessionToken != "" {
		return req.SessionToken
	}

	if values, err := url.ParseQuery(string(body)); err == nil {
		if v := values.Get("sessionToken"); v != "" {
			return v
		}
	}

	return strings.TrimSpace(string(body))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// writeError maps the error taxonomy onto HTTP statuses without leaking
// upstream details to the viewer.
func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	msg := http.StatusText(status)
	if errors.Is(err, errs.ErrStreamExpired) {
		msg = "stream expired, reload channel"
	}
	http.Error(w, msg, status)
}
