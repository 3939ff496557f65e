package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"

	"streamgate/work/catalog"
	"streamgate/work/config"
	"streamgate/work/failover"
	"streamgate/work/manifest"
	"streamgate/work/middleware"
	"streamgate/work/sessions"
	"streamgate/work/tokens"
)

// StatsResponse carries the operational snapshot exposed through the admin
// API: live session pressure, cache occupancy, and process health for
// monitoring and capacity planning.
type StatsResponse struct {
	TotalChannels   int            `json:"totalChannels"`
	ActiveSessions  int            `json:"activeSessions"`
	ActiveTokens    int            `json:"activeTokens"`
	CachedManifests int            `json:"cachedManifests"`
	SessionsPerCred map[string]int `json:"sessionsPerCredential"`
	ProviderHealth  map[string]any `json:"providerHealth"`
	Uptime          string         `json:"uptime"`
	MemoryUsage     string         `json:"memoryUsage"`
	WorkerThreads   int            `json:"workerThreads"`
	GoRoutines      int            `json:"goRoutines"`
}

// SessionResponse is one live session row for the admin session listing.
type SessionResponse struct {
	UserID        string `json:"userId"`
	ChannelID     string `json:"channelId"`
	CredentialID  string `json:"credentialId"`
	IPAddress     string `json:"ipAddress"`
	DeviceType    string `json:"deviceType"`
	Tracked       bool   `json:"tracked"`
	CreatedAt     string `json:"createdAt"`
	LastHeartbeat string `json:"lastHeartbeat"`
}

var (
	startTime = time.Now()

	// reloadChan signals the catalog reload loop in main.
	reloadChan = make(chan bool, 1)
)

// setupAdminRoutes registers the administrative endpoints.
func setupAdminRoutes(router *mux.Router, store *catalog.Store, registry *sessions.Registry, tokenManager *tokens.Manager, manifestCache *manifest.Cache, engine *failover.Engine, cfg *config.Config) {
	router.HandleFunc("/admin/stats", middleware.Gzip(handleGetStats(store, registry, tokenManager, manifestCache, engine, cfg))).Methods("GET")
	router.HandleFunc("/admin/sessions", middleware.Gzip(handleGetSessions(registry))).Methods("GET")
	router.HandleFunc("/admin/reload", handleReload).Methods("POST")
}

// handleGetStats assembles the live snapshot for monitoring dashboards.
func handleGetStats(store *catalog.Store, registry *sessions.Registry, tokenManager *tokens.Manager, manifestCache *manifest.Cache, engine *failover.Engine, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		perCred := make(map[string]int)
		for _, s := range registry.Snapshot() {
			if s.Tracked {
				perCred[s.CredentialID]++
			}
		}

		health := make(map[string]any)
		for _, p := range store.Providers() {
			health[p.ID] = map[string]any{
				"healthy":  engine.Health().Healthy(p.ID),
				"failures": engine.Health().Failures(p.ID),
			}
		}

		stats := StatsResponse{
			TotalChannels:   store.ChannelCount(),
			ActiveSessions:  registry.Len(),
			ActiveTokens:    tokenManager.Len(),
			CachedManifests: manifestCache.Len(),
			SessionsPerCred: perCred,
			ProviderHealth:  health,
			Uptime:          time.Since(startTime).Round(time.Second).String(),
			MemoryUsage:     fmt.Sprintf("%.1f MB", float64(m.Alloc)/1024/1024),
			WorkerThreads:   cfg.WorkerThreads,
			GoRoutines:      runtime.NumGoroutine(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

// handleGetSessions lists every live session.
func handleGetSessions(registry *sessions.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		out := []SessionResponse{}
		for _, s := range registry.Snapshot() {
			out = append(out, SessionResponse{
				UserID:        s.UserID,
				ChannelID:     s.ChannelID,
				CredentialID:  s.CredentialID,
				IPAddress:     s.IPAddress,
				DeviceType:    s.DeviceType,
				Tracked:       s.Tracked,
				CreatedAt:     s.CreatedAt.Format(time.RFC3339),
				LastHeartbeat: s.LastHeartbeat().Format(time.RFC3339),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

// handleReload queues a catalog reload; the reload loop in main picks it up.
func handleReload(w http.ResponseWriter, r *http.Request) {
	select {
	case reloadChan <- true:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "reload queued"})
	default:
		http.Error(w, "reload already pending", http.StatusConflict)
	}
}
