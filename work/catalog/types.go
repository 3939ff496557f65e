package catalog

// SourceKind classifies how a channel's upstream content is packaged, so the
// gateway can pick a serving strategy without inspecting URL suffixes.
type SourceKind int

const (
	SourceSegmented SourceKind = iota // Playlist of media chunks (HLS and friends)
	SourceDirect                      // Single direct container URL, no playlist upstream
)

// Provider is an upstream content operator. Rate limiting and health flags are
// tracked per provider because one provider typically fronts many channels.
type Provider struct {
	ID                string // Canonical provider identifier
	Name              string // Display name
	RequestsPerSecond int    // Upstream request budget enforced by the failover engine
}

// Credential is a login at an upstream provider with a hard concurrent
// connection cap. Read-only to the gateway at request time; the admission
// controller never mutates it, only counts live sessions against it.
type Credential struct {
	ID             string // Canonical credential identifier
	ProviderID     string // Owning provider
	MaxConnections int    // Simultaneous-connection cap at the provider
	Active         bool   // Inactive credentials are skipped during admission
	Shared         bool   // Shared fallback credential, never capacity-tracked
}

// Channel is one tunable channel in the catalog.
type Channel struct {
	ID           string     // Canonical channel identifier
	Name         string     // Display name
	ProviderID   string     // Provider whose credential admits viewers; empty for open sources
	URL          string     // Primary upstream source URL
	Kind         SourceKind // Upstream packaging
	RequiresAuth bool       // False for direct-URL sources that need no provider login
	TestFailover bool       // Manual override: skip the primary and exercise backups
}

// BackupLink points a primary channel at an alternate channel to try when the
// primary fails, ordered by ascending priority.
type BackupLink struct {
	ChannelID       string
	BackupChannelID string
	Priority        int
}
