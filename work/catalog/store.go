package catalog

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"streamgate/work/logger"
	"streamgate/work/utils"
)

//go:embed schema.sql
var schema string

// Store is the read side of the channel/credential catalog. The relational
// data is owned by the surrounding application; the gateway loads it into
// memory at startup and on explicit reload, and only ever reads it on the
// request path. All identifiers are normalized at this boundary so downstream
// maps are keyed by exactly one representation.
type Store struct {
	db *sql.DB

	mu            sync.RWMutex
	providers     map[string]*Provider
	credentials   map[string]*Credential
	channels      map[string]*Channel
	backups       map[string][]*Channel          // primary channel id -> ordered backup channels
	entitled      map[string]map[string]bool     // user id -> channel id set
	packageCreds  map[string][]string            // user id -> credential ids, package order
	legacyCreds   map[string][]string            // user id -> credential ids, legacy assignment
	sharedByProv  map[string]*Credential         // provider id -> shared fallback credential
}

// Open opens (creating if necessary) the catalog database, applies the schema,
// and loads the working set into memory.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply catalog schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.Reload(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("{catalog - Open} Catalog opened: %d channels, %d credentials", len(s.channels), len(s.credentials))
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reload re-reads the entire catalog from the database and atomically swaps
// the in-memory working set. Request-path readers never see a partial load.
func (s *Store) Reload() error {
	providers := make(map[string]*Provider)
	credentials := make(map[string]*Credential)
	channels := make(map[string]*Channel)
	backupLinks := make(map[string][]BackupLink)
	entitled := make(map[string]map[string]bool)
	packageCreds := make(map[string][]string)
	legacyCreds := make(map[string][]string)
	sharedByProv := make(map[string]*Credential)

	rows, err := s.db.Query(`SELECT id, name, requests_per_second FROM providers`)
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}
	for rows.Next() {
		p := &Provider{}
		if err := rows.Scan(&p.ID, &p.Name, &p.RequestsPerSecond); err != nil {
			rows.Close()
			return err
		}
		p.ID = utils.NormalizeID(p.ID)
		providers[p.ID] = p
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT id, provider_id, max_connections, is_active, is_shared FROM credentials`)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	for rows.Next() {
		c := &Credential{}
		if err := rows.Scan(&c.ID, &c.ProviderID, &c.MaxConnections, &c.Active, &c.Shared); err != nil {
			rows.Close()
			return err
		}
		c.ID = utils.NormalizeID(c.ID)
		c.ProviderID = utils.NormalizeID(c.ProviderID)
		credentials[c.ID] = c
		if c.Shared && c.Active {
			sharedByProv[c.ProviderID] = c
		}
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT id, name, COALESCE(provider_id, ''), url, source_kind, requires_auth, test_failover FROM channels`)
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}
	for rows.Next() {
		ch := &Channel{}
		var kind string
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.ProviderID, &ch.URL, &kind, &ch.RequiresAuth, &ch.TestFailover); err != nil {
			rows.Close()
			return err
		}
		ch.ID = utils.NormalizeID(ch.ID)
		ch.ProviderID = utils.NormalizeID(ch.ProviderID)
		if kind == "direct" {
			ch.Kind = SourceDirect
		} else {
			ch.Kind = SourceSegmented
		}
		channels[ch.ID] = ch
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT channel_id, backup_channel_id, priority FROM backup_links`)
	if err != nil {
		return fmt.Errorf("failed to load backup links: %w", err)
	}
	for rows.Next() {
		var l BackupLink
		if err := rows.Scan(&l.ChannelID, &l.BackupChannelID, &l.Priority); err != nil {
			rows.Close()
			return err
		}
		l.ChannelID = utils.NormalizeID(l.ChannelID)
		l.BackupChannelID = utils.NormalizeID(l.BackupChannelID)
		backupLinks[l.ChannelID] = append(backupLinks[l.ChannelID], l)
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT user_id, channel_id FROM entitlements`)
	if err != nil {
		return fmt.Errorf("failed to load entitlements: %w", err)
	}
	for rows.Next() {
		var user, channel string
		if err := rows.Scan(&user, &channel); err != nil {
			rows.Close()
			return err
		}
		channel = utils.NormalizeID(channel)
		if entitled[user] == nil {
			entitled[user] = make(map[string]bool)
		}
		entitled[user][channel] = true
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT user_id, credential_id FROM package_credentials ORDER BY user_id, rank`)
	if err != nil {
		return fmt.Errorf("failed to load package credentials: %w", err)
	}
	for rows.Next() {
		var user, cred string
		if err := rows.Scan(&user, &cred); err != nil {
			rows.Close()
			return err
		}
		packageCreds[user] = append(packageCreds[user], utils.NormalizeID(cred))
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT user_id, credential_id FROM user_credentials ORDER BY user_id, credential_id`)
	if err != nil {
		return fmt.Errorf("failed to load user credentials: %w", err)
	}
	for rows.Next() {
		var user, cred string
		if err := rows.Scan(&user, &cred); err != nil {
			rows.Close()
			return err
		}
		legacyCreds[user] = append(legacyCreds[user], utils.NormalizeID(cred))
	}
	rows.Close()

	// Resolve backup links to channels now so the failover engine walks a
	// ready-ordered slice.
	backups := make(map[string][]*Channel)
	for id, links := range backupLinks {
		sort.Slice(links, func(i, j int) bool { return links[i].Priority < links[j].Priority })
		for _, l := range links {
			if ch, ok := channels[l.BackupChannelID]; ok {
				backups[id] = append(backups[id], ch)
			}
		}
	}

	s.mu.Lock()
	s.providers = providers
	s.credentials = credentials
	s.channels = channels
	s.backups = backups
	s.entitled = entitled
	s.packageCreds = packageCreds
	s.legacyCreds = legacyCreds
	s.sharedByProv = sharedByProv
	s.mu.Unlock()

	logger.Debug("{catalog - Reload} Catalog reloaded: %d channels, %d credentials, %d providers",
		len(channels), len(credentials), len(providers))
	return nil
}

// Channel looks up a channel by any identifier representation.
func (s *Store) Channel(id string) (*Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[utils.NormalizeID(id)]
	return ch, ok
}

// Provider looks up a provider by id.
func (s *Store) Provider(id string) (*Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[utils.NormalizeID(id)]
	return p, ok
}

// Providers returns every known provider.
func (s *Store) Providers() []*Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	return out
}

// Credential looks up a credential by id.
func (s *Store) Credential(id string) (*Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[utils.NormalizeID(id)]
	return c, ok
}

// Backups returns the ordered backup channels for a primary channel.
func (s *Store) Backups(channelID string) []*Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backups[utils.NormalizeID(channelID)]
}

// Entitled reports whether the user may watch the channel. The entitlement
// rows are materialized by the external subscription system.
func (s *Store) Entitled(userID, channelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.entitled[userID]
	if !ok {
		return false
	}
	return set[utils.NormalizeID(channelID)]
}

// CredentialsFor returns the credentials eligible to carry the user's session
// on the channel, in admission order: package-granted credentials first, then
// legacy per-user assignments, then the provider's shared fallback. Only
// active credentials belonging to the channel's provider qualify. The shared
// fallback, when present, is always last.
func (s *Store) CredentialsFor(userID, channelID string) []*Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[utils.NormalizeID(channelID)]
	if !ok || ch.ProviderID == "" {
		return nil
	}

	seen := make(map[string]bool)
	var out []*Credential

	appendEligible := func(ids []string) {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			cred, ok := s.credentials[id]
			if !ok || !cred.Active || cred.Shared || cred.ProviderID != ch.ProviderID {
				continue
			}
			seen[id] = true
			out = append(out, cred)
		}
	}

	appendEligible(s.packageCreds[userID])
	appendEligible(s.legacyCreds[userID])

	if shared, ok := s.sharedByProv[ch.ProviderID]; ok && !seen[shared.ID] {
		out = append(out, shared)
	}

	return out
}

// ChannelCount returns the number of channels in the working set.
func (s *Store) ChannelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// Seed helpers. The surrounding application owns catalog writes; these exist
// for provisioning and tests, mirroring the read-side normalization.

// PutProvider inserts or replaces a provider row.
func (s *Store) PutProvider(p Provider) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO providers (id, name, requests_per_second) VALUES (?, ?, ?)`,
		utils.NormalizeID(p.ID), p.Name, p.RequestsPerSecond)
	return err
}

// PutCredential inserts or replaces a credential row.
func (s *Store) PutCredential(c Credential) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO credentials (id, provider_id, max_connections, is_active, is_shared) VALUES (?, ?, ?, ?, ?)`,
		utils.NormalizeID(c.ID), utils.NormalizeID(c.ProviderID), c.MaxConnections, c.Active, c.Shared)
	return err
}

// PutChannel inserts or replaces a channel row.
func (s *Store) PutChannel(ch Channel) error {
	kind := "segmented"
	if ch.Kind == SourceDirect {
		kind = "direct"
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO channels (id, name, provider_id, url, source_kind, requires_auth, test_failover) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		utils.NormalizeID(ch.ID), ch.Name, utils.NormalizeID(ch.ProviderID), ch.URL, kind, ch.RequiresAuth, ch.TestFailover)
	return err
}

// PutBackupLink inserts or replaces a backup link row.
func (s *Store) PutBackupLink(l BackupLink) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO backup_links (channel_id, backup_channel_id, priority) VALUES (?, ?, ?)`,
		utils.NormalizeID(l.ChannelID), utils.NormalizeID(l.BackupChannelID), l.Priority)
	return err
}

// PutEntitlement grants a user access to a channel.
func (s *Store) PutEntitlement(userID, channelID string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO entitlements (user_id, channel_id) VALUES (?, ?)`,
		userID, utils.NormalizeID(channelID))
	return err
}

// PutPackageCredential grants a user a package credential at the given rank.
func (s *Store) PutPackageCredential(userID, credentialID string, rank int) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO package_credentials (user_id, credential_id, rank) VALUES (?, ?, ?)`,
		userID, utils.NormalizeID(credentialID), rank)
	return err
}

// PutUserCredential records a legacy per-user credential assignment.
func (s *Store) PutUserCredential(userID, credentialID string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO user_credentials (user_id, credential_id) VALUES (?, ?)`,
		userID, utils.NormalizeID(credentialID))
	return err
}
