// Package store defines the abstract persistence contract the gateway core
// depends on (SPEC_FULL.md §4.1) and the entity types of SPEC_FULL.md §3.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// Account is the administrative owner of TenantKeys, Presets, and
// account-level RegexRules.
type Account struct {
	ID        uuid.UUID
	Slug      string
	Name      string
	Enabled   bool
	CreatedAt time.Time
}

// TenantKey is a credential issued to an end user (SPEC_FULL.md §3).
type TenantKey struct {
	ID          uuid.UUID
	KeyPrefix   string // first chars of the raw key, for display only
	AccountID   uuid.UUID
	DisplayName string
	Enabled     bool
	PresetID    *uuid.UUID
	ApplyRegex  bool
	CreatedAt   time.Time
}

// CredentialStatus is the synthetic last_status label for an
// UpstreamCredential. After a retryable failure the failure kind name is
// stored instead (e.g. "rate_limited"); the two values below are used
// otherwise.
type CredentialStatus string

const (
	CredentialStatusActive       CredentialStatus = "active"
	CredentialStatusAutoDisabled CredentialStatus = "auto_disabled"
)

// UpstreamCredential is a secret accepted by the upstream provider.
type UpstreamCredential struct {
	ID          uuid.UUID
	Secret      string
	Enabled     bool
	TotalUses   int64
	TotalErrors int64
	TotalTokens int64
	LastStatus  string
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

// PresetItemRole is the role a PresetItem's emitted message carries.
type PresetItemRole string

const (
	RoleSystem    PresetItemRole = "system"
	RoleUser      PresetItemRole = "user"
	RoleAssistant PresetItemRole = "assistant"
)

// PresetItemType selects a PresetItem's expansion semantics (SPEC_FULL.md §4.3).
type PresetItemType string

const (
	ItemTypeNormal    PresetItemType = "normal"
	ItemTypeUserInput PresetItemType = "user_input"
	ItemTypeHistory   PresetItemType = "history"
)

// PresetItem is one entry of a Preset.
type PresetItem struct {
	ID        uuid.UUID
	PresetID  uuid.UUID
	Role      PresetItemRole
	Type      PresetItemType
	Content   string
	Enabled   bool
	SortOrder int
}

// Preset is a named ordered sequence of PresetItems.
type Preset struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Name      string
	Enabled   bool
	SortOrder int
	Items     []PresetItem // sorted by SortOrder, ties by item ID (not insertion order)
	Regex     []RegexRule  // preset-level rules bound to this preset
}

// RegexPhase selects when a RegexRule runs relative to dispatch.
type RegexPhase string

const (
	PhasePre  RegexPhase = "pre"
	PhasePost RegexPhase = "post"
)

// RegexScope distinguishes account-level rules from preset-level rules.
type RegexScope string

const (
	ScopeAccount RegexScope = "account"
	ScopePreset  RegexScope = "preset"
)

// RegexRule is one ordered substitution (SPEC_FULL.md §4.4).
type RegexRule struct {
	ID          uuid.UUID
	Name        string
	Pattern     string
	Replacement string
	Phase       RegexPhase
	Scope       RegexScope
	AccountID   *uuid.UUID
	PresetID    *uuid.UUID
	Enabled     bool
	SortOrder   int
}

// LogStatus is the synthetic terminal status of a request.
type LogStatus string

const (
	LogStatusOK    LogStatus = "ok"
	LogStatusError LogStatus = "error"
)

// LogEntry is written once per completed request (SPEC_FULL.md §3).
type LogEntry struct {
	ID                uuid.UUID
	TenantKeyID        *uuid.UUID
	Model              string
	StatusCode         int
	Status             LogStatus
	TotalLatencySecs   float64
	TTFTSecs           float64
	IsStream           bool
	InputTokens        int64
	OutputTokens       int64
	TokensEstimated    bool
	CreatedAt          time.Time
}

// CredentialStatsDelta is applied by update_credential_stats; only non-nil
// fields are updated. This models the "delta" the spec's contract names
// without forcing every caller to read-modify-write the whole row.
type CredentialStatsDelta struct {
	UsesDelta   int64
	ErrorsDelta int64
	TokensDelta int64
	LastStatus  *string
	LastUsedAt  *time.Time
	Enabled     *bool
}

// Store is the abstract persistence contract RequestOrchestrator and
// CredentialPool depend on. AdminAPI depends on the wider CRUD methods below
// it, none of which are on the hot request path.
type Store interface {
	// Hot path (SPEC_FULL.md §4.1)
	Authenticate(ctx context.Context, rawKey string) (TenantKey, Account, error)
	GetPreset(ctx context.Context, id uuid.UUID) (Preset, error)
	ListAccountRegex(ctx context.Context, accountID uuid.UUID) ([]RegexRule, error)
	ListEnabledCredentials(ctx context.Context) ([]UpstreamCredential, error)
	UpdateCredentialStats(ctx context.Context, id uuid.UUID, delta CredentialStatsDelta) error
	AppendLog(ctx context.Context, entry LogEntry) error

	// Administrative CRUD (AdminAPI only)
	CreateAccount(ctx context.Context, a Account) (Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	CreateTenantKey(ctx context.Context, tk TenantKey, rawKeyHash []byte) (TenantKey, error)
	ListTenantKeys(ctx context.Context, accountID uuid.UUID) ([]TenantKey, error)
	SetTenantKeyEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	DeleteTenantKey(ctx context.Context, id uuid.UUID) error

	CreateCredential(ctx context.Context, c UpstreamCredential) (UpstreamCredential, error)
	ListCredentials(ctx context.Context) ([]UpstreamCredential, error)
	SetCredentialEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	DeleteCredential(ctx context.Context, id uuid.UUID) error

	CreatePreset(ctx context.Context, p Preset) (Preset, error)
	ListPresets(ctx context.Context, accountID uuid.UUID) ([]Preset, error)
	AddPresetItem(ctx context.Context, item PresetItem) (PresetItem, error)
	DeletePreset(ctx context.Context, id uuid.UUID) error

	CreateRegexRule(ctx context.Context, rule RegexRule) (RegexRule, error)
	ListRegexRules(ctx context.Context, scope RegexScope, ownerID uuid.UUID) ([]RegexRule, error)
	DeleteRegexRule(ctx context.Context, id uuid.UUID) error

	ListLogs(ctx context.Context, limit, offset int) ([]LogEntry, int, error)
}
