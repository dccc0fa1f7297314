package admin

// CreateAccountRequest creates an Account.
type CreateAccountRequest struct {
	Slug string `json:"slug" validate:"required"`
	Name string `json:"name" validate:"required"`
}

// CreateTenantKeyRequest issues a TenantKey under an Account. The raw key
// is generated server-side and returned exactly once in the response.
type CreateTenantKeyRequest struct {
	DisplayName string `json:"display_name" validate:"required"`
	PresetID    string `json:"preset_id"`
	ApplyRegex  bool   `json:"apply_regex"`
}

// TenantKeyCreated is CreateTenantKeyRequest's response: the only time the
// raw key is ever visible.
type TenantKeyCreated struct {
	ID          string `json:"id"`
	RawKey      string `json:"key"`
	KeyPrefix   string `json:"key_prefix"`
	DisplayName string `json:"display_name"`
}

// SetEnabledRequest toggles a TenantKey's or UpstreamCredential's enabled flag.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// CreateCredentialRequest registers an UpstreamCredential.
type CreateCredentialRequest struct {
	Secret string `json:"secret" validate:"required"`
}

// CreatePresetRequest creates a Preset.
type CreatePresetRequest struct {
	Name      string `json:"name" validate:"required"`
	SortOrder int    `json:"sort_order"`
}

// CreatePresetItemRequest adds a PresetItem to a Preset.
type CreatePresetItemRequest struct {
	Role      string `json:"role" validate:"omitempty,oneof=system user assistant"`
	Type      string `json:"type" validate:"required,oneof=normal user_input history"`
	Content   string `json:"content"`
	Enabled   bool   `json:"enabled"`
	SortOrder int    `json:"sort_order"`
}

// CreateRegexRuleRequest creates a RegexRule. Scope determines whether
// AccountID or PresetID is the binding owner (spec.md §4.4: both scopes are
// kept, account-level rules run before preset-level rules within a phase).
type CreateRegexRuleRequest struct {
	Name        string `json:"name" validate:"required"`
	Pattern     string `json:"pattern" validate:"required"`
	Replacement string `json:"replacement"`
	Phase       string `json:"phase" validate:"required,oneof=pre post"`
	Scope       string `json:"scope" validate:"required,oneof=account preset"`
	OwnerID     string `json:"owner_id" validate:"required"`
	Enabled     bool   `json:"enabled"`
	SortOrder   int    `json:"sort_order"`
}
