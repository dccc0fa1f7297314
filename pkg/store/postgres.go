package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store directly against raw parameterized SQL,
// following pkg/apikey/store.go's column-constant-plus-scan-helper idiom.
type PostgresStore struct {
	pool   *pgxpool.Pool
	pepper string
}

// NewPostgresStore wraps an existing pgx pool. pepper keys the tenant-key
// hash (see HashTenantKey); rotating it invalidates every issued tenant key.
func NewPostgresStore(pool *pgxpool.Pool, pepper string) *PostgresStore {
	return &PostgresStore{pool: pool, pepper: pepper}
}

// --- accounts ---

const accountColumns = "id, slug, name, enabled, created_at"

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Slug, &a.Name, &a.Enabled, &a.CreatedAt)
	return a, err
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a Account) (Account, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, slug, name, enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING `+accountColumns,
		a.ID, a.Slug, a.Name, a.Enabled,
	)
	out, err := scanAccount(row)
	if err != nil {
		return Account{}, fmt.Errorf("creating account: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	out, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("getting account: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- tenant keys ---

const tenantKeyColumns = "id, key_hash, key_prefix, account_id, display_name, enabled, preset_id, apply_regex, created_at"

func scanTenantKey(row pgx.Row) (TenantKey, []byte, error) {
	var tk TenantKey
	var keyHash []byte
	err := row.Scan(&tk.ID, &keyHash, &tk.KeyPrefix, &tk.AccountID, &tk.DisplayName, &tk.Enabled, &tk.PresetID, &tk.ApplyRegex, &tk.CreatedAt)
	return tk, keyHash, err
}

func (s *PostgresStore) CreateTenantKey(ctx context.Context, tk TenantKey, rawKeyHash []byte) (TenantKey, error) {
	if tk.ID == uuid.Nil {
		tk.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tenant_keys (id, key_hash, key_prefix, account_id, display_name, enabled, preset_id, apply_regex)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+tenantKeyColumns,
		tk.ID, rawKeyHash, tk.KeyPrefix, tk.AccountID, tk.DisplayName, tk.Enabled, tk.PresetID, tk.ApplyRegex,
	)
	out, _, err := scanTenantKey(row)
	if err != nil {
		return TenantKey{}, fmt.Errorf("creating tenant key: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListTenantKeys(ctx context.Context, accountID uuid.UUID) ([]TenantKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantKeyColumns+` FROM tenant_keys WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing tenant keys: %w", err)
	}
	defer rows.Close()

	var out []TenantKey
	for rows.Next() {
		tk, _, err := scanTenantKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant key: %w", err)
		}
		out = append(out, tk)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetTenantKeyEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tenant_keys SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("updating tenant key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTenantKey(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tenant_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant key: %w", err)
	}
	return nil
}

// Authenticate looks up a tenant key by its keyed hash and its owning
// account, joined in one round trip (SPEC_FULL.md §4.1).
func (s *PostgresStore) Authenticate(ctx context.Context, rawKey string) (TenantKey, Account, error) {
	keyHash := HashTenantKey(s.pepper, rawKey)
	row := s.pool.QueryRow(ctx, `
		SELECT tk.id, tk.key_hash, tk.key_prefix, tk.account_id, tk.display_name, tk.enabled, tk.preset_id, tk.apply_regex, tk.created_at,
		       a.id, a.slug, a.name, a.enabled, a.created_at
		FROM tenant_keys tk
		JOIN accounts a ON a.id = tk.account_id
		WHERE tk.key_hash = $1
	`, keyHash)

	var tk TenantKey
	var acc Account
	var gotHash []byte
	err := row.Scan(
		&tk.ID, &gotHash, &tk.KeyPrefix, &tk.AccountID, &tk.DisplayName, &tk.Enabled, &tk.PresetID, &tk.ApplyRegex, &tk.CreatedAt,
		&acc.ID, &acc.Slug, &acc.Name, &acc.Enabled, &acc.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return TenantKey{}, Account{}, ErrNotFound
	}
	if err != nil {
		return TenantKey{}, Account{}, fmt.Errorf("authenticating tenant key: %w", err)
	}
	if !tk.Enabled || !acc.Enabled {
		return TenantKey{}, Account{}, ErrNotFound
	}
	return tk, acc, nil
}

// --- upstream credentials ---

const credentialColumns = "id, secret, enabled, total_uses, total_errors, total_tokens, last_status, last_used_at, created_at"

func scanCredential(row pgx.Row) (UpstreamCredential, error) {
	var c UpstreamCredential
	err := row.Scan(&c.ID, &c.Secret, &c.Enabled, &c.TotalUses, &c.TotalErrors, &c.TotalTokens, &c.LastStatus, &c.LastUsedAt, &c.CreatedAt)
	return c, err
}

func (s *PostgresStore) CreateCredential(ctx context.Context, c UpstreamCredential) (UpstreamCredential, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.LastStatus == "" {
		c.LastStatus = string(CredentialStatusActive)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO upstream_credentials (id, secret, enabled, last_status)
		VALUES ($1, $2, $3, $4)
		RETURNING `+credentialColumns,
		c.ID, c.Secret, c.Enabled, c.LastStatus,
	)
	out, err := scanCredential(row)
	if err != nil {
		return UpstreamCredential{}, fmt.Errorf("creating credential: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListCredentials(ctx context.Context) ([]UpstreamCredential, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+credentialColumns+` FROM upstream_credentials ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var out []UpstreamCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEnabledCredentials(ctx context.Context) ([]UpstreamCredential, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+credentialColumns+` FROM upstream_credentials WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing enabled credentials: %w", err)
	}
	defer rows.Close()

	var out []UpstreamCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetCredentialEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	status := string(CredentialStatusActive)
	tag, err := s.pool.Exec(ctx, `UPDATE upstream_credentials SET enabled = $2, last_status = $3 WHERE id = $1`, id, enabled, status)
	if err != nil {
		return fmt.Errorf("updating credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM upstream_credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCredentialStats(ctx context.Context, id uuid.UUID, delta CredentialStatsDelta) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE upstream_credentials SET
			total_uses = total_uses + $2,
			total_errors = total_errors + $3,
			total_tokens = total_tokens + $4,
			last_status = COALESCE($5, last_status),
			last_used_at = COALESCE($6, last_used_at),
			enabled = COALESCE($7, enabled)
		WHERE id = $1
	`, id, delta.UsesDelta, delta.ErrorsDelta, delta.TokensDelta, delta.LastStatus, delta.LastUsedAt, delta.Enabled)
	if err != nil {
		return fmt.Errorf("updating credential stats: %w", err)
	}
	return nil
}

// --- presets & preset items ---

const presetColumns = "id, account_id, name, enabled, sort_order"

func scanPreset(row pgx.Row) (Preset, error) {
	var p Preset
	err := row.Scan(&p.ID, &p.AccountID, &p.Name, &p.Enabled, &p.SortOrder)
	return p, err
}

const presetItemColumns = "id, preset_id, role, type, content, enabled, sort_order"

func scanPresetItem(row pgx.Row) (PresetItem, error) {
	var it PresetItem
	err := row.Scan(&it.ID, &it.PresetID, &it.Role, &it.Type, &it.Content, &it.Enabled, &it.SortOrder)
	return it, err
}

func (s *PostgresStore) CreatePreset(ctx context.Context, p Preset) (Preset, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO presets (id, account_id, name, enabled, sort_order)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+presetColumns,
		p.ID, p.AccountID, p.Name, p.Enabled, p.SortOrder,
	)
	out, err := scanPreset(row)
	if err != nil {
		return Preset{}, fmt.Errorf("creating preset: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListPresets(ctx context.Context, accountID uuid.UUID) ([]Preset, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+presetColumns+` FROM presets WHERE account_id = $1 ORDER BY sort_order, name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing presets: %w", err)
	}
	defer rows.Close()

	var out []Preset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning preset: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddPresetItem(ctx context.Context, item PresetItem) (PresetItem, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO preset_items (id, preset_id, role, type, content, enabled, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+presetItemColumns,
		item.ID, item.PresetID, item.Role, item.Type, item.Content, item.Enabled, item.SortOrder,
	)
	out, err := scanPresetItem(row)
	if err != nil {
		return PresetItem{}, fmt.Errorf("adding preset item: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeletePreset(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM presets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting preset: %w", err)
	}
	return nil
}

// GetPreset fetches a preset with its items (by sort-order; ties are ordered
// by item id, a random UUID, so insertion order is not preserved) and its
// bound preset-level regex rules.
func (s *PostgresStore) GetPreset(ctx context.Context, id uuid.UUID) (Preset, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+presetColumns+` FROM presets WHERE id = $1`, id)
	p, err := scanPreset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Preset{}, ErrNotFound
	}
	if err != nil {
		return Preset{}, fmt.Errorf("getting preset: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+presetItemColumns+` FROM preset_items WHERE preset_id = $1 ORDER BY sort_order, id`, id)
	if err != nil {
		return Preset{}, fmt.Errorf("listing preset items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanPresetItem(rows)
		if err != nil {
			return Preset{}, fmt.Errorf("scanning preset item: %w", err)
		}
		p.Items = append(p.Items, it)
	}
	if err := rows.Err(); err != nil {
		return Preset{}, err
	}

	regex, err := s.listRegexByScope(ctx, ScopePreset, id)
	if err != nil {
		return Preset{}, fmt.Errorf("listing preset regex rules: %w", err)
	}
	p.Regex = regex

	return p, nil
}

// --- regex rules ---

const regexColumns = "id, name, pattern, replacement, phase, scope, account_id, preset_id, enabled, sort_order"

func scanRegexRule(row pgx.Row) (RegexRule, error) {
	var rr RegexRule
	err := row.Scan(&rr.ID, &rr.Name, &rr.Pattern, &rr.Replacement, &rr.Phase, &rr.Scope, &rr.AccountID, &rr.PresetID, &rr.Enabled, &rr.SortOrder)
	return rr, err
}

func (s *PostgresStore) CreateRegexRule(ctx context.Context, rule RegexRule) (RegexRule, error) {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO regex_rules (id, name, pattern, replacement, phase, scope, account_id, preset_id, enabled, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+regexColumns,
		rule.ID, rule.Name, rule.Pattern, rule.Replacement, rule.Phase, rule.Scope, rule.AccountID, rule.PresetID, rule.Enabled, rule.SortOrder,
	)
	out, err := scanRegexRule(row)
	if err != nil {
		return RegexRule{}, fmt.Errorf("creating regex rule: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) listRegexByScope(ctx context.Context, scope RegexScope, ownerID uuid.UUID) ([]RegexRule, error) {
	col := "account_id"
	if scope == ScopePreset {
		col = "preset_id"
	}
	rows, err := s.pool.Query(ctx, `SELECT `+regexColumns+` FROM regex_rules WHERE scope = $1 AND `+col+` = $2 AND enabled ORDER BY sort_order, id`, scope, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RegexRule
	for rows.Next() {
		rr, err := scanRegexRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRegexRules(ctx context.Context, scope RegexScope, ownerID uuid.UUID) ([]RegexRule, error) {
	return s.listRegexByScope(ctx, scope, ownerID)
}

func (s *PostgresStore) ListAccountRegex(ctx context.Context, accountID uuid.UUID) ([]RegexRule, error) {
	return s.listRegexByScope(ctx, ScopeAccount, accountID)
}

func (s *PostgresStore) DeleteRegexRule(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM regex_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting regex rule: %w", err)
	}
	return nil
}

// --- logs ---

const logColumns = "id, tenant_key_id, model, status_code, status, total_latency_secs, ttft_secs, is_stream, input_tokens, output_tokens, tokens_estimated, created_at"

func scanLogEntry(row pgx.Row) (LogEntry, error) {
	var e LogEntry
	err := row.Scan(&e.ID, &e.TenantKeyID, &e.Model, &e.StatusCode, &e.Status, &e.TotalLatencySecs, &e.TTFTSecs, &e.IsStream, &e.InputTokens, &e.OutputTokens, &e.TokensEstimated, &e.CreatedAt)
	return e, err
}

func (s *PostgresStore) AppendLog(ctx context.Context, e LogEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO logs (id, tenant_key_id, model, status_code, status, total_latency_secs, ttft_secs, is_stream, input_tokens, output_tokens, tokens_estimated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.TenantKeyID, e.Model, e.StatusCode, e.Status, e.TotalLatencySecs, e.TTFTSecs, e.IsStream, e.InputTokens, e.OutputTokens, e.TokensEstimated, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending log: %w", err)
	}
	return nil
}

// AppendLogBatch is exercised by pkg/logrecorder's batched flush. It is not
// part of the Store interface (only LogRecorder uses it) since batching is
// an implementation detail of the async writer, not a contract the
// orchestrator depends on.
func (s *PostgresStore) AppendLogBatch(ctx context.Context, entries []LogEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO logs (id, tenant_key_id, model, status_code, status, total_latency_secs, ttft_secs, is_stream, input_tokens, output_tokens, tokens_estimated, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, e.ID, e.TenantKeyID, e.Model, e.StatusCode, e.Status, e.TotalLatencySecs, e.TTFTSecs, e.IsStream, e.InputTokens, e.OutputTokens, e.TokensEstimated, e.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("appending log batch: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, limit, offset int) ([]LogEntry, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM logs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting logs: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+logColumns+` FROM logs ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning log: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
