package admin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/novarelay/internal/httpserver"
	"github.com/wisbric/novarelay/pkg/regexpipeline"
	"github.com/wisbric/novarelay/pkg/store"
)

// Handler provides HTTP handlers for the admin API. It talks directly to
// store.Store — the administrative CRUD methods are already the full
// business logic, so a separate Service layer would only forward calls.
type Handler struct {
	store  store.Store
	pepper string
	logger *slog.Logger
}

// NewHandler creates an admin Handler. pepper is used to hash newly issued
// tenant keys the same way gatewayauth's Authenticate path does.
func NewHandler(st store.Store, pepper string, logger *slog.Logger) *Handler {
	return &Handler{store: st, pepper: pepper, logger: logger}
}

// Routes mounts the full admin CRUD surface. The caller is responsible for
// applying Middleware ahead of this router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", h.handleCreateAccount)
		r.Get("/", h.handleListAccounts)
		r.Get("/{accountID}", h.handleGetAccount)

		r.Route("/{accountID}/tenant-keys", func(r chi.Router) {
			r.Post("/", h.handleCreateTenantKey)
			r.Get("/", h.handleListTenantKeys)
		})
		r.Route("/{accountID}/presets", func(r chi.Router) {
			r.Post("/", h.handleCreatePreset)
			r.Get("/", h.handleListPresets)
		})
	})

	r.Route("/tenant-keys/{tenantKeyID}", func(r chi.Router) {
		r.Put("/enabled", h.handleSetTenantKeyEnabled)
		r.Delete("/", h.handleDeleteTenantKey)
	})

	r.Route("/credentials", func(r chi.Router) {
		r.Post("/", h.handleCreateCredential)
		r.Get("/", h.handleListCredentials)
		r.Route("/{credentialID}", func(r chi.Router) {
			r.Put("/enabled", h.handleSetCredentialEnabled)
			r.Delete("/", h.handleDeleteCredential)
		})
	})

	r.Route("/presets/{presetID}", func(r chi.Router) {
		r.Post("/items", h.handleAddPresetItem)
		r.Delete("/", h.handleDeletePreset)
	})

	r.Route("/regex-rules", func(r chi.Router) {
		r.Post("/", h.handleCreateRegexRule)
		r.Get("/", h.handleListRegexRules)
		r.Delete("/{ruleID}", h.handleDeleteRegexRule)
	})

	r.Get("/logs", h.handleListLogs)

	return r
}

// --- Accounts ---

func (h *Handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	acc, err := h.store.CreateAccount(r.Context(), store.Account{Slug: req.Slug, Name: req.Name, Enabled: true})
	if err != nil {
		h.logger.Error("creating account", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create account")
		return
	}
	httpserver.Respond(w, http.StatusCreated, acc)
}

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.ListAccounts(r.Context())
	if err != nil {
		h.logger.Error("listing accounts", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := parseURLUUID(w, r, "accountID")
	if !ok {
		return
	}
	acc, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		respondStoreErr(w, h.logger, "fetching account", err, "account not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, acc)
}

// --- Tenant keys ---

func (h *Handler) handleCreateTenantKey(w http.ResponseWriter, r *http.Request) {
	accountID, ok := parseURLUUID(w, r, "accountID")
	if !ok {
		return
	}
	var req CreateTenantKeyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	var presetID *uuid.UUID
	if req.PresetID != "" {
		id, err := uuid.Parse(req.PresetID)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid preset_id")
			return
		}
		presetID = &id
	}

	rawKey, keyPrefix, err := store.GenerateTenantKey()
	if err != nil {
		h.logger.Error("generating tenant key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to generate tenant key")
		return
	}

	tk, err := h.store.CreateTenantKey(r.Context(), store.TenantKey{
		AccountID:   accountID,
		KeyPrefix:   keyPrefix,
		DisplayName: req.DisplayName,
		Enabled:     true,
		PresetID:    presetID,
		ApplyRegex:  req.ApplyRegex,
	}, store.HashTenantKey(h.pepper, rawKey))
	if err != nil {
		h.logger.Error("creating tenant key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create tenant key")
		return
	}

	httpserver.Respond(w, http.StatusCreated, TenantKeyCreated{
		ID: tk.ID.String(), RawKey: rawKey, KeyPrefix: tk.KeyPrefix, DisplayName: tk.DisplayName,
	})
}

func (h *Handler) handleListTenantKeys(w http.ResponseWriter, r *http.Request) {
	accountID, ok := parseURLUUID(w, r, "accountID")
	if !ok {
		return
	}
	keys, err := h.store.ListTenantKeys(r.Context(), accountID)
	if err != nil {
		h.logger.Error("listing tenant keys", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list tenant keys")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"tenant_keys": keys})
}

func (h *Handler) handleSetTenantKeyEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := parseURLUUID(w, r, "tenantKeyID")
	if !ok {
		return
	}
	var req SetEnabledRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.store.SetTenantKeyEnabled(r.Context(), id, req.Enabled); err != nil {
		respondStoreErr(w, h.logger, "updating tenant key", err, "tenant key not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleDeleteTenantKey(w http.ResponseWriter, r *http.Request) {
	id, ok := parseURLUUID(w, r, "tenantKeyID")
	if !ok {
		return
	}
	if err := h.store.DeleteTenantKey(r.Context(), id); err != nil {
		respondStoreErr(w, h.logger, "deleting tenant key", err, "tenant key not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// --- Upstream credentials ---

func (h *Handler) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req CreateCredentialRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	cred, err := h.store.CreateCredential(r.Context(), store.UpstreamCredential{
		Secret: req.Secret, Enabled: true, LastStatus: string(store.CredentialStatusActive),
	})
	if err != nil {
		h.logger.Error("creating credential", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create credential")
		return
	}
	httpserver.Respond(w, http.StatusCreated, redactCredential(cred))
}

func (h *Handler) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := h.store.ListCredentials(r.Context())
	if err != nil {
		h.logger.Error("listing credentials", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list credentials")
		return
	}
	redacted := make([]redactedCredential, len(creds))
	for i, c := range creds {
		redacted[i] = redactCredential(c)
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"credentials": redacted})
}

func (h *Handler) handleSetCredentialEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := parseURLUUID(w, r, "credentialID")
	if !ok {
		return
	}
	var req SetEnabledRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if err := h.store.SetCredentialEnabled(r.Context(), id, req.Enabled); err != nil {
		respondStoreErr(w, h.logger, "updating credential", err, "credential not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := parseURLUUID(w, r, "credentialID")
	if !ok {
		return
	}
	if err := h.store.DeleteCredential(r.Context(), id); err != nil {
		respondStoreErr(w, h.logger, "deleting credential", err, "credential not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// redactedCredential hides the upstream secret from admin listings; the
// secret is write-only once a credential is created.
type redactedCredential struct {
	ID          uuid.UUID  `json:"id"`
	Enabled     bool       `json:"enabled"`
	TotalUses   int64      `json:"total_uses"`
	TotalErrors int64      `json:"total_errors"`
	TotalTokens int64      `json:"total_tokens"`
	LastStatus  string     `json:"last_status"`
	LastUsedAt  *string    `json:"last_used_at,omitempty"`
}

func redactCredential(c store.UpstreamCredential) redactedCredential {
	rc := redactedCredential{
		ID: c.ID, Enabled: c.Enabled, TotalUses: c.TotalUses,
		TotalErrors: c.TotalErrors, TotalTokens: c.TotalTokens, LastStatus: c.LastStatus,
	}
	if c.LastUsedAt != nil {
		s := c.LastUsedAt.Format("2006-01-02T15:04:05Z07:00")
		rc.LastUsedAt = &s
	}
	return rc
}

// --- Presets ---

func (h *Handler) handleCreatePreset(w http.ResponseWriter, r *http.Request) {
	accountID, ok := parseURLUUID(w, r, "accountID")
	if !ok {
		return
	}
	var req CreatePresetRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	preset, err := h.store.CreatePreset(r.Context(), store.Preset{
		AccountID: accountID, Name: req.Name, Enabled: true, SortOrder: req.SortOrder,
	})
	if err != nil {
		h.logger.Error("creating preset", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create preset")
		return
	}
	httpserver.Respond(w, http.StatusCreated, preset)
}

func (h *Handler) handleListPresets(w http.ResponseWriter, r *http.Request) {
	accountID, ok := parseURLUUID(w, r, "accountID")
	if !ok {
		return
	}
	presets, err := h.store.ListPresets(r.Context(), accountID)
	if err != nil {
		h.logger.Error("listing presets", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list presets")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"presets": presets})
}

func (h *Handler) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	id, ok := parseURLUUID(w, r, "presetID")
	if !ok {
		return
	}
	if err := h.store.DeletePreset(r.Context(), id); err != nil {
		respondStoreErr(w, h.logger, "deleting preset", err, "preset not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleAddPresetItem(w http.ResponseWriter, r *http.Request) {
	presetID, ok := parseURLUUID(w, r, "presetID")
	if !ok {
		return
	}
	var req CreatePresetItemRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	item, err := h.store.AddPresetItem(r.Context(), store.PresetItem{
		PresetID: presetID, Role: store.PresetItemRole(req.Role), Type: store.PresetItemType(req.Type),
		Content: req.Content, Enabled: req.Enabled, SortOrder: req.SortOrder,
	})
	if err != nil {
		h.logger.Error("adding preset item", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to add preset item")
		return
	}
	httpserver.Respond(w, http.StatusCreated, item)
}

// --- Regex rules ---

func (h *Handler) handleCreateRegexRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRegexRuleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid owner_id")
		return
	}

	rule := store.RegexRule{
		Name: req.Name, Pattern: req.Pattern, Replacement: req.Replacement,
		Phase: store.RegexPhase(req.Phase), Scope: store.RegexScope(req.Scope),
		Enabled: req.Enabled, SortOrder: req.SortOrder,
	}
	switch rule.Scope {
	case store.ScopeAccount:
		rule.AccountID = &ownerID
	case store.ScopePreset:
		rule.PresetID = &ownerID
	}

	// Reject uncompilable patterns at write time rather than letting them
	// fail silently on the hot path (spec.md §4.4).
	if _, err := regexpipeline.Compile(rule); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_pattern", err.Error())
		return
	}

	created, err := h.store.CreateRegexRule(r.Context(), rule)
	if err != nil {
		h.logger.Error("creating regex rule", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create regex rule")
		return
	}
	httpserver.Respond(w, http.StatusCreated, created)
}

func (h *Handler) handleListRegexRules(w http.ResponseWriter, r *http.Request) {
	scope := store.RegexScope(r.URL.Query().Get("scope"))
	ownerID, err := uuid.Parse(r.URL.Query().Get("owner_id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "owner_id query parameter required")
		return
	}
	rules, err := h.store.ListRegexRules(r.Context(), scope, ownerID)
	if err != nil {
		h.logger.Error("listing regex rules", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list regex rules")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"regex_rules": rules})
}

func (h *Handler) handleDeleteRegexRule(w http.ResponseWriter, r *http.Request) {
	id, ok := parseURLUUID(w, r, "ruleID")
	if !ok {
		return
	}
	if err := h.store.DeleteRegexRule(r.Context(), id); err != nil {
		respondStoreErr(w, h.logger, "deleting regex rule", err, "regex rule not found")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

// --- Logs ---

func (h *Handler) handleListLogs(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	logs, total, err := h.store.ListLogs(r.Context(), params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing logs", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list logs")
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(logs, params, total))
}

// --- helpers ---

func parseURLUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid "+param)
		return uuid.UUID{}, false
	}
	return id, true
}

func respondStoreErr(w http.ResponseWriter, logger *slog.Logger, action string, err error, notFoundMsg string) {
	if errors.Is(err, store.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", notFoundMsg)
		return
	}
	logger.Error(action, "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", action+" failed")
}
