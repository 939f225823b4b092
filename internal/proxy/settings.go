package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/uwcirg/fhirgate/internal/config"
)

// SettingsHandler exposes the read-only configuration views: the SMART
// discovery document and the redacted settings listing.
type SettingsHandler struct {
	cfg config.Config
}

// NewSettingsHandler builds the handler over the loaded snapshot.
func NewSettingsHandler(cfg config.Config) *SettingsHandler {
	return &SettingsHandler{cfg: cfg}
}

// SmartConfiguration serves the SMART on FHIR discovery document from the
// configured OIDC endpoints.
func (h *SettingsHandler) SmartConfiguration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"message": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authorization_endpoint": h.cfg.OIDC.AuthorizeURL,
		"token_endpoint":         h.cfg.OIDC.TokenURI,
		"introspection_endpoint": h.cfg.OIDC.IntrospectionURI,
	})
}

// Settings serves the full redacted configuration or a single key. Keys whose
// uppercase form contains SECRET or KEY are rejected with 400.
func (h *SettingsHandler) Settings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"message": "method not allowed"})
		return
	}

	key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/settings"), "/")
	if key == "" {
		writeJSON(w, http.StatusOK, h.cfg.SettingsView())
		return
	}

	upper := strings.ToUpper(key)
	if config.SettingsKeyRedacted(upper) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message": fmt.Sprintf("Configuration key %s not available", upper),
		})
		return
	}
	value, _ := h.cfg.SettingsValue(upper)
	writeJSON(w, http.StatusOK, map[string]any{upper: value})
}
