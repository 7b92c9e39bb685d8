package auth

import (
	"encoding/json"
	"net/http"
)

// TokenPath is the canonical token endpoint path. LegacyTokenPath is the
// alias served for clients configured against the /api prefix.
const (
	TokenPath       = "/oauth2/token"
	LegacyTokenPath = "/api/oauth2/token"
)

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	AccessTokenTTLSeconds             int      `json:"access_token_ttl_seconds"`
}

// HandleServerMetadata returns the /.well-known/oauth-authorization-server handler.
func HandleServerMetadata(serverURL string, store *Store) http.HandlerFunc {
	meta := ServerMetadata{
		Issuer:                            serverURL,
		TokenEndpoint:                     serverURL + TokenPath,
		GrantTypesSupported:               []string{"password", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		AccessTokenTTLSeconds:             int(store.TTL().Seconds()),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(meta)
	}
}
