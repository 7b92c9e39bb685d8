package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	apperrors "github.com/alexjbarnes/veeam-token-mock/internal/errors"
)

// maxTokenRequestBytes caps the token request body.
const maxTokenRequestBytes = 64 * 1024

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// HandleToken returns the /oauth2/token handler.
func HandleToken(proc *GrantProcessor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxTokenRequestBytes)

		// Support both JSON and form-encoded bodies.
		var req tokenRequest
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "application/json" {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
				return
			}
		} else {
			if err := r.ParseForm(); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
				return
			}
			req = tokenRequest{
				GrantType:    r.PostFormValue("grant_type"),
				Username:     r.PostFormValue("username"),
				Password:     r.PostFormValue("password"),
				RefreshToken: r.PostFormValue("refresh_token"),
			}
		}

		rec, err := proc.Process(r.Context(), GrantRequest{
			GrantType:    req.GrantType,
			Username:     req.Username,
			Password:     req.Password,
			RefreshToken: req.RefreshToken,
		})
		if err != nil {
			status, code := errorCode(err)
			logger.Debug("token: grant rejected",
				slog.String("grant_type", req.GrantType),
				slog.String("error", code),
				slog.String("ip", remoteIP(r)),
			)
			writeJSONError(w, status, code, err.Error())
			return
		}

		resp := tokenResponse{
			AccessToken:  rec.AccessToken,
			RefreshToken: rec.RefreshToken,
			TokenType:    "bearer",
			ExpiresIn:    int(rec.AccessTTL.Seconds()),
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// errorCode maps a grant error to its HTTP status and OAuth2 error code.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_client"
	case errors.Is(err, apperrors.ErrInvalidGrant):
		return http.StatusBadRequest, "invalid_grant"
	case errors.Is(err, apperrors.ErrUnsupportedGrantType):
		return http.StatusBadRequest, "unsupported_grant_type"
	default:
		return http.StatusBadRequest, "invalid_request"
	}
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
