package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	authmw "github.com/MrEthical07/careAuth/middleware"
)

// maxBodyBytes bounds request bodies. Attestation objects are the largest
// payload and stay well under this.
const maxBodyBytes = 64 << 10

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		authmw.WriteError(w, careAuth.ErrValidation)
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		authmw.WriteError(w, careAuth.ErrValidation)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// credentialIDs renders raw credential ids the way WebAuthn clients expect them.
func credentialIDs(ids [][]byte) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, base64.RawURLEncoding.EncodeToString(id))
	}
	return out
}

func parseCredentialID(raw string) ([]byte, bool) {
	id, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(id) == 0 {
		return nil, false
	}
	return id, true
}

type loginResponse struct {
	State      string          `json:"state"`
	SetupToken string          `json:"setup_token,omitempty"`
	AccountRef string          `json:"account_ref,omitempty"`
	Challenge  string          `json:"challenge,omitempty"`
	AllowList  []string        `json:"allow_list,omitempty"`
	Options    json.RawMessage `json:"options,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

func toLoginResponse(res *careAuth.LoginResult) loginResponse {
	return loginResponse{
		State:      res.State.String(),
		SetupToken: res.SetupToken,
		AccountRef: res.AccountRef,
		Challenge:  res.Challenge,
		AllowList:  credentialIDs(res.AllowList),
		Options:    res.Options,
		ExpiresAt:  res.ExpiresAt,
	}
}

type sessionResponse struct {
	SessionToken        string    `json:"session_token,omitempty"`
	PendingProfileToken string    `json:"pending_profile_token,omitempty"`
	AccountID           string    `json:"account_id"`
	Roles               []string  `json:"roles"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func toSessionResponse(a *careAuth.Authenticated) *sessionResponse {
	if a == nil {
		return nil
	}
	roles := make([]string, 0, len(a.Roles))
	for _, r := range a.Roles {
		roles = append(roles, string(r))
	}
	return &sessionResponse{
		SessionToken:        a.SessionToken,
		PendingProfileToken: a.PendingProfileToken,
		AccountID:           a.AccountID,
		Roles:               roles,
		ExpiresAt:           a.ExpiresAt,
	}
}

type passkeyResponse struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Transports []string   `json:"transports,omitempty"`
	Suspect    bool       `json:"suspect,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func toPasskeyResponse(c *careAuth.PasskeyCredential) passkeyResponse {
	out := passkeyResponse{
		ID:         base64.RawURLEncoding.EncodeToString(c.ID),
		Label:      c.Label,
		Transports: c.Transports,
		Suspect:    c.Suspect,
		CreatedAt:  c.CreatedAt,
	}
	if !c.LastUsedAt.IsZero() {
		used := c.LastUsedAt
		out.LastUsedAt = &used
	}
	return out
}
