package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	authmw "github.com/MrEthical07/careAuth/middleware"
	"github.com/go-chi/chi/v5"
)

type handler struct {
	engine *careAuth.Engine
	logger *slog.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		authmw.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *handler) submitCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.SubmitCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		authmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoginResponse(res))
}

type challengeRequest struct {
	AccountRef string          `json:"account_ref"`
	Response   json.RawMessage `json:"response"`
}

func (h *handler) completeChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if !decode(w, r, &req) {
		return
	}
	auth, err := h.engine.CompleteChallenge(r.Context(), req.AccountRef, req.Response)
	if err != nil {
		authmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(auth))
}

func (h *handler) beginPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.BeginPasskeyLogin(r.Context())
	if err != nil {
		authmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoginResponse(res))
}

type backupCodeRequest struct {
	AccountRef string `json:"account_ref"`
	Code       string `json:"code"`
}

type resetGrantedResponse struct {
	SetupToken string    `json:"setup_token"`
	Remaining  int       `json:"remaining"`
	Exhausted  bool      `json:"exhausted"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (h *handler) verifyBackupCode(w http.ResponseWriter, r *http.Request) {
	var req backupCodeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.VerifyBackupCode(r.Context(), req.AccountRef, req.Code)
	if err != nil {
		authmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resetGrantedResponse{
		SetupToken: res.SetupToken,
		Remaining:  res.Remaining,
		Exhausted:  res.Exhausted,
		ExpiresAt:  res.ExpiresAt,
	})
}

type setupBeginRequest struct {
	SetupToken string `json:"setup_token,omitempty"`
	Label      string `json:"label,omitempty"`
}

type setupBeginResponse struct {
	SessionID   string          `json:"session_id"`
	Challenge   string          `json:"challenge"`
	ExcludeList []string        `json:"exclude_list,omitempty"`
	Options     json.RawMessage `json:"options,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// beginPasskeySetup accepts a setup token in the body, or a bearer session to
// enroll an additional passkey.
func (h *handler) beginPasskeySetup(w http.ResponseWriter, r *http.Request) {
	var req setupBeginRequest
	if !decode(w, r, &req) {
		return
	}

	var (
		setup *careAuth.PasskeySetup
		err   error
	)
	if req.SetupToken != "" {
		setup, err = h.engine.BeginPasskeySetup(r.Context(), req.SetupToken, req.Label)
	} else {
		token, ok := authmw.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			authmw.WriteError(w, careAuth.ErrUnauthenticated)
			return
		}
		setup, err = h.engine.BeginPasskeyEnrollment(r.Context(), token, req.Label)
	}
	if err != nil {
		authmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setupBeginResponse{
		SessionID:   setup.SessionID,
		Challenge:   setup.Challenge,
		ExcludeList: credentialIDs(setup.ExcludeList),
		Options:     setup.Options,
		ExpiresAt:   setup.ExpiresAt,
	})
}

type setupCompleteRequest struct {
	SessionID string          `json:"session_id"`
	Response  json.RawMessage `json:"response"`
	Label     string          `json:"label,omitempty"`
}

type setupCompleteResponse struct {
	Passkey         *passkeyResponse `json:"passkey,omitempty"`
	OnboardingToken string           `json:"onboarding_token,omitempty"`
	Session         *sessionResponse `json:"session,omitempty"`
}

func (h *handler) completePasskeySetup(w http.ResponseWriter, r *http.Request) {
	var req setupCompleteRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.engine.CompletePasskeySetup(r.Context(), req.SessionID, req.Response, req.Label)
	if err != nil {
		authmw.WriteError(w, err)
		return
	}

	out := setupCompleteResponse{
		OnboardingToken: res.OnboardingToken,
		Session:         toSessionResponse(res.Session),
	}
	if res.Credential != nil {
		pk := toPasskeyResponse(res.Credential)
		out.Passkey = &pk
	}
	writeJSON(w, http.StatusCreated, out)
}

type acceptInvitationRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type mfaSetupResponse struct {
	AccountID   string    `json:"account_id"`
	SetupToken  string    `json:"setup_token"`
	BackupCodes []string  `json:"backup_codes,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (h *handler) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req acceptInvitationRequest
	if !decode(w, r, &req) {
		return
	}
	info, err := h.engine.AcceptInvitation(r.Context(), req.Token, req.Password)
	if err != nil {
		authmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mfaSetupResponse{
		AccountID:   info.AccountID,
		SetupToken:  info.SetupToken,
		BackupCodes: info.BackupCodes,
		ExpiresAt:   info.ExpiresAt,
	})
}

type confirmMfaRequest struct {
	OnboardingToken  string `json:"onboarding_token"`
	BackupCodesSaved bool   `json:"backup_codes_saved"`
}

func (h *handler) confirmMfaSetup(w http.ResponseWriter, r *http.Request) {
	var req confirmMfaRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.ConfirmMfaSetup(r.Context(), req.OnboardingToken, req.BackupCodesSaved); err != nil {
		authmw.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type profileRequest struct {
	OnboardingToken string `json:"onboarding_token"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Phone           string `json:"phone,omitempty"`
}

func (h *handler) completeProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decode(w, r, &req) {
		return
	}
	auth, err := h.engine.CompleteProfile(r.Context(), req.OnboardingToken, careAuth.Profile{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		authmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(auth))
}

func (h *handler) listPasskeys(w http.ResponseWriter, r *http.Request) {
	token, _ := authmw.TokenFromContext(r.Context())
	creds, err := h.engine.ListPasskeys(r.Context(), token)
	if err != nil {
		authmw.WriteError(w, err)
		return
	}
	out := make([]passkeyResponse, 0, len(creds))
	for i := range creds {
		out = append(out, toPasskeyResponse(&creds[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

type renameRequest struct {
	Label string `json:"label"`
}

func (h *handler) renamePasskey(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCredentialID(chi.URLParam(r, "id"))
	if !ok {
		authmw.WriteError(w, careAuth.ErrPasskeyNotFound)
		return
	}
	var req renameRequest
	if !decode(w, r, &req) {
		return
	}
	token, _ := authmw.TokenFromContext(r.Context())
	if err := h.engine.RenamePasskey(r.Context(), token, id, req.Label); err != nil {
		authmw.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) deletePasskey(w http.ResponseWriter, r *http.Request) {
	id, ok := parseCredentialID(chi.URLParam(r, "id"))
	if !ok {
		authmw.WriteError(w, careAuth.ErrPasskeyNotFound)
		return
	}
	token, _ := authmw.TokenFromContext(r.Context())
	if err := h.engine.DeletePasskey(r.Context(), token, id); err != nil {
		authmw.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type backupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

func (h *handler) regenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	token, _ := authmw.TokenFromContext(r.Context())
	codes, err := h.engine.RegenerateBackupCodes(r.Context(), token)
	if err != nil {
		authmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backupCodesResponse{BackupCodes: codes})
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	token, _ := authmw.TokenFromContext(r.Context())
	if err := h.engine.Logout(r.Context(), token); err != nil {
		authmw.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
