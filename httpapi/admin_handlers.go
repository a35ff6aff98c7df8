package httpapi

import (
	"net/http"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	authmw "github.com/MrEthical07/careAuth/middleware"
	"github.com/go-chi/chi/v5"
)

type invitationRequest struct {
	Email     string   `json:"email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Phone     string   `json:"phone,omitempty"`
	Role      string   `json:"role"`
	HomeIDs   []string `json:"home_ids,omitempty"`
}

type invitationResponse struct {
	AccountID string    `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// createInvitation never returns the token; it reaches the invitee through
// the notifier only.
func (h *handler) createInvitation(w http.ResponseWriter, r *http.Request) {
	var req invitationRequest
	if !decode(w, r, &req) {
		return
	}
	token, _ := authmw.TokenFromContext(r.Context())
	res, err := h.engine.CreateInvitation(r.Context(), token, careAuth.Invitation{
		Email: req.Email,
		Profile: careAuth.Profile{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Phone:     req.Phone,
		},
		Role:    req.Role,
		HomeIDs: req.HomeIDs,
	})
	if err != nil {
		authmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, invitationResponse{AccountID: res.AccountID, ExpiresAt: res.ExpiresAt})
}

type mfaResetRequest struct {
	TargetAccountID    string `json:"target_account_id"`
	Reason             string `json:"reason"`
	VerificationMethod string `json:"verification_method"`
	Notes              string `json:"notes"`
}

type mfaResetResponse struct {
	PasskeysRemoved int `json:"passkeys_removed"`
}

func (h *handler) resetMfa(w http.ResponseWriter, r *http.Request) {
	var req mfaResetRequest
	if !decode(w, r, &req) {
		return
	}
	token, _ := authmw.TokenFromContext(r.Context())
	res, err := h.engine.ResetMfa(r.Context(), token, careAuth.ResetMfaRequest{
		TargetAccountID:    req.TargetAccountID,
		Reason:             req.Reason,
		VerificationMethod: req.VerificationMethod,
		Notes:              req.Notes,
	})
	if err != nil {
		authmw.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mfaResetResponse{PasskeysRemoved: res.PasskeysRemoved})
}

type activeRequest struct {
	Active bool `json:"active"`
}

func (h *handler) setAccountActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !decode(w, r, &req) {
		return
	}
	token, _ := authmw.TokenFromContext(r.Context())
	if err := h.engine.SetAccountActive(r.Context(), token, chi.URLParam(r, "id"), req.Active); err != nil {
		authmw.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type homeAssignmentResponse struct {
	HomeID        string     `json:"home_id"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

func (h *handler) homeAssignments(w http.ResponseWriter, r *http.Request) {
	token, _ := authmw.TokenFromContext(r.Context())
	homes, err := h.engine.HomeAssignments(r.Context(), token, chi.URLParam(r, "id"))
	if err != nil {
		authmw.WriteError(w, err)
		return
	}
	out := make([]homeAssignmentResponse, 0, len(homes))
	for _, a := range homes {
		out = append(out, homeAssignmentResponse{
			HomeID:        a.HomeID,
			Active:        a.Active,
			CreatedAt:     a.CreatedAt,
			DeactivatedAt: a.DeactivatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) assignHome(w http.ResponseWriter, r *http.Request) {
	token, _ := authmw.TokenFromContext(r.Context())
	if err := h.engine.AssignHome(r.Context(), token, chi.URLParam(r, "id"), chi.URLParam(r, "home")); err != nil {
		authmw.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) deactivateHome(w http.ResponseWriter, r *http.Request) {
	token, _ := authmw.TokenFromContext(r.Context())
	if err := h.engine.DeactivateHomeAssignment(r.Context(), token, chi.URLParam(r, "id"), chi.URLParam(r, "home")); err != nil {
		authmw.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
