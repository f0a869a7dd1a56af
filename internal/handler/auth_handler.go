package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"authsession-service/internal/service"
	"authsession-service/internal/util"
)

// AuthHandler handles HTTP requests for authentication and session operations
type AuthHandler struct {
	auth   *service.AuthService
	logger *zap.Logger
}

func NewAuthHandler(auth *service.AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type mfaVerifyRequest struct {
	PendingToken string `json:"pending_token"`
	Code         string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword     string `json:"current_password"`
	NewPassword         string `json:"new_password"`
	RevokeOtherSessions bool   `json:"revoke_other_sessions"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type lockRequest struct {
	Reason string `json:"reason"`
}

// RegisterRoutes registers the public and bearer-protected auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/mfa/verify", h.VerifyMFA)
		r.Post("/refresh", h.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(h.auth))
			r.Get("/me", h.Me)
			r.Post("/logout", h.Logout)
			r.Get("/sessions", h.ListSessions)
			r.Delete("/sessions/{sessionID}", h.RevokeSession)
			r.Post("/sessions/revoke-all", h.RevokeAllSessions)
			r.Post("/password", h.ChangePassword)
			r.Post("/mfa/enroll", h.BeginMFAEnrollment)
			r.Post("/mfa/enroll/confirm", h.ConfirmMFAEnrollment)
			r.Post("/mfa/disable", h.DisableMFA)
			r.Post("/mfa/backup-codes", h.RegenerateBackupCodes)
		})
	})
}

// RegisterAdminRoutes registers identity lock management behind the admin key
func (h *AuthHandler) RegisterAdminRoutes(router chi.Router, adminKey string) {
	router.Route("/admin", func(r chi.Router) {
		r.Use(RequireAdminKey(adminKey))
		r.Post("/identities/{identityID}/lock", h.LockIdentity)
		r.Post("/identities/{identityID}/unlock", h.UnlockIdentity)
	})
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	identity, err := h.auth.Register(r.Context(), req.Email, req.Password, clientMeta(r))
	if err != nil {
		respondWithError(w, err, "Registration failed")
		return
	}
	respondWithJSON(w, http.StatusCreated, successResponse(map[string]string{
		"identity_id": identity.IdentityID,
		"email":       identity.Email,
	}, "Identity registered"))
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	res, err := h.auth.Login(r.Context(), req.Identifier, req.Password, clientMeta(r))
	if err != nil {
		respondWithError(w, err, "Login failed")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(res, string(res.Status)))
	h.logger.Debug("Login handled",
		util.String("status", string(res.Status)),
		util.Duration("duration", time.Since(start)))
}

func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	res, err := h.auth.VerifyMFA(r.Context(), req.PendingToken, req.Code, clientMeta(r))
	if err != nil {
		respondWithError(w, err, "MFA verification failed")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(res, string(res.Status)))
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken, clientMeta(r))
	if err != nil {
		respondWithError(w, err, "Refresh failed")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(pair, "Tokens refreshed"))
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	respondWithJSON(w, http.StatusOK, successResponse(map[string]any{
		"identity_id": p.IdentityID,
		"session_id":  p.SessionID,
		"scopes":      p.Scopes,
	}, ""))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), principalFrom(r.Context()), clientMeta(r)); err != nil {
		respondWithError(w, err, "Logout failed")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	sessions, err := h.auth.ListSessions(r.Context(), p.IdentityID, p.SessionID)
	if err != nil {
		respondWithError(w, err, "Failed to list sessions")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(sessions, ""))
}

func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := h.auth.RevokeSession(r.Context(), p.IdentityID, chi.URLParam(r, "sessionID")); err != nil {
		respondWithError(w, err, "Failed to revoke session")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Session revoked"))
}

func (h *AuthHandler) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	n, err := h.auth.RevokeAllSessions(r.Context(), p.IdentityID)
	if err != nil {
		respondWithError(w, err, "Failed to revoke sessions")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"revoked": n}, "Sessions revoked"))
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	p := principalFrom(r.Context())
	if err := h.auth.ChangePassword(r.Context(), p, req.CurrentPassword, req.NewPassword, req.RevokeOtherSessions, clientMeta(r)); err != nil {
		respondWithError(w, err, "Password change failed")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Password changed"))
}

func (h *AuthHandler) BeginMFAEnrollment(w http.ResponseWriter, r *http.Request) {
	enrollment, err := h.auth.BeginMFAEnrollment(r.Context(), principalFrom(r.Context()).IdentityID)
	if err != nil {
		respondWithError(w, err, "MFA enrollment failed")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondWithJSON(w, http.StatusOK, successResponse(enrollment, "Confirm with a code from your authenticator"))
}

func (h *AuthHandler) ConfirmMFAEnrollment(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	codes, err := h.auth.ConfirmMFAEnrollment(r.Context(), principalFrom(r.Context()).IdentityID, req.Code)
	if err != nil {
		respondWithError(w, err, "MFA confirmation failed")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondWithJSON(w, http.StatusOK, successResponse(map[string][]string{"backup_codes": codes}, "MFA enabled"))
}

func (h *AuthHandler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := h.auth.DisableMFA(r.Context(), principalFrom(r.Context()).IdentityID, req.Password, clientMeta(r)); err != nil {
		respondWithError(w, err, "Failed to disable MFA")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "MFA disabled"))
}

func (h *AuthHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	codes, err := h.auth.RegenerateBackupCodes(r.Context(), principalFrom(r.Context()).IdentityID, req.Password, clientMeta(r))
	if err != nil {
		respondWithError(w, err, "Failed to regenerate backup codes")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondWithJSON(w, http.StatusOK, successResponse(map[string][]string{"backup_codes": codes}, "Backup codes regenerated"))
}

func (h *AuthHandler) LockIdentity(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	identityID := chi.URLParam(r, "identityID")
	if err := h.auth.LockIdentity(r.Context(), identityID, req.Reason); err != nil {
		respondWithError(w, err, "Failed to lock identity")
		return
	}
	h.logger.Info("Identity locked via admin API", util.String("identity_id", identityID))
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Identity locked"))
}

func (h *AuthHandler) UnlockIdentity(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "identityID")
	if err := h.auth.UnlockIdentity(r.Context(), identityID); err != nil {
		respondWithError(w, err, "Failed to unlock identity")
		return
	}
	h.logger.Info("Identity unlocked via admin API", util.String("identity_id", identityID))
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Identity unlocked"))
}
