package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity-go/internal/token"
)

// TokenVerifier validates bearer access tokens.
type TokenVerifier interface {
	Verify(raw string) (*token.Claims, error)
}

// Handler exposes the lifecycle operations over HTTP.
type Handler struct {
	svc       *Service
	verifier  TokenVerifier
	adminRole string
	logger    *zap.SugaredLogger
}

func NewHandler(svc *Service, verifier TokenVerifier, adminRole string, logger *zap.SugaredLogger) *Handler {
	if adminRole == "" {
		adminRole = "ROLE_ADMIN"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{svc: svc, verifier: verifier, adminRole: adminRole, logger: logger}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Kind              Kind   `json:"kind"`
	Message           string `json:"message"`
	RemainingMinutes  int    `json:"remainingMinutes,omitempty"`
	RemainingAttempts int    `json:"remainingAttempts,omitempty"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) VerifyOtp(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Activate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ResendOtp(w http.ResponseWriter, r *http.Request) {
	var req ResendOtpRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.ResendOtp(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Login(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Refresh(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// Logout requires a bearer token; it revokes the caller's refresh tokens.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Kind: KindInvalidCredentials, Message: "Authentication required"})
		return
	}
	res, err := h.svc.Logout(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFrom(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Kind: KindInvalidCredentials, Message: "Authentication required"})
		return
	}
	res, err := h.svc.Profile(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.Unlock(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type ctxKey struct{}

func identityFrom(ctx context.Context) (int64, bool) {
	c, ok := ctx.Value(ctxKey{}).(*token.Claims)
	if !ok {
		return 0, false
	}
	id, err := c.IdentityID()
	return id, err == nil
}

// RequireAuth rejects requests without a valid bearer access token.
func (h *Handler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Kind: KindInvalidCredentials, Message: "Authentication required"})
			return
		}
		claims, err := h.verifier.Verify(raw)
		if err != nil {
			h.logger.Debugw("bearer rejected", "err", err)
			h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Kind: KindInvalidCredentials, Message: "Invalid or expired access token"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
	}
}

// RequireAdmin is RequireAuth plus a role check.
func (h *Handler) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return h.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		c, _ := r.Context().Value(ctxKey{}).(*token.Claims)
		if c == nil || c.Role != h.adminRole {
			h.writeJSON(w, http.StatusForbidden, ErrorResponse{Kind: KindForbidden, Message: "Insufficient privileges"})
			return
		}
		next(w, r)
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		h.logger.Debugw("invalid payload", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Kind: KindValidation, Message: "invalid payload"})
		return false
	}
	return true
}

// StatusFor maps a failure kind to its HTTP status.
func StatusFor(k Kind) int {
	switch k {
	case KindValidation, KindInvalidOtp:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindExpired:
		return http.StatusGone
	case KindAccountLocked:
		return http.StatusLocked
	case KindNotVerified, KindAccountDisabled, KindForbidden:
		return http.StatusForbidden
	case KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var le *Error
	if !errors.As(err, &le) {
		h.logger.Errorw("unexpected error", "path", r.URL.Path, "err", err)
		h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Kind: KindConfiguration, Message: "internal error"})
		return
	}
	status := StatusFor(le.Kind)
	if status >= http.StatusInternalServerError {
		h.logger.Warnw("request failed", "path", r.URL.Path, "kind", le.Kind, "err", le)
	} else {
		h.logger.Debugw("request rejected", "path", r.URL.Path, "kind", le.Kind, "message", le.Message)
	}
	h.writeJSON(w, status, ErrorResponse{
		Kind:              le.Kind,
		Message:           le.Message,
		RemainingMinutes:  le.RemainingMinutes,
		RemainingAttempts: le.RemainingAttempts,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
