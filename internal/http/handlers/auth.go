package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/geocoder89/pgebus/internal/auth"
	"github.com/geocoder89/pgebus/internal/config"
	"github.com/geocoder89/pgebus/internal/domain/user"
	"github.com/geocoder89/pgebus/internal/repo/postgres"
	"github.com/geocoder89/pgebus/internal/security"
	"github.com/gin-gonic/gin"
)

type UserReader interface {
	GetByEmail(ctx context.Context, email string) (user.User, error)
}

type UserWriter interface {
	Create(ctx context.Context, email, passwordHash, name, role string) (user.User, error)
}

// AuthHandler implements signup/login plus refresh-token rotation: the
// refresh token lives in an HttpOnly cookie scoped to /auth, its HMAC
// hash lives in the refresh_tokens table, and every refresh revokes the
// presented token and issues a successor.
type AuthHandler struct {
	users        UserReader
	userWriter   UserWriter
	jwt          *auth.Manager
	refreshStore *postgres.RefreshTokensRepo
	cfg          config.Config
}

func NewAuthHandler(users UserReader, userWriter UserWriter, jwtManager *auth.Manager, refreshStore *postgres.RefreshTokensRepo, cfg config.Config) *AuthHandler {
	return &AuthHandler{
		users:        users,
		userWriter:   userWriter,
		jwt:          jwtManager,
		refreshStore: refreshStore,
		cfg:          cfg,
	}
}

type SignUpRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Name     string `json:"name" binding:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *AuthHandler) SignUp(ctx *gin.Context) {
	var req SignUpRequest
	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	hash, err := security.HashPassword(req.Password)
	if err != nil {
		RespondInternal(ctx, "Could not create user")
		return
	}

	u, err := h.userWriter.Create(cctx, req.Email, hash, req.Name, "user")
	if err != nil {
		if errors.Is(err, postgres.ErrEmailAlreadyUsed) {
			RespondBadRequest(ctx, "email_taken", "Email is already in use.")
			return
		}
		RespondInternal(ctx, "Could not create user")
		return
	}

	h.issueSession(ctx, cctx, u, http.StatusCreated)
}

func (h *AuthHandler) Login(ctx *gin.Context) {
	var req LoginRequest
	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := config.WithTimeout(2 * time.Second)
	defer cancel()

	u, err := h.users.GetByEmail(cctx, req.Email)
	if err != nil {
		RespondUnAuthorized(ctx, "invalid_credentials", "Email or password is incorrect.")
		return
	}

	if err := security.CheckPassword(u.PasswordHash, req.Password); err != nil {
		RespondUnAuthorized(ctx, "invalid_credentials", "Email or password is incorrect.")
		return
	}

	h.issueSession(ctx, cctx, u, http.StatusOK)
}

// issueSession mints the access/refresh pair for u, persists the
// refresh row, sets the cookie, and writes the JSON response.
func (h *AuthHandler) issueSession(ctx *gin.Context, cctx context.Context, u user.User, status int) {
	accessToken, err := h.jwt.GenerateAccessToken(u.ID, u.Email, u.Role)
	if err != nil {
		RespondInternal(ctx, "Could not generate access token")
		return
	}

	rawRefresh, jti, expiresAt, err := h.jwt.GenerateRefreshToken(u.ID, u.Email, u.Role)
	if err != nil {
		RespondInternal(ctx, "Could not generate refresh token")
		return
	}

	if err := h.storeRefreshToken(cctx, u.ID, jti, rawRefresh, expiresAt); err != nil {
		RespondInternal(ctx, "Could not create session")
		return
	}

	h.setRefreshCookie(ctx, rawRefresh, expiresAt)
	ctx.JSON(status, gin.H{"accessToken": accessToken})
}

// Refresh rotates the presented refresh token under a row lock: revoke
// the old row (linking it forward), insert the successor, commit, then
// hand back a fresh access token. A replayed old token fails the
// revoked-at check and is rejected.
func (h *AuthHandler) Refresh(ctx *gin.Context) {
	raw, err := ctx.Cookie(refreshCookieName)
	if err != nil || raw == "" {
		RespondUnAuthorized(ctx, "no_refresh", "Missing refresh token")
		return
	}

	claims, err := h.jwt.VerifyRefreshToken(raw)
	if err != nil {
		RespondUnAuthorized(ctx, "invalid_refresh", "Invalid refresh token")
		return
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	tx, err := h.refreshStore.BeginTx(cctx)
	if err != nil {
		RespondInternal(ctx, "Could not refresh session")
		return
	}
	defer func() { _ = tx.Rollback(cctx) }()

	row, err := h.refreshStore.GetForUpdate(cctx, tx, claims.JTI)
	if err != nil {
		RespondUnAuthorized(ctx, "invalid_refresh", "Invalid refresh token")
		return
	}

	if row.RevokedAt != nil {
		RespondUnAuthorized(ctx, "invalid_refresh", "Invalid refresh token")
		return
	}
	if time.Now().UTC().After(row.ExpiresAt) {
		RespondUnAuthorized(ctx, "expired_refresh", "Refresh token expired.")
		return
	}

	// The stored hash must match the presented token, not just the jti;
	// a forged token with a known jti fails here.
	if row.TokenHash != h.jwt.HashRefreshToken(raw) {
		RespondUnAuthorized(ctx, "invalid_refresh", "Invalid refresh token.")
		return
	}

	newRaw, newJTI, newExpiresAt, err := h.jwt.GenerateRefreshToken(row.UserID, claims.Email, claims.Role)
	if err != nil {
		RespondInternal(ctx, "Could not refresh session")
		return
	}

	if err := h.refreshStore.Revoke(cctx, tx, row.ID, &newJTI); err != nil {
		RespondInternal(ctx, "Could not refresh session")
		return
	}

	err = h.refreshStore.Create(cctx, tx, postgres.RefreshTokenRow{
		ID:        newJTI,
		UserID:    row.UserID,
		TokenHash: h.jwt.HashRefreshToken(newRaw),
		ExpiresAt: newExpiresAt,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Default().ErrorContext(cctx, "auth.refresh.create_failed", "err", err)
		RespondInternal(ctx, "Could not refresh session")
		return
	}

	if err := tx.Commit(cctx); err != nil {
		slog.Default().ErrorContext(cctx, "auth.refresh.commit_failed", "err", err)
		RespondInternal(ctx, "Could not refresh session")
		return
	}

	accessToken, err := h.jwt.GenerateAccessToken(row.UserID, claims.Email, claims.Role)
	if err != nil {
		RespondInternal(ctx, "Could not generate access token")
		return
	}

	h.setRefreshCookie(ctx, newRaw, newExpiresAt)
	ctx.JSON(http.StatusOK, gin.H{"accessToken": accessToken})
}

// Logout revokes the presented refresh token (best effort) and clears
// the cookie. It always returns 204: an invalid or missing token still
// ends the browser session.
func (h *AuthHandler) Logout(ctx *gin.Context) {
	defer func() {
		h.clearRefreshCookie(ctx)
		ctx.Status(http.StatusNoContent)
	}()

	raw, err := ctx.Cookie(refreshCookieName)
	if err != nil || raw == "" {
		return
	}

	claims, err := h.jwt.VerifyRefreshToken(raw)
	if err != nil {
		return
	}

	cctx, cancel := config.WithTimeout(3 * time.Second)
	defer cancel()

	tx, err := h.refreshStore.BeginTx(cctx)
	if err != nil {
		return
	}
	defer func() { _ = tx.Rollback(cctx) }()

	_ = h.refreshStore.Revoke(cctx, tx, claims.JTI, nil)
	_ = tx.Commit(cctx)
}

func (h *AuthHandler) storeRefreshToken(ctx context.Context, userID, jti, raw string, expiresAt time.Time) error {
	tx, err := h.refreshStore.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = h.refreshStore.Create(ctx, tx, postgres.RefreshTokenRow{
		ID:        jti,
		UserID:    userID,
		TokenHash: h.jwt.HashRefreshToken(raw),
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

const refreshCookieName = "refresh_token"

func (h *AuthHandler) setRefreshCookie(ctx *gin.Context, raw string, expiresAt time.Time) {
	secure := h.cfg.Env == "prod"

	ctx.SetSameSite(http.SameSiteStrictMode)
	ctx.SetCookie(
		refreshCookieName,
		raw,
		int(time.Until(expiresAt).Seconds()),
		"/auth",
		"",
		secure,
		true, // HttpOnly
	)
}

func (h *AuthHandler) clearRefreshCookie(ctx *gin.Context) {
	secure := h.cfg.Env == "prod"

	ctx.SetSameSite(http.SameSiteStrictMode)
	ctx.SetCookie(refreshCookieName, "", -1, "/auth", "", secure, true)
}
