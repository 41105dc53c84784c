package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"accounts-service/internal/models"
	"accounts-service/internal/service"
	"accounts-service/internal/session"
)

type ctxKey struct{}

// UserHandler serves the signed-in user's session, profile and linked
// accounts.
type UserHandler struct {
	users   *service.UserService
	cookies *session.CookieWriter
	logger  *zap.Logger
}

func NewUserHandler(users *service.UserService, cookies *session.CookieWriter, logger *zap.Logger) *UserHandler {
	return &UserHandler{users: users, cookies: cookies, logger: logger}
}

type sessionUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type sessionResponse struct {
	User sessionUser `json:"user"`
}

type updateProfileRequest struct {
	Name string `json:"name"`
}

type unlinkRequest struct {
	Provider string `json:"provider"`
}

type linkedAccount struct {
	Provider          string `json:"provider"`
	Type              string `json:"type"`
	ProviderAccountID string `json:"providerAccountId"`
	CreatedAt         string `json:"createdAt"`
}

type accountsResponse struct {
	Accounts []linkedAccount `json:"accounts"`
}

func (h *UserHandler) RegisterRoutes(router chi.Router) {
	router.Group(func(r chi.Router) {
		r.Use(h.RequireSession)

		r.Get("/session", h.GetSession)
		r.Patch("/user/profile", h.UpdateProfile)
		r.Post("/user/unlink", h.Unlink)
		r.Get("/user/accounts", h.ListAccounts)
	})
}

// RequireSession resolves the session cookie to a user or answers 401.
func (h *UserHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.users.Authenticate(r.Context(), h.cookies.Token(r))
		if err != nil {
			respondWithError(h.logger, w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func currentUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(ctxKey{}).(*models.User)
	return user
}

func (h *UserHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	respondWithJSON(h.logger, w, http.StatusOK, sessionResponse{User: sessionUser{
		ID:    u.ID,
		Name:  u.Name,
		Image: u.Image,
		Phone: u.Phone,
		Email: u.Email,
	}})
}

func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(h.logger, w, r, err)
		return
	}

	if err := h.users.UpdateDisplayName(r.Context(), currentUser(r).ID, req.Name); err != nil {
		respondWithError(h.logger, w, r, err)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse{Success: true})
}

func (h *UserHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	var req unlinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(h.logger, w, r, err)
		return
	}

	if err := h.users.Unlink(r.Context(), currentUser(r).ID, req.Provider); err != nil {
		respondWithError(h.logger, w, r, err)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse{Success: true})
}

func (h *UserHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.users.Accounts(r.Context(), currentUser(r).ID)
	if err != nil {
		respondWithError(h.logger, w, r, err)
		return
	}

	out := accountsResponse{Accounts: make([]linkedAccount, 0, len(accounts))}
	for _, a := range accounts {
		out.Accounts = append(out.Accounts, linkedAccount{
			Provider:          a.Provider,
			Type:              a.Type,
			ProviderAccountID: a.ProviderAccountID,
			CreatedAt:         a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	respondWithJSON(h.logger, w, http.StatusOK, out)
}
