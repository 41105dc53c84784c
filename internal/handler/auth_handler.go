package handler

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"accounts-service/internal/service"
	"accounts-service/internal/session"
	"accounts-service/internal/util"
)

// AuthHandler serves the phone and WeChat login flows.
type AuthHandler struct {
	auth    *service.AuthService
	cookies *session.CookieWriter
	logger  *zap.Logger
}

func NewAuthHandler(auth *service.AuthService, cookies *session.CookieWriter, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, cookies: cookies, logger: logger}
}

type sendCodeRequest struct {
	Phone string `json:"phone"`
}

type verifyCodeRequest struct {
	Phone    string `json:"phone"`
	Code     string `json:"code"`
	ReturnTo string `json:"returnTo"`
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/phone/send", h.SendCode)
		r.Post("/phone/verify", h.VerifyCode)
		r.Get("/wechat/start", h.WeChatStart)
		r.Get("/wechat/callback", h.WeChatCallback)
		r.Post("/signout", h.SignOut)
	})
}

func (h *AuthHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(h.logger, w, r, err)
		return
	}

	if err := h.auth.SendCode(r.Context(), req.Phone); err != nil {
		respondWithError(h.logger, w, r, err)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, okResponse{OK: true})
}

func (h *AuthHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(h.logger, w, r, err)
		return
	}

	res, err := h.auth.PhoneLogin(r.Context(), req.Phone, req.Code, req.ReturnTo, clientIP(r))
	if err != nil {
		respondWithError(h.logger, w, r, err)
		return
	}

	h.cookies.Set(w, res.Session.Token)
	respondWithJSON(h.logger, w, http.StatusOK, okResponse{OK: true, Redirect: res.Redirect})
}

func (h *AuthHandler) WeChatStart(w http.ResponseWriter, r *http.Request) {
	target, err := h.auth.WeChatAuthURL(r.URL.Query().Get("returnTo"))
	if err != nil {
		respondWithError(h.logger, w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// WeChatCallback always redirects; failures land on the login page with an
// error code.
func (h *AuthHandler) WeChatCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := h.auth.WeChatCallback(r.Context(), q.Get("code"), q.Get("state"), clientIP(r))
	if res.Session != nil {
		h.cookies.Set(w, res.Session.Token)
	} else {
		h.logger.Info("WeChat login failed", util.String("error_code", res.ErrorCode))
	}
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	err := h.auth.SignOut(r.Context(), h.cookies.Token(r), clientIP(r))
	h.cookies.Clear(w)
	if err != nil {
		respondWithError(h.logger, w, r, err)
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, okResponse{OK: true})
}

// clientIP reads the address left by middleware.RealIP.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
