package api

import (
	"net/http"

	"ciphertoken/pkg/domain"
	"ciphertoken/svc/svc"
	"ciphertoken/svc/util"

	"github.com/rs/zerolog/hlog"
)

type AuthHdl struct {
	users *svc.Users
}

type CredentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResp struct {
	Token string `json:"token"`
}

func (h *AuthHdl) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsReq
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	token, err := h.users.Register(r.Context(), domain.Credentials{Username: req.Username, Password: req.Password})
	if err != nil {
		hlog.FromRequest(r).Info().Str("kind", string(domain.KindOf(err))).Msg("registration rejected")
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, TokenResp{Token: token})
}

func (h *AuthHdl) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsReq
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	token, err := h.users.Login(r.Context(), domain.Credentials{Username: req.Username, Password: req.Password})
	if err != nil {
		if domain.KindOf(err) == domain.KindAuth {
			hlog.FromRequest(r).Warn().
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed login attempt")
		}
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResp{Token: token})
}
