package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"gorm.io/gorm"

	"postpone/internal/account"
	"postpone/internal/auth"
	"postpone/internal/job"
)

type AccountHandler struct {
	DB *gorm.DB
}

func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	a, err := account.Get(r.Context(), h.DB, uid)
	if errors.Is(err, job.ErrNoGateway) {
		http.Error(w, "no account connected", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, a)
}

type accountReq struct {
	Email         string `json:"email"`
	IMAPAddr      string `json:"imapAddr"`
	SMTPAddr      string `json:"smtpAddr"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	AccessToken   string `json:"accessToken"`
	DraftsMailbox string `json:"draftsMailbox"`
	AllMailbox    string `json:"allMailbox"`
}

func (h *AccountHandler) Put(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	var req accountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.IMAPAddr == "" || req.SMTPAddr == "" || req.Username == "" {
		http.Error(w, "invalid input", http.StatusBadRequest)
		return
	}
	if req.Password == "" && req.AccessToken == "" {
		http.Error(w, "password or access token required", http.StatusBadRequest)
		return
	}

	a := &account.Account{
		UserID:        uid,
		Email:         req.Email,
		IMAPAddr:      req.IMAPAddr,
		SMTPAddr:      req.SMTPAddr,
		Username:      req.Username,
		Password:      req.Password,
		AccessToken:   req.AccessToken,
		DraftsMailbox: req.DraftsMailbox,
		AllMailbox:    req.AllMailbox,
	}
	if err := account.Upsert(r.Context(), h.DB, a); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, a)
}
