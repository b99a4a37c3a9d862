// internal/handlers/lobby.go
package handlers

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/Wedja10/SAE-S4-sub000/internal/errs"
	"github.com/Wedja10/SAE-S4-sub000/internal/models"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

const qrSize = 320

type createSessionRequest struct {
	HostID   string               `json:"hostId"`
	Settings models.SettingsPatch `json:"settings"`
}

// sessionSummary is one row of the public session list.
type sessionSummary struct {
	GameCode string          `json:"gameCode"`
	HostID   string          `json:"hostId"`
	Members  int             `json:"members"`
	Settings models.Settings `json:"settings"`
}

// CreateSessionHandler creates a lobby seated with the given host.
func (s *APIServer) CreateSessionHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.Logger, r, err)
		return
	}
	if req.HostID == "" {
		writeError(w, s.Logger, r, fmt.Errorf("%w: hostId is required", errs.ErrInvalidPayload))
		return
	}
	host, err := s.Players.Get(r.Context(), req.HostID)
	if err != nil {
		writeError(w, s.Logger, r, err)
		return
	}

	snap, err := s.Store.CreateSession(r.Context(), host.Info(), req.Settings)
	if err != nil {
		writeError(w, s.Logger, r, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+snap.Code)
	writeJSON(w, http.StatusCreated, snap)
}

// GetSessionHandler returns the membership and settings for first page load.
func (s *APIServer) GetSessionHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	snap, err := s.Store.GetSessionByCode(ps.ByName("code"))
	if err != nil {
		writeError(w, s.Logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListSessionsHandler lists public sessions still waiting for players.
func (s *APIServer) ListSessionsHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	snaps := s.Store.List(true)
	out := make([]sessionSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, sessionSummary{
			GameCode: snap.Code,
			HostID:   snap.HostID,
			Members:  len(snap.Members),
			Settings: snap.Settings,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// QRHandler renders a PNG QR code pointing at the join page of a session.
func (s *APIServer) QRHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if _, err := s.Store.GetSessionByCode(code); err != nil {
		writeError(w, s.Logger, r, err)
		return
	}

	link := baseURL(s.PublicURL, r) + "/lobby/" + url.PathEscape(code)
	png, err := qrcode.Encode(link, qrcode.Medium, qrSize)
	if err != nil {
		s.Logger.WithError(err).WithFields(logrus.Fields{"session": code}).Error("QR generation failed")
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}
