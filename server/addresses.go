package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/dan/bws/service"
	"github.com/dan/bws/wallet"
)

func (s *Server) handleListAddresses(w http.ResponseWriter, r *http.Request, session *service.Session) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	addrs, err := s.svc.GetMainAddresses(r.Context(), session, limit, queryBool(r, "reverse"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addrs)
}

type createAddressRequest struct {
	IgnoreMaxGap bool `json:"ignoreMaxGap,omitempty"`
}

func (s *Server) handleCreateAddress(w http.ResponseWriter, r *http.Request, session *service.Session) {
	var req createAddressRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := s.svc.CreateAddress(r.Context(), session, req.IgnoreMaxGap)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addr)
}

type startScanRequest struct {
	IncludeCopayerBranches bool `json:"includeCopayerBranches,omitempty"`
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request, session *service.Session) {
	var req startScanRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.StartScan(r.Context(), session, req.IncludeCopayerBranches); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": true})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, session *service.Session) {
	balance, err := s.svc.GetBalance(r.Context(), session, queryBool(r, "twoStep"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleGetUtxos(w http.ResponseWriter, r *http.Request, session *service.Session) {
	var addresses []string
	if raw := r.URL.Query().Get("addresses"); raw != "" {
		addresses = strings.Split(raw, ",")
	}
	utxos, err := s.svc.GetUtxos(r.Context(), session, addresses)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, utxos)
}

func (s *Server) handleGetTxHistory(w http.ResponseWriter, r *http.Request, session *service.Session) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := s.svc.GetTxHistory(r.Context(), session, skip, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetNotifications serves the polling cursor. timeSpan is in seconds.
func (s *Server) handleGetNotifications(w http.ResponseWriter, r *http.Request, session *service.Session) {
	timeSpan, err := queryInt(r, "timeSpan", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ns, err := s.svc.GetNotifications(r.Context(), session,
		r.URL.Query().Get("notificationId"), time.Duration(timeSpan)*time.Second)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ns)
}

func (s *Server) handleGetFeeLevels(w http.ResponseWriter, r *http.Request) {
	network := r.URL.Query().Get("network")
	if network == "" {
		network = wallet.NetworkLivenet
	}
	levels, err := s.svc.GetFeeLevels(r.Context(), network)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, levels)
}
