package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dan/bws/service"
	"github.com/dan/bws/wallet"
)

type createWalletRequest struct {
	ID                 string `json:"id,omitempty"`
	Name               string `json:"name"`
	M                  int    `json:"m"`
	N                  int    `json:"n"`
	PubKey             string `json:"pubKey"`
	Network            string `json:"network"`
	SingleAddress      bool   `json:"singleAddress"`
	DerivationStrategy string `json:"derivationStrategy,omitempty"`
	AddressType        string `json:"addressType,omitempty"`
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	var req createWalletRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	walletID, err := s.svc.CreateWallet(r.Context(), service.CreateWalletArgs{
		ID:                 req.ID,
		Name:               req.Name,
		M:                  req.M,
		N:                  req.N,
		Network:            req.Network,
		PubKey:             req.PubKey,
		SingleAddress:      req.SingleAddress,
		DerivationStrategy: req.DerivationStrategy,
		AddressType:        req.AddressType,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"walletId": walletID})
}

type joinWalletRequest struct {
	Name             string `json:"name"`
	XPubKey          string `json:"xPubKey"`
	RequestPubKey    string `json:"requestPubKey"`
	CopayerSignature string `json:"copayerSignature"`
	CustomData       string `json:"customData,omitempty"`
}

func (s *Server) handleJoinWallet(w http.ResponseWriter, r *http.Request) {
	var req joinWalletRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.JoinWallet(r.Context(), service.JoinWalletArgs{
		WalletID:         mux.Vars(r)["id"],
		Name:             req.Name,
		XPubKey:          req.XPubKey,
		RequestPubKey:    req.RequestPubKey,
		CopayerSignature: req.CopayerSignature,
		CustomData:       req.CustomData,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type addAccessRequest struct {
	CopayerID     string `json:"copayerId"`
	RequestPubKey string `json:"requestPubKey"`
	Signature     string `json:"signature"`
	Name          string `json:"name,omitempty"`
}

func (s *Server) handleAddAccess(w http.ResponseWriter, r *http.Request) {
	var req addAccessRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.AddAccess(r.Context(), service.AddAccessArgs{
		CopayerID:     req.CopayerID,
		RequestPubKey: req.RequestPubKey,
		Signature:     req.Signature,
		Name:          req.Name,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*wallet.Wallet{"wallet": out})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request, session *service.Session) {
	status, err := s.svc.GetStatus(r.Context(), session, queryBool(r, "twoStep"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request, session *service.Session) {
	prefs, err := s.svc.GetPreferences(r.Context(), session)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleSavePreferences(w http.ResponseWriter, r *http.Request, session *service.Session) {
	var prefs wallet.Preferences
	if err := decodeBody(r, &prefs); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.SavePreferences(r.Context(), session, &prefs); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &prefs)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request, _ *service.Session) {
	stats, err := s.svc.GetStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"serviceVersion": s.opts.Version})
}
