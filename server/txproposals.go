package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dan/bws/service"
	"github.com/dan/bws/wallet"
)

type createTxRequest struct {
	Outputs                 []*wallet.TxOutput `json:"outputs"`
	FeePerKb                int64              `json:"feePerKb,omitempty"`
	Fee                     *int64             `json:"fee,omitempty"`
	Inputs                  []*wallet.TxInput  `json:"inputs,omitempty"`
	ChangeAddress           string             `json:"changeAddress,omitempty"`
	SendMax                 bool               `json:"sendMax,omitempty"`
	Message                 string             `json:"message,omitempty"`
	PayProURL               string             `json:"payProUrl,omitempty"`
	CustomData              string             `json:"customData,omitempty"`
	ExcludeUnconfirmedUtxos bool               `json:"excludeUnconfirmedUtxos,omitempty"`
	UtxosToExclude          []string           `json:"utxosToExclude,omitempty"`
	DryRun                  bool               `json:"dryRun,omitempty"`
	NoShuffleOutputs        bool               `json:"noShuffleOutputs,omitempty"`
}

func (s *Server) handleCreateTx(w http.ResponseWriter, r *http.Request, session *service.Session) {
	var req createTxRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	txp, err := s.svc.CreateTx(r.Context(), session, service.CreateTxArgs{
		Outputs:                 req.Outputs,
		FeePerKb:                req.FeePerKb,
		Fee:                     req.Fee,
		Inputs:                  req.Inputs,
		ChangeAddress:           req.ChangeAddress,
		SendMax:                 req.SendMax,
		Message:                 req.Message,
		PayProURL:               req.PayProURL,
		CustomData:              req.CustomData,
		ExcludeUnconfirmedUtxos: req.ExcludeUnconfirmedUtxos,
		UtxosToExclude:          req.UtxosToExclude,
		DryRun:                  req.DryRun,
		NoShuffleOutputs:        req.NoShuffleOutputs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txp)
}

func (s *Server) handleGetPendingTxProposals(w http.ResponseWriter, r *http.Request, session *service.Session) {
	txps, err := s.svc.GetPendingTxProposals(r.Context(), session)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txps)
}

func (s *Server) handleGetTx(w http.ResponseWriter, r *http.Request, session *service.Session) {
	txp, err := s.svc.GetTx(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txp)
}

type publishTxRequest struct {
	ProposalSignature string `json:"proposalSignature"`
}

func (s *Server) handlePublishTx(w http.ResponseWriter, r *http.Request, session *service.Session) {
	var req publishTxRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	txp, err := s.svc.PublishTx(r.Context(), session, mux.Vars(r)["id"], req.ProposalSignature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txp)
}

type signTxRequest struct {
	Signatures []string `json:"signatures"`
}

func (s *Server) handleSignTx(w http.ResponseWriter, r *http.Request, session *service.Session) {
	var req signTxRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	txp, err := s.svc.SignTx(r.Context(), session, mux.Vars(r)["id"], req.Signatures)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txp)
}

func (s *Server) handleBroadcastTx(w http.ResponseWriter, r *http.Request, session *service.Session) {
	txp, err := s.svc.BroadcastTx(r.Context(), session, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txp)
}

type rejectTxRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleRejectTx(w http.ResponseWriter, r *http.Request, session *service.Session) {
	var req rejectTxRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	txp, err := s.svc.RejectTx(r.Context(), session, mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txp)
}

func (s *Server) handleRemoveTx(w http.ResponseWriter, r *http.Request, session *service.Session) {
	if err := s.svc.RemovePendingTx(r.Context(), session, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}
