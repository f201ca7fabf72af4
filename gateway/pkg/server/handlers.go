package server

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/packetlabs/hongbao/gateway/pkg/engine"
	"github.com/packetlabs/hongbao/gateway/pkg/reconcile"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write json response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// handleState serves the full merged view: snapshot, timeline, claim flag,
// and per-channel errors.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.View.State())
}

// handleSummary serves only the latest snapshot; 404 when no distribution
// exists yet.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.View.State()
	if st.Snapshot == nil {
		s.writeError(w, http.StatusNotFound, engine.ErrNoDistribution)
		return
	}
	s.writeJSON(w, http.StatusOK, st.Snapshot)
}

func (s *Server) handleUIConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.UIConfig)
}

type createDistributionRequest struct {
	TotalAmount string `json:"totalAmount"`
	ShareCount  uint64 `json:"shareCount"`
}

func (s *Server) handleCreateDistribution(w http.ResponseWriter, r *http.Request) {
	var req createDistributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	total, ok := new(big.Int).SetString(req.TotalAmount, 10)
	if !ok {
		s.writeError(w, http.StatusBadRequest, errors.New("totalAmount must be a decimal integer"))
		return
	}

	sub, err := s.cfg.View.SubmitCreateDistribution(r.Context(), total, req.ShareCount)
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrNotConfigured):
			s.writeError(w, http.StatusServiceUnavailable, err)
		case errors.Is(err, engine.ErrBadFunding), errors.Is(err, engine.ErrBadShareCount):
			s.writeError(w, http.StatusBadRequest, err)
		default:
			s.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	sub, err := s.cfg.View.SubmitClaim(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrNotConfigured):
			s.writeError(w, http.StatusServiceUnavailable, err)
		case errors.Is(err, reconcile.ErrAlreadyClaimed), errors.Is(err, reconcile.ErrClaimPending):
			s.writeError(w, http.StatusConflict, err)
		default:
			s.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.View.Submissions())
}

func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.cfg.View.Submission(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Messages == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("message board not configured"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.cfg.Messages.Messages())
}

type postMessageRequest struct {
	Text string `json:"text"`
	// Strategy picks the write path: "contract" logs through the message
	// contract's event, "raw" inscribes the text as transaction calldata.
	Strategy string `json:"strategy"`
}

type postMessageResponse struct {
	TxHash string `json:"txHash"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Messages == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("message board not configured"))
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	var (
		txHash string
		err    error
	)
	switch req.Strategy {
	case "raw":
		txHash, err = s.cfg.Messages.PostRaw(r.Context(), s.cfg.UIConfig.CurrentUser, req.Text)
	case "contract", "":
		txHash, err = s.cfg.Messages.PostContract(r.Context(), req.Text)
	default:
		s.writeError(w, http.StatusBadRequest, errors.New("strategy must be contract or raw"))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, postMessageResponse{TxHash: txHash})
}

func (s *Server) handleRawMessage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RawReader == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("raw message reads not configured"))
		return
	}
	msg, err := s.cfg.RawReader.ReadRaw(r.Context(), chi.URLParam(r, "txHash"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}
