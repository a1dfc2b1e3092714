package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/eth2030/mevguard/txpool/batchpool"
	"github.com/eth2030/mevguard/txpool/commitreveal"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"level":  s.engine.GetConfig().Level,
		"block":  s.engine.BlockNumber(),
	})
}

// --- Commit-reveal ---

func (s *Server) handleCreateCommit(w http.ResponseWriter, r *http.Request) {
	var req CreateCommitRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	intent, err := req.Intent.toIntent()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.engine.CreateCommit(intent, req.Nonce, req.UserHash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, commitView(c))
}

func (s *Server) handleGetCommit(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.GetCommit(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commitView(c))
}

func (s *Server) handleRevealCommit(w http.ResponseWriter, r *http.Request) {
	var req RevealCommitRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	intent, err := req.Intent.toIntent()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.engine.RevealCommit(&commitreveal.RevealInput{
		CommitID: mux.Vars(r)["id"],
		Intent:   intent,
		Nonce:    req.Nonce,
		UserHash: req.UserHash,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commitView(c))
}

func (s *Server) handleCancelCommit(w http.ResponseWriter, r *http.Request) {
	var req CancelCommitRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.engine.CancelCommit(id, req.UserHash); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.engine.GetCommit(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commitView(c))
}

func (s *Server) handleMarkCommit(executed bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		mark := s.engine.MarkCommitFailed
		if executed {
			mark = s.engine.MarkCommitExecuted
		}
		if err := mark(id); err != nil {
			s.fail(w, r, err)
			return
		}
		c, err := s.engine.GetCommit(id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, commitView(c))
	}
}

func (s *Server) handleUserCommits(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["userHash"]
	user := common.HexToHash(raw)
	if user == (common.Hash{}) {
		writeError(w, http.StatusBadRequest, "invalid user hash")
		return
	}
	commits, err := s.engine.GetCommitsByUser(user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]*CommitView, len(commits))
	for i, c := range commits {
		views[i] = commitView(c)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commits": views})
}

func (s *Server) handleExpireCommits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"expired": s.engine.ExpireCommits()})
}

// --- Private mempool ---

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	var req SubmitTxRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	priority, err := parseAmount("priority", req.Priority)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tx := &batchpool.EncryptedTransaction{
		ID:               req.ID,
		EncryptedPayload: req.Payload,
		Nonce:            req.Nonce,
		CommitHash:       req.CommitHash,
		Priority:         priority,
	}
	if len(req.Plaintext) > 0 {
		if len(req.Payload) > 0 {
			writeError(w, http.StatusBadRequest, "payload and plaintext are mutually exclusive")
			return
		}
		if s.engine.GetConfig().Mempool.EncryptionEnabled {
			nonce, ct, err := s.engine.SealPayload(req.ID, req.Plaintext)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			tx.Nonce, tx.EncryptedPayload = nonce, ct
		} else {
			tx.EncryptedPayload = req.Plaintext
		}
	}
	stored, err := s.engine.SubmitToMempool(tx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txView(stored))
}

func (s *Server) handleMempoolSize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"size": s.engine.GetMempoolSize()})
}

func (s *Server) handleGetTx(w http.ResponseWriter, r *http.Request) {
	tx, err := s.engine.GetMempoolTransaction(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txView(tx))
}

func (s *Server) handleRemoveTx(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveFromMempool(mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExpireTxs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": s.engine.RemoveExpiredTransactions()})
}

// --- Batches ---

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	b, err := s.engine.CreateBatch(req.Seed)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchView(b))
}

func (s *Server) handlePendingBatches(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.GetPendingBatches()
	views := make([]*BatchView, len(pending))
	for i, b := range pending {
		views[i] = batchView(b)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": views})
}

func (s *Server) handleShouldCreateBatch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"shouldCreate": s.engine.ShouldCreateBatch()})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.GetBatch(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchView(b))
}

func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.ExecuteBatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batchView(b))
}

// --- Attack detection ---

func (s *Server) handleRecordTx(w http.ResponseWriter, r *http.Request) {
	var req RecordRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	rec, err := req.toRecord()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.engine.RecordTransaction(rec); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"txId": rec.TxID})
}

func (s *Server) handleDetectAttack(w http.ResponseWriter, r *http.Request) {
	det, err := s.engine.DetectAttack(mux.Vars(r)["txId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detectionView(det))
}

func (s *Server) handleRecentAttacks(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	attacks := s.engine.GetRecentAttacks(limit)
	views := make([]*DetectionView, len(attacks))
	for i, d := range attacks {
		views[i] = detectionView(d)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attacks": views})
}

// --- Engine ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.GetProtectionStats())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := s.engine.GetConfig()
	writeJSON(w, http.StatusOK, &ConfigView{
		Level:                 string(c.Level),
		OrderingStrategy:      string(c.Mempool.OrderingStrategy),
		EncryptionEnabled:     c.Mempool.EncryptionEnabled,
		BatchSize:             c.Mempool.BatchSize,
		BatchInterval:         c.Mempool.BatchInterval.String(),
		MaxTransactions:       c.Mempool.MaxTransactions,
		CommitExpiry:          c.CommitReveal.CommitExpiry.String(),
		RevealBlockWindow:     c.CommitReveal.RevealBlockWindow,
		MaxCommitsPerUser:     c.CommitReveal.MaxCommitsPerUser,
		EnableAttackDetection: c.EnableAttackDetection,
		AutoProtectThreshold:  amountString(c.AutoProtectThreshold),
		SlippageProtectionBps: c.SlippageProtectionBps,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAge string `json:"maxAge"`
	}
	if !decodeJSON(w, r, &req, true) {
		return
	}
	maxAge := time.Hour
	if req.MaxAge != "" {
		d, err := time.ParseDuration(req.MaxAge)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid maxAge %q", req.MaxAge))
			return
		}
		maxAge = d
	}
	writeJSON(w, http.StatusOK, s.engine.Cleanup(maxAge))
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]uint64{"number": s.engine.BlockNumber()})
}

func (s *Server) handleSetBlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number uint64 `json:"number"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	s.engine.SetBlockNumber(req.Number)
	writeJSON(w, http.StatusOK, map[string]uint64{"number": req.Number})
}

func (s *Server) handleMinAmountOut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expected string `json:"expected"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	expected, err := parseAmount("expected", req.Expected)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"expected":     expected.Dec(),
		"minAmountOut": s.engine.MinAmountOut(expected).Dec(),
	})
}
