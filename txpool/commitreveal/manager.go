package commitreveal

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/eth2030/mevguard/core/types"
	"github.com/eth2030/mevguard/log"
	"github.com/eth2030/mevguard/storage"
)

var (
	ErrCommitNotFound      = types.NewError(types.ErrNotFound, "commitreveal: commit not found")
	ErrCommitLimitExceeded = types.NewError(types.ErrValidation, "commitreveal: per-user commit limit exceeded")
	ErrEmptyUser           = types.NewError(types.ErrValidation, "commitreveal: user hash is empty")
	ErrNotOwner            = types.NewError(types.ErrValidation, "commitreveal: commit belongs to another user")
	ErrInvalidState        = types.NewError(types.ErrState, "commitreveal: invalid commit state")
	ErrRevealTooEarly      = types.NewError(types.ErrState, "commitreveal: commit phase has not ended")
	ErrCommitExpired       = types.NewError(types.ErrExpired, "commitreveal: commit has expired")
	ErrHashMismatch        = types.NewError(types.ErrIntegrity, "commitreveal: reveal hash does not match commit")
)

// CommitManager owns the commit-reveal lifecycle. All state lives in the
// backing store; the mutex makes every operation, including its index
// updates, a single critical section.
type CommitManager struct {
	mu      sync.Mutex
	config  Config
	db      storage.Database
	block   uint64
	nowFunc func() time.Time // injectable clock for testing
	log     *log.Logger
}

// NewCommitManager creates a manager backed by db.
func NewCommitManager(config Config, db storage.Database) *CommitManager {
	return &CommitManager{
		config:  config,
		db:      db,
		nowFunc: time.Now,
		log:     log.Default().Module("commitreveal"),
	}
}

// SetClock replaces the wall clock used for deadlines.
func (m *CommitManager) SetClock(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = fn
}

// SetLogger replaces the logger.
func (m *CommitManager) SetLogger(l *log.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = l.Module("commitreveal")
}

// SetBlockNumber updates the current block height used for the reveal
// block window.
func (m *CommitManager) SetBlockNumber(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = n
}

// BlockNumber returns the current block height.
func (m *CommitManager) BlockNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block
}

// Config returns the manager configuration.
func (m *CommitManager) Config() Config { return m.config }

func (m *CommitManager) now() uint64 {
	return uint64(m.nowFunc().UnixMilli())
}

// expiredAt reports whether c is past either of its deadlines.
func (m *CommitManager) expiredAt(c *CommitData, now uint64) bool {
	if now > c.ExpiryTimestamp {
		return true
	}
	return m.block > c.CommitBlock && m.block-c.CommitBlock > m.config.RevealBlockWindow
}

// CreateCommit registers a commitment to intent under nonce for userHash.
func (m *CommitManager) CreateCommit(intent *types.SwapIntent, nonce, userHash common.Hash) (*CommitData, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if userHash == (common.Hash{}) {
		return nil, ErrEmptyUser
	}
	hash := CommitmentFor(intent, nonce, userHash)

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := userCommits(m.db, userHash)
	if err != nil {
		return nil, fmt.Errorf("commitreveal: load user commits: %w", err)
	}
	now := m.now()
	active := 0
	for _, c := range existing {
		if c.Status == StatusCommitted && !m.expiredAt(c, now) {
			active++
		}
	}
	if active >= m.config.MaxCommitsPerUser {
		return nil, fmt.Errorf("%w: %d active commits", ErrCommitLimitExceeded, active)
	}

	expiry := now + uint64(m.config.CommitExpiry.Milliseconds())
	if m.config.RevealPhaseDuration > 0 {
		end := now + uint64((m.config.CommitPhaseDuration + m.config.RevealPhaseDuration).Milliseconds())
		if end < expiry {
			expiry = end
		}
	}
	c := &CommitData{
		ID:              uuid.NewString(),
		Hash:            hash,
		CommitTimestamp: now,
		ExpiryTimestamp: expiry,
		Status:          StatusCommitted,
		CommitBlock:     m.block,
		UserHash:        userHash,
		AmountIn:        new(uint256.Int).Set(intent.AmountIn),
	}
	batch := m.db.NewBatch()
	if err := writeCommit(batch, c); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, fmt.Errorf("commitreveal: store commit: %w", err)
	}
	m.log.Debug("commit created", "id", c.ID, "hash", c.Hash, "block", c.CommitBlock, "expiry", c.ExpiryTimestamp)
	return c.Copy(), nil
}

// RevealCommit discloses the intent behind a commit. On a hash mismatch the
// commit stays committed so a corrected reveal can still succeed.
func (m *CommitManager) RevealCommit(in *RevealInput) (*CommitData, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: nil reveal input", types.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := readCommit(m.db, in.CommitID)
	if err != nil {
		return nil, fmt.Errorf("commitreveal: load commit: %w", err)
	}
	if c == nil {
		return nil, ErrCommitNotFound
	}
	if c.Status != StatusCommitted {
		return nil, fmt.Errorf("%w: reveal on %s commit", ErrInvalidState, c.Status)
	}

	now := m.now()
	if m.expiredAt(c, now) {
		c.close(StatusExpired, min(now, c.ExpiryTimestamp))
		if err := storage.WriteRLP(m.db, storage.CommitKey(c.ID), c); err != nil {
			m.log.Error("failed to persist expiry", "id", c.ID, "err", err)
		}
		return nil, ErrCommitExpired
	}
	if now < c.CommitTimestamp+uint64(m.config.CommitPhaseDuration.Milliseconds()) {
		return nil, ErrRevealTooEarly
	}
	if err := in.Intent.Validate(); err != nil {
		return nil, err
	}

	user := in.UserHash
	if user == (common.Hash{}) {
		user = c.UserHash
	}
	if CommitmentFor(in.Intent, in.Nonce, user) != c.Hash {
		m.log.Warn("reveal hash mismatch", "id", c.ID)
		return nil, ErrHashMismatch
	}

	c.Status = StatusRevealed
	c.RevealNonce = in.Nonce
	c.RevealTimestamp = now
	c.AmountIn = new(uint256.Int).Set(in.Intent.AmountIn)
	if err := storage.WriteRLP(m.db, storage.CommitKey(c.ID), c); err != nil {
		return nil, fmt.Errorf("commitreveal: store reveal: %w", err)
	}
	m.log.Debug("commit revealed", "id", c.ID, "latency_ms", now-c.CommitTimestamp)
	return c.Copy(), nil
}

// Expire marks every committed entry past its deadline as expired and
// returns the affected commits. Storage failures are logged, never returned.
func (m *CommitManager) Expire() []*CommitData {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := allCommits(m.db)
	if err != nil {
		m.log.Error("expiry sweep: load commits", "err", err)
		return nil
	}
	now := m.now()
	batch := m.db.NewBatch()
	var expired []*CommitData
	for _, c := range all {
		if c.Status != StatusCommitted || !m.expiredAt(c, now) {
			continue
		}
		c.close(StatusExpired, min(now, c.ExpiryTimestamp))
		if err := storage.WriteRLP(batch, storage.CommitKey(c.ID), c); err != nil {
			m.log.Error("expiry sweep: encode commit", "id", c.ID, "err", err)
			continue
		}
		expired = append(expired, c)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := batch.Write(); err != nil {
		m.log.Error("expiry sweep: write", "err", err)
		return nil
	}
	m.log.Debug("commits expired", "count", len(expired))
	return expired
}

// ExpireCommits is the count-only form of Expire. It is idempotent and safe
// to call on a timer.
func (m *CommitManager) ExpireCommits() int {
	return len(m.Expire())
}

// MarkExecuted moves a revealed commit to executed.
func (m *CommitManager) MarkExecuted(id string) error {
	return m.transition(id, StatusRevealed, StatusExecuted)
}

// MarkFailed moves a revealed commit to failed.
func (m *CommitManager) MarkFailed(id string) error {
	return m.transition(id, StatusRevealed, StatusFailed)
}

func (m *CommitManager) transition(id string, from, to CommitStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := readCommit(m.db, id)
	if err != nil {
		return fmt.Errorf("commitreveal: load commit: %w", err)
	}
	if c == nil {
		return ErrCommitNotFound
	}
	if c.Status != from {
		return fmt.Errorf("%w: cannot move %s commit to %s", ErrInvalidState, c.Status, to)
	}
	c.close(to, m.now())
	return storage.WriteRLP(m.db, storage.CommitKey(c.ID), c)
}

// CancelCommit withdraws an unrevealed commit on behalf of its owner.
func (m *CommitManager) CancelCommit(id string, userHash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := readCommit(m.db, id)
	if err != nil {
		return fmt.Errorf("commitreveal: load commit: %w", err)
	}
	if c == nil {
		return ErrCommitNotFound
	}
	if c.UserHash != userHash {
		return ErrNotOwner
	}
	if c.Status != StatusCommitted {
		return fmt.Errorf("%w: cannot cancel %s commit", ErrInvalidState, c.Status)
	}
	c.close(StatusCancelled, m.now())
	return storage.WriteRLP(m.db, storage.CommitKey(c.ID), c)
}

// ClearOldCommits deletes commits that became terminal more than maxAge ago,
// together with their user index entries. Returns the number removed.
func (m *CommitManager) ClearOldCommits(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := allCommits(m.db)
	if err != nil {
		m.log.Error("cleanup: load commits", "err", err)
		return 0
	}
	now := m.now()
	age := uint64(maxAge.Milliseconds())
	var cutoff uint64
	if now > age {
		cutoff = now - age
	}
	batch := m.db.NewBatch()
	removed := 0
	for _, c := range all {
		if !c.Status.Terminal() || c.closedAt() >= cutoff {
			continue
		}
		if err := deleteCommit(batch, c); err != nil {
			m.log.Error("cleanup: delete commit", "id", c.ID, "err", err)
			continue
		}
		removed++
	}
	if removed == 0 {
		return 0
	}
	if err := batch.Write(); err != nil {
		m.log.Error("cleanup: write", "err", err)
		return 0
	}
	return removed
}

// GetCommit returns a copy of the commit with the given ID.
func (m *CommitManager) GetCommit(id string) (*CommitData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := readCommit(m.db, id)
	if err != nil {
		return nil, fmt.Errorf("commitreveal: load commit: %w", err)
	}
	if c == nil {
		return nil, ErrCommitNotFound
	}
	return c, nil
}

// CommitsByUser returns the user's commits, oldest first.
func (m *CommitManager) CommitsByUser(userHash common.Hash) ([]*CommitData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return userCommits(m.db, userHash)
}

// ActiveCommits returns how many of the user's commits are committed and
// unexpired.
func (m *CommitManager) ActiveCommits(userHash common.Hash) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	commits, err := userCommits(m.db, userHash)
	if err != nil {
		return 0
	}
	now := m.now()
	n := 0
	for _, c := range commits {
		if c.Status == StatusCommitted && !m.expiredAt(c, now) {
			n++
		}
	}
	return n
}

// Count returns the number of stored commits in every state.
func (m *CommitManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := allCommits(m.db)
	if err != nil {
		return 0
	}
	return len(all)
}
