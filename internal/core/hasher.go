package core

import (
	"CreditLedger/internal/ledger"
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

const GenesisHashSeed = "CreditLedger:genesis:v1"

// GenesisHash is the chain tip before the first event.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// StateHasher computes deterministic state hashes. Not thread-safe; the
// ledger guards it with the sequencer mutex.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hash := chainHash(h.prevHash, sequence, stateDigest)
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash moves the chain tip, used when restoring from the audit log.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

func chainHash(prev [32]byte, sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// computeStateDigest serializes the post-batch balances of every account the
// batch touched, ordered by account path. The boundary accounts are replaced
// by the total collateral they imply: their split between deposits and
// withdrawals depends on history that a restore from records cannot know.
func computeStateDigest(tracker *ledger.BalanceTracker, batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	boundary := false
	if batch != nil {
		for _, j := range batch.Journals {
			for _, key := range [2]ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				if isBoundary(key) {
					boundary = true
					continue
				}
				affected[key] = true
			}
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, (len(accounts)+1)*64)
	for _, key := range accounts {
		digest = appendBalance(digest, key.AccountPath(), tracker.GetBalance(key))
	}
	if boundary {
		digest = appendBalance(digest, totalCollateralPath, tracker.TotalCollateral())
	}
	return digest
}

const totalCollateralPath = "vault:total_collateral"

func isBoundary(key ledger.AccountKey) bool {
	return key.Account == ledger.AccountDeposits || key.Account == ledger.AccountWithdrawals
}

func appendBalance(digest []byte, path string, balance uint64) []byte {
	digest = append(digest, byte(len(path)))
	digest = append(digest, path...)
	return binary.LittleEndian.AppendUint64(digest, balance)
}
