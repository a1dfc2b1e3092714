package storage

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Key prefixes. Each entity and each secondary index owns one prefix.
var (
	commitPrefix     = []byte("c") // c + commitID -> CommitData RLP
	userCommitPrefix = []byte("u") // u + userHash + commitID -> nil
	mempoolTxPrefix  = []byte("m") // m + txID -> EncryptedTransaction RLP
	sequencePrefix   = []byte("q") // q + seq (8 bytes BE) -> txID
	batchPrefix      = []byte("b") // b + batchID -> TransactionBatch RLP

	sequenceCounterKey = []byte("Mseq")       // -> last assigned sequence (8 bytes BE)
	lastBatchTimeKey   = []byte("MlastBatch") // -> unix ms of last batch (8 bytes BE)
)

// EncodeUint64 encodes n as an 8-byte big-endian value so that keys sort
// numerically.
func EncodeUint64(n uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, n)
	return enc
}

// DecodeUint64 is the inverse of EncodeUint64. Short input decodes as 0.
func DecodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// CommitKey = commitPrefix + commitID
func CommitKey(id string) []byte { return concat(commitPrefix, []byte(id)) }

// CommitPrefix is the iteration prefix over all commits.
func CommitPrefix() []byte { return concat(commitPrefix) }

// UserCommitKey = userCommitPrefix + userHash + commitID
func UserCommitKey(user common.Hash, id string) []byte {
	return concat(userCommitPrefix, user[:], []byte(id))
}

// UserCommitPrefix is the iteration prefix over one user's commit index.
func UserCommitPrefix(user common.Hash) []byte { return concat(userCommitPrefix, user[:]) }

// UserCommitID extracts the commit ID from a user index key.
func UserCommitID(key []byte) string {
	off := len(userCommitPrefix) + common.HashLength
	if len(key) < off {
		return ""
	}
	return string(key[off:])
}

// MempoolTxKey = mempoolTxPrefix + txID
func MempoolTxKey(id string) []byte { return concat(mempoolTxPrefix, []byte(id)) }

// MempoolTxPrefix is the iteration prefix over all mempool transactions.
func MempoolTxPrefix() []byte { return concat(mempoolTxPrefix) }

// SequenceKey = sequencePrefix + seq
func SequenceKey(seq uint64) []byte { return concat(sequencePrefix, EncodeUint64(seq)) }

// SequencePrefix iterates the arrival-order index.
func SequencePrefix() []byte { return concat(sequencePrefix) }

// BatchKey = batchPrefix + batchID
func BatchKey(id string) []byte { return concat(batchPrefix, []byte(id)) }

// BatchPrefix is the iteration prefix over all batches.
func BatchPrefix() []byte { return concat(batchPrefix) }

// SequenceCounterKey stores the last assigned mempool sequence number.
func SequenceCounterKey() []byte { return sequenceCounterKey }

// LastBatchTimeKey stores the creation time of the most recent batch.
func LastBatchTimeKey() []byte { return lastBatchTimeKey }
