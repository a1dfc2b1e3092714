package batchpool

import (
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eth2030/mevguard/storage"
)

func sortBySequence(txs []*EncryptedTransaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].SequenceNumber < txs[j].SequenceNumber
	})
}

func readTx(db storage.KeyValueReader, id string) (*EncryptedTransaction, error) {
	var tx EncryptedTransaction
	ok, err := storage.ReadRLP(db, storage.MempoolTxKey(id), &tx)
	if err != nil || !ok {
		return nil, err
	}
	return &tx, nil
}

// writeTx stores a transaction and its arrival-order index entry.
func writeTx(w storage.KeyValueWriter, tx *EncryptedTransaction) error {
	if err := storage.WriteRLP(w, storage.MempoolTxKey(tx.ID), tx); err != nil {
		return err
	}
	return w.Put(storage.SequenceKey(tx.SequenceNumber), []byte(tx.ID))
}

func deleteTx(w storage.KeyValueWriter, tx *EncryptedTransaction) error {
	if err := w.Delete(storage.MempoolTxKey(tx.ID)); err != nil {
		return err
	}
	return w.Delete(storage.SequenceKey(tx.SequenceNumber))
}

// txsByArrival walks the sequence index and returns transactions accepted by
// keep, in ascending sequence order, stopping after limit matches (limit <= 0
// means no limit).
func txsByArrival(db storage.Database, limit int, keep func(*EncryptedTransaction) bool) ([]*EncryptedTransaction, error) {
	it := db.NewIterator(storage.SequencePrefix())
	var ids []string
	for it.Next() {
		ids = append(ids, string(it.Value()))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return nil, err
	}

	var out []*EncryptedTransaction
	for _, id := range ids {
		tx, err := readTx(db, id)
		if err != nil {
			return nil, err
		}
		if tx == nil || !keep(tx) {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func readBatch(db storage.KeyValueReader, id string) (*TransactionBatch, error) {
	var b TransactionBatch
	ok, err := storage.ReadRLP(db, storage.BatchKey(id), &b)
	if err != nil || !ok {
		return nil, err
	}
	return &b, nil
}

func allBatches(db storage.Database) ([]*TransactionBatch, error) {
	it := db.NewIterator(storage.BatchPrefix())
	defer it.Release()

	var out []*TransactionBatch
	for it.Next() {
		var b TransactionBatch
		if err := rlp.DecodeBytes(it.Value(), &b); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
