package commitreveal

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/eth2030/mevguard/storage"
)

// readCommit loads a commit, returning nil when it does not exist.
func readCommit(db storage.KeyValueReader, id string) (*CommitData, error) {
	var c CommitData
	ok, err := storage.ReadRLP(db, storage.CommitKey(id), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

// writeCommit stores a commit and its user index entry.
func writeCommit(w storage.KeyValueWriter, c *CommitData) error {
	if err := storage.WriteRLP(w, storage.CommitKey(c.ID), c); err != nil {
		return err
	}
	return w.Put(storage.UserCommitKey(c.UserHash, c.ID), nil)
}

// deleteCommit removes a commit and its user index entry.
func deleteCommit(w storage.KeyValueWriter, c *CommitData) error {
	if err := w.Delete(storage.CommitKey(c.ID)); err != nil {
		return err
	}
	return w.Delete(storage.UserCommitKey(c.UserHash, c.ID))
}

// allCommits loads every stored commit.
func allCommits(db storage.Database) ([]*CommitData, error) {
	it := db.NewIterator(storage.CommitPrefix())
	defer it.Release()

	var out []*CommitData
	for it.Next() {
		var c CommitData
		if err := rlp.DecodeBytes(it.Value(), &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, it.Error()
}

// userCommits loads a user's commits through the secondary index, oldest
// first.
func userCommits(db storage.Database, user common.Hash) ([]*CommitData, error) {
	it := db.NewIterator(storage.UserCommitPrefix(user))
	var ids []string
	for it.Next() {
		ids = append(ids, storage.UserCommitID(it.Key()))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return nil, err
	}

	out := make([]*CommitData, 0, len(ids))
	for _, id := range ids {
		c, err := readCommit(db, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CommitTimestamp < out[j].CommitTimestamp
	})
	return out, nil
}
