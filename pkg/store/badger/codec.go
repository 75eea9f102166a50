package badger

import (
	"encoding/json"
	"errors"

	"github.com/mnemon-ai/mnemon/pkg/store"

	badgerdb "github.com/dgraph-io/badger/v4"
)

func getJSON[T any](txn *badgerdb.Txn, key []byte, out *T) error {
	item, err := txn.Get(key)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badgerdb.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func getString(txn *badgerdb.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	var out string
	err = item.Value(func(val []byte) error {
		out = string(val)
		return nil
	})
	return out, err
}

// scanJSON iterates every value under prefix and decodes it into a
// fresh T, stopping early when fn returns false.
func scanJSON[T any](txn *badgerdb.Txn, prefix []byte, fn func(T) bool) error {
	it := txn.NewIterator(badgerdb.IteratorOptions{
		Prefix:         prefix,
		PrefetchValues: true,
		PrefetchSize:   100,
	})
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var v T
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
		if err != nil {
			return err
		}
		if !fn(v) {
			return nil
		}
	}
	return nil
}
