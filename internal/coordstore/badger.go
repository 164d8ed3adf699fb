package coordstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

const (
	roundKeyPrefix = "round/"
	currentKey     = "current"
)

// BadgerPersister stores round records in BadgerDB so the store server can
// restart without forgetting closed rounds or the round counter.
type BadgerPersister struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the store's data directory.
func OpenBadger(path string) (*BadgerPersister, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &BadgerPersister{db: db}, nil
}

// Close releases the database.
func (p *BadgerPersister) Close() error {
	return p.db.Close()
}

func roundKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", roundKeyPrefix, id))
}

// SaveRound implements Persister.
func (p *BadgerPersister) SaveRound(state RoundState) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return errors.Wrap(err, "encode round")
	}
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(roundKey(state.ID), buf.Bytes())
	})
}

// SaveCurrent implements Persister.
func (p *BadgerPersister) SaveCurrent(round uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], round)
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(currentKey), buf[:])
	})
}

// Load reads the persisted round counter and round records.
func (p *BadgerPersister) Load() (current uint64, rounds []RoundState, err error) {
	err = p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(currentKey))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return errors.Errorf("corrupt round counter (%d bytes)", len(val))
				}
				current = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(roundKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var state RoundState
			err := it.Item().Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&state)
			})
			if err != nil {
				return errors.Wrap(err, "decode round")
			}
			rounds = append(rounds, state)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return current, rounds, nil
}
