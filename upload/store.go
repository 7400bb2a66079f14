package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"uplink/domain"
	uperrors "uplink/errors"
)

const sessionKeyPrefix = "upload:session:"

// SessionStore persists session projections in BadgerDB so an interrupted
// upload can resume from its acknowledged set after a process restart.
type SessionStore struct {
	db  *badger.DB
	log *slog.Logger
}

func NewSessionStore(db *badger.DB, log *slog.Logger) *SessionStore {
	return &SessionStore{db: db, log: log}
}

func sessionKey(uploadID string) []byte {
	return []byte(sessionKeyPrefix + uploadID)
}

func (s *SessionStore) Save(session *domain.UploadSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(session.UploadID), data)
	})
}

func (s *SessionStore) Load(uploadID string) (*domain.UploadSession, error) {
	var session domain.UploadSession
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(uploadID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", uperrors.ErrUnknownSession, uploadID)
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SessionStore) Delete(uploadID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(uploadID))
	})
}

// SweepExpired removes every stored session whose idle TTL has elapsed and
// returns how many were evicted. The server tears its side down on the
// same schedule; keeping stale projections around would only invite
// resurrection bugs.
func (s *SessionStore) SweepExpired(now time.Time) (int, error) {
	var expired [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var session domain.UploadSession
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			})
			if err != nil {
				s.log.Warn("Skipping undecodable session entry", "key", string(item.Key()))
				continue
			}
			if session.IsExpired(now) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(expired) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range expired {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(expired), nil
}
