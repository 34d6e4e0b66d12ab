// Copyright (C) 2025 chouse-ui contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/datatypes"
	"github.com/daun-gatal/chouse-ui-sub003/services/assistant/pipeline"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// ErrThreadNotFound is returned when a thread does not exist or is not owned
// by the requesting user.
var ErrThreadNotFound = errors.New("thread not found")

// Key layout:
//
//	thread/<userID>/<threadID>  -> Thread JSON (ownership encoded in the key)
//	msg/<threadID>/<seq>        -> Message JSON, seq zero-padded for order
//	seq/<threadID>              -> next message sequence number
func threadKey(userID, threadID string) []byte {
	return []byte("thread/" + userID + "/" + threadID)
}

func threadPrefix(userID string) []byte {
	return []byte("thread/" + userID + "/")
}

func messageKey(threadID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("msg/%s/%012d", threadID, seq))
}

func messagePrefix(threadID string) []byte {
	return []byte("msg/" + threadID + "/")
}

func seqKey(threadID string) []byte {
	return []byte("seq/" + threadID)
}

// ThreadStore persists conversation threads and their messages.
//
// # Thread Safety
//
// Safe for concurrent use; BadgerDB transactions provide isolation.
type ThreadStore struct {
	db *DB
}

// The stream handler flushes transcripts through this store.
var _ pipeline.TranscriptStore = (*ThreadStore)(nil)

// NewThreadStore creates a ThreadStore. Panics on a nil db (programming
// error).
func NewThreadStore(db *DB) *ThreadStore {
	if db == nil {
		panic("NewThreadStore: db must not be nil")
	}
	return &ThreadStore{db: db}
}

// CreateThread creates an empty thread owned by userID.
func (s *ThreadStore) CreateThread(ctx context.Context, userID, title string) (*datatypes.Thread, error) {
	now := time.Now().UnixMilli()
	thread := &datatypes.Thread{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, threadKey(userID, thread.ID), thread)
	})
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return thread, nil
}

// GetThread fetches a thread owned by userID, or ErrThreadNotFound.
func (s *ThreadStore) GetThread(ctx context.Context, userID, threadID string) (*datatypes.Thread, error) {
	var thread datatypes.Thread
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, threadKey(userID, threadID), &thread)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &thread, nil
}

// ListThreads returns all threads owned by userID, most recently updated
// first.
func (s *ThreadStore) ListThreads(ctx context.Context, userID string) ([]datatypes.Thread, error) {
	var threads []datatypes.Thread
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = threadPrefix(userID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var thread datatypes.Thread
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &thread)
			})
			if err != nil {
				return err
			}
			threads = append(threads, thread)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	sort.Slice(threads, func(i, j int) bool {
		return threads[i].UpdatedAt > threads[j].UpdatedAt
	})
	return threads, nil
}

// UpdateThreadTitle sets the title of a thread owned by userID and bumps its
// update time. Satisfies the transcript flush contract.
func (s *ThreadStore) UpdateThreadTitle(ctx context.Context, threadID, userID, title string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		key := threadKey(userID, threadID)
		var thread datatypes.Thread
		if err := getJSON(txn, key, &thread); err != nil {
			return err
		}
		thread.Title = title
		thread.UpdatedAt = time.Now().UnixMilli()
		return putJSON(txn, key, &thread)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrThreadNotFound
	}
	if err != nil {
		return fmt.Errorf("update thread title: %w", err)
	}
	return nil
}

// DeleteThread removes a thread, its messages and its sequence counter.
func (s *ThreadStore) DeleteThread(ctx context.Context, userID, threadID string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		key := threadKey(userID, threadID)
		if _, err := txn.Get(key); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		if err := txn.Delete(seqKey(threadID)); err != nil {
			return err
		}

		// Collect first; deleting under an open iterator is undefined.
		var msgKeys [][]byte
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(threadID)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			msgKeys = append(msgKeys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range msgKeys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrThreadNotFound
	}
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// AddMessage appends a message to a thread under the next sequence number.
// Satisfies the transcript flush contract.
func (s *ThreadStore) AddMessage(ctx context.Context, threadID string, msg datatypes.Message) error {
	msg.ThreadID = threadID
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, threadID)
		if err != nil {
			return err
		}
		return putJSON(txn, messageKey(threadID, seq), &msg)
	})
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// ListMessages returns a thread's messages in insertion order. A positive
// limit keeps only the most recent messages (order preserved).
func (s *ThreadStore) ListMessages(ctx context.Context, threadID string, limit int) ([]datatypes.Message, error) {
	var messages []datatypes.Message
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix(threadID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var msg datatypes.Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func nextSeq(txn *badger.Txn, threadID string) (uint64, error) {
	key := seqKey(threadID)
	var seq uint64

	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		seq = 0
	case err != nil:
		return 0, err
	default:
		err = item.Value(func(val []byte) error {
			parsed, perr := strconv.ParseUint(string(val), 10, 64)
			if perr != nil {
				return fmt.Errorf("corrupt sequence counter for thread %s: %w", threadID, perr)
			}
			seq = parsed
			return nil
		})
		if err != nil {
			return 0, err
		}
	}

	if err := txn.Set(key, []byte(strconv.FormatUint(seq+1, 10))); err != nil {
		return 0, err
	}
	return seq, nil
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, encoded)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}
