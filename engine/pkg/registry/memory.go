package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/affiliate/engine/pkg/affiliate"
)

var errLockOrder = errors.New("partner locked after user in the same transaction")

// MemoryStore keeps records in process memory. Each record has its own lock;
// a transaction holds the locks of every record it touched until it ends.
type MemoryStore struct {
	mu       sync.Mutex
	partners map[solana.PublicKey]affiliate.Partner
	users    map[solana.PublicKey]affiliate.User
	locks    map[solana.PublicKey]chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		partners: make(map[solana.PublicKey]affiliate.Partner),
		users:    make(map[solana.PublicKey]affiliate.User),
		locks:    make(map[solana.PublicKey]chan struct{}),
	}
}

func (s *MemoryStore) recordLock(key solana.PublicKey) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[key] = l
	}
	return l
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memoryTx{
		store:    s,
		held:     make(map[solana.PublicKey]chan struct{}),
		partners: make(map[solana.PublicKey]affiliate.Partner),
		users:    make(map[solana.PublicKey]affiliate.User),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetPartner(_ context.Context, key solana.PublicKey) (*affiliate.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partners[key]
	if !ok {
		return nil, fmt.Errorf("partner %s: %w", key, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) GetUser(_ context.Context, key solana.PublicKey) (*affiliate.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[key]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", key, ErrNotFound)
	}
	return &u, nil
}

func (s *MemoryStore) ListPartners(_ context.Context, vault solana.PublicKey) ([]*affiliate.Partner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*affiliate.Partner, 0)
	for _, p := range s.partners {
		if p.Vault.Equals(vault) {
			out = append(out, &p)
		}
	}
	slices.SortFunc(out, func(a, b *affiliate.Partner) int { return bytes.Compare(a.Key[:], b.Key[:]) })
	return out, nil
}

func (s *MemoryStore) ListUsers(_ context.Context, partner solana.PublicKey) ([]*affiliate.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*affiliate.User, 0)
	for _, u := range s.users {
		if u.Partner.Equals(partner) {
			out = append(out, &u)
		}
	}
	slices.SortFunc(out, func(a, b *affiliate.User) int { return bytes.Compare(a.Key[:], b.Key[:]) })
	return out, nil
}

type memoryTx struct {
	store *MemoryStore
	held  map[solana.PublicKey]chan struct{}

	// Pending writes, applied on commit.
	partners map[solana.PublicKey]affiliate.Partner
	users    map[solana.PublicKey]affiliate.User

	userLocked bool
}

func (tx *memoryTx) lock(ctx context.Context, key solana.PublicKey) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	l := tx.store.recordLock(key)
	select {
	case l <- struct{}{}:
		tx.held[key] = l
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tx *memoryTx) lockPartner(ctx context.Context, key solana.PublicKey) error {
	if _, ok := tx.held[key]; !ok && tx.userLocked {
		return errLockOrder
	}
	return tx.lock(ctx, key)
}

func (tx *memoryTx) lockUser(ctx context.Context, key solana.PublicKey) error {
	if err := tx.lock(ctx, key); err != nil {
		return err
	}
	tx.userLocked = true
	return nil
}

func (tx *memoryTx) release() {
	for key, l := range tx.held {
		<-l
		delete(tx.held, key)
	}
}

func (tx *memoryTx) commit() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for key, p := range tx.partners {
		tx.store.partners[key] = p
	}
	for key, u := range tx.users {
		tx.store.users[key] = u
	}
}

func (tx *memoryTx) Partner(ctx context.Context, key solana.PublicKey) (*affiliate.Partner, error) {
	if err := tx.lockPartner(ctx, key); err != nil {
		return nil, err
	}
	if p, ok := tx.partners[key]; ok {
		return &p, nil
	}
	return tx.store.GetPartner(ctx, key)
}

func (tx *memoryTx) User(ctx context.Context, key solana.PublicKey) (*affiliate.User, error) {
	if err := tx.lockUser(ctx, key); err != nil {
		return nil, err
	}
	if u, ok := tx.users[key]; ok {
		return &u, nil
	}
	return tx.store.GetUser(ctx, key)
}

func (tx *memoryTx) InsertPartner(ctx context.Context, p *affiliate.Partner) error {
	if err := tx.lockPartner(ctx, p.Key); err != nil {
		return err
	}
	if _, ok := tx.partners[p.Key]; ok {
		return fmt.Errorf("partner %s: %w", p.Key, ErrAlreadyExists)
	}
	if _, err := tx.store.GetPartner(ctx, p.Key); err == nil {
		return fmt.Errorf("partner %s: %w", p.Key, ErrAlreadyExists)
	}
	tx.partners[p.Key] = *p
	return nil
}

func (tx *memoryTx) InsertUser(ctx context.Context, u *affiliate.User) error {
	if err := tx.lockUser(ctx, u.Key); err != nil {
		return err
	}
	if _, ok := tx.users[u.Key]; ok {
		return fmt.Errorf("user %s: %w", u.Key, ErrAlreadyExists)
	}
	if _, err := tx.store.GetUser(ctx, u.Key); err == nil {
		return fmt.Errorf("user %s: %w", u.Key, ErrAlreadyExists)
	}
	tx.users[u.Key] = *u
	return nil
}

func (tx *memoryTx) SavePartner(_ context.Context, p *affiliate.Partner) error {
	if _, ok := tx.held[p.Key]; !ok {
		return fmt.Errorf("partner %s was not loaded in this transaction", p.Key)
	}
	tx.partners[p.Key] = *p
	return nil
}

func (tx *memoryTx) SaveUser(_ context.Context, u *affiliate.User) error {
	if _, ok := tx.held[u.Key]; !ok {
		return fmt.Errorf("user %s was not loaded in this transaction", u.Key)
	}
	tx.users[u.Key] = *u
	return nil
}
