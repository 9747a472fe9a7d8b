// README: In-memory ledger store; each account serializes on its own lock.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"swiftride/internal/types"
)

type memAccount struct {
	mu      sync.Mutex
	account Account
}

type MemoryStore struct {
	mu       sync.Mutex
	accounts map[types.ID]*memAccount
	// refs maps a reference to its entry; nil while the posting is in flight.
	refs    map[string]*Entry
	entries map[types.ID][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[types.ID]*memAccount),
		refs:     make(map[string]*Entry),
		entries:  make(map[types.ID][]Entry),
	}
}

func (m *MemoryStore) Credit(_ context.Context, p Posting, entryID types.ID, at time.Time) (Entry, error) {
	return m.apply(p, entryID, at, false)
}

func (m *MemoryStore) Debit(_ context.Context, p Posting, entryID types.ID, at time.Time) (Entry, error) {
	return m.apply(p, entryID, at, true)
}

func (m *MemoryStore) apply(p Posting, entryID types.ID, at time.Time, debit bool) (Entry, error) {
	acc := m.account(p.AccountID, at)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	m.mu.Lock()
	if e, ok := m.refs[p.ReferenceID]; ok {
		m.mu.Unlock()
		if e == nil {
			return Entry{}, ErrDuplicateReference
		}
		return *e, ErrDuplicateReference
	}
	m.refs[p.ReferenceID] = nil
	m.mu.Unlock()

	before := acc.account.Balance
	amount := p.Amount
	if debit {
		var err error
		switch {
		case acc.account.IsLocked:
			err = ErrAccountLocked
		case before.LessThan(p.Amount):
			err = ErrInsufficientFunds
		}
		if err != nil {
			m.mu.Lock()
			delete(m.refs, p.ReferenceID)
			m.mu.Unlock()
			return Entry{}, err
		}
		amount = p.Amount.Neg()
	}

	e := Entry{
		ID:            entryID,
		AccountID:     p.AccountID,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  before.Add(amount),
		Kind:          p.Kind,
		ReferenceID:   p.ReferenceID,
		RideID:        p.RideID,
		CreatedAt:     at,
	}
	acc.account.Balance = e.BalanceAfter
	acc.account.UpdatedAt = at

	m.mu.Lock()
	stored := e
	m.refs[p.ReferenceID] = &stored
	m.entries[p.AccountID] = append(m.entries[p.AccountID], e)
	m.mu.Unlock()
	return e, nil
}

func (m *MemoryStore) Ensure(_ context.Context, id types.ID, at time.Time) (Account, error) {
	acc := m.account(id, at)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.account, nil
}

func (m *MemoryStore) Entries(_ context.Context, accountID types.ID, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.entries[accountID]
	out := make([]Entry, len(src))
	copy(out, src)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetLocked(_ context.Context, id types.ID, locked bool) error {
	m.mu.Lock()
	acc, ok := m.accounts[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	acc.mu.Lock()
	acc.account.IsLocked = locked
	acc.mu.Unlock()
	return nil
}

func (m *MemoryStore) account(id types.ID, at time.Time) *memAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		acc = &memAccount{account: Account{OwnerID: id, Balance: decimal.Zero, CreatedAt: at, UpdatedAt: at}}
		m.accounts[id] = acc
	}
	return acc
}
