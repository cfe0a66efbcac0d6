package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records and orders in process memory. Used by tests and STORE=memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	orders  []Order
	nextID  int64
	saves   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records[userID].Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("wallet: nil record")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := rec.Clone()
	if prev, ok := m.records[rec.UserID]; ok {
		stored.CreatedAt = prev.CreatedAt
	}
	stored.UpdatedAt = time.Now().UTC()
	m.records[rec.UserID] = stored
	m.saves++
	return nil
}

func (m *MemoryStore) ListUserIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Saves reports how many times Save succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *MemoryStore) InsertOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now().UTC()
	o.ID = m.nextID
	o.CreatedAt = now
	o.UpdatedAt = now
	m.orders = append(m.orders, *o)
	return nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, id int64, u OrderUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.orders {
		o := &m.orders[i]
		if o.ID != id {
			continue
		}
		if u.Status != "" {
			o.Status = u.Status
		}
		if u.Stage != "" {
			o.Stage = u.Stage
		}
		if u.Error != "" {
			o.Error = u.Error
		}
		if u.TxHash != "" {
			o.TxHash = u.TxHash
		}
		o.UpdatedAt = time.Now().UTC()
		return nil
	}
	return fmt.Errorf("wallet: order %d not found", id)
}

// ListOrders returns the newest orders first.
func (m *MemoryStore) ListOrders(_ context.Context, userID string, limit int) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Order, 0)
	for i := len(m.orders) - 1; i >= 0; i-- {
		if m.orders[i].UserID != userID {
			continue
		}
		out = append(out, m.orders[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
