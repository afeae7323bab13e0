package store

import (
	"context"
	"sync"
	"time"

	"signal-trader-go/order"
)

// Compile-time interface checks.
var _ OrderRepository = (*MemoryStore)(nil)
var _ RetryQueueRepository = (*MemoryStore)(nil)
var _ PositionRepository = (*MemoryStore)(nil)

type ordersKey struct{ owner, local string }
type positionKey struct{ owner, symbol string }

// MemoryStore 内存实现，进程内使用与测试用。
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[ordersKey]*order.TrackedOrder
	retries   map[ordersKey]*order.RetryQueueEntry
	positions map[positionKey]*PositionRecord
}

// NewMemoryStore 创建内存仓库。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[ordersKey]*order.TrackedOrder),
		retries:   make(map[ordersKey]*order.RetryQueueEntry),
		positions: make(map[positionKey]*PositionRecord),
	}
}

// NewMemoryRepositories 返回三个接口均指向同一内存仓库的聚合。
func NewMemoryRepositories() Repositories {
	m := NewMemoryStore()
	return Repositories{Orders: m, RetryQueue: m, Positions: m}
}

// ---- OrderRepository ----

func (m *MemoryStore) SaveOrder(_ context.Context, o *order.TrackedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ordersKey{o.OwnerUserID, o.LocalOrderID}
	if _, exists := m.orders[k]; exists {
		return ErrDuplicateID
	}
	m.orders[k] = o.Clone()
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, ownerID, localID string) (*order.TrackedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[ordersKey{ownerID, localID}]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListActiveOrders(_ context.Context, ownerID string) ([]*order.TrackedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*order.TrackedOrder, 0)
	for k, o := range m.orders {
		if k.owner == ownerID && o.IsActive() {
			res = append(res, o.Clone())
		}
	}
	return res, nil
}

func (m *MemoryStore) ListOrdersByStatus(_ context.Context, ownerID string, status order.Status) ([]*order.TrackedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*order.TrackedOrder, 0)
	for k, o := range m.orders {
		if k.owner == ownerID && o.Status == status {
			res = append(res, o.Clone())
		}
	}
	return res, nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, o *order.TrackedOrder, expectedUpdatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ordersKey{o.OwnerUserID, o.LocalOrderID}
	cur, ok := m.orders[k]
	if !ok {
		return ErrNotFound
	}
	if !cur.UpdatedAt.Equal(expectedUpdatedAt) {
		return ErrVersionConflict
	}
	m.orders[k] = o.Clone()
	return nil
}

// ---- RetryQueueRepository ----

func (m *MemoryStore) SaveEntry(_ context.Context, e *order.RetryQueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[ordersKey{e.OwnerUserID, e.LocalOrderID}] = e.Clone()
	return nil
}

func (m *MemoryStore) GetEntry(_ context.Context, ownerID, localID string) (*order.RetryQueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.retries[ordersKey{ownerID, localID}]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) ListEntries(_ context.Context, ownerID string) ([]*order.RetryQueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*order.RetryQueueEntry, 0)
	for k, e := range m.retries {
		if k.owner == ownerID {
			res = append(res, e.Clone())
		}
	}
	return res, nil
}

func (m *MemoryStore) ListDue(_ context.Context, ownerID string, now time.Time) ([]*order.RetryQueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*order.RetryQueueEntry, 0)
	for k, e := range m.retries {
		if k.owner == ownerID && e.Due(now) {
			res = append(res, e.Clone())
		}
	}
	return res, nil
}

func (m *MemoryStore) DeleteEntry(_ context.Context, ownerID, localID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ordersKey{ownerID, localID}
	if _, ok := m.retries[k]; !ok {
		return ErrNotFound
	}
	delete(m.retries, k)
	return nil
}

// ---- PositionRepository ----

func (m *MemoryStore) SavePosition(_ context.Context, ownerID, symbol string, quantity int64, avgEntryPrice float64, activeExitOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[positionKey{ownerID, symbol}] = &PositionRecord{
		OwnerUserID:       ownerID,
		Symbol:            symbol,
		QuantityHeld:      quantity,
		AverageEntryPrice: avgEntryPrice,
		ActiveExitOrderID: activeExitOrderID,
		UpdatedAt:         time.Now().UTC(),
	}
	return nil
}

func (m *MemoryStore) GetPosition(_ context.Context, ownerID, symbol string) (*PositionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[positionKey{ownerID, symbol}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPositions(_ context.Context, ownerID string) ([]*PositionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]*PositionRecord, 0)
	for k, p := range m.positions {
		if k.owner == ownerID {
			cp := *p
			res = append(res, &cp)
		}
	}
	return res, nil
}

func (m *MemoryStore) DeletePosition(_ context.Context, ownerID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, positionKey{ownerID, symbol})
	return nil
}
