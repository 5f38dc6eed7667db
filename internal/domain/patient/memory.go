package patient

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is a thread-safe, in-memory Repository. Mutations hold the
// store lock for their whole duration, so they are serialized.
type MemoryRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{patients: make(map[uuid.UUID]*Patient)}
}

// clone copies p including its embedded slices.
func clone(p *Patient) *Patient {
	cp := *p
	cp.PhotoKeys = slices.Clone(p.PhotoKeys)
	cp.Notes = slices.Clone(p.Notes)
	cp.RxOrders = slices.Clone(p.RxOrders)
	if p.TelegramChatID != nil {
		chatID := *p.TelegramChatID
		cp.TelegramChatID = &chatID
	}
	return &cp
}

func (m *MemoryRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = clone(p)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (m *MemoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[id]; !ok {
		return ErrNotFound
	}
	delete(m.patients, id)
	return nil
}

func (m *MemoryRepo) List(_ context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(filter.Query))
	var matched []*Patient
	for _, p := range m.patients {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(p.FullName()), q) {
			continue
		}
		matched = append(matched, clone(p))
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []*Patient{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *MemoryRepo) Mutate(_ context.Context, id uuid.UUID, fn MutateFunc) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	p := clone(stored)
	if err := fn(p); err != nil {
		return nil, err
	}
	p.Version = stored.Version + 1
	p.UpdatedAt = time.Now().UTC()
	m.patients[id] = clone(p)
	return p, nil
}

func (m *MemoryRepo) FindByRxOrder(_ context.Context, orderID uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.RxOrder(orderID) != nil {
			return clone(p), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRepo) GetByTelegramChat(_ context.Context, chatID int64) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.TelegramChatID != nil && *p.TelegramChatID == chatID {
			return clone(p), nil
		}
	}
	return nil, ErrNotFound
}
