package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"paymock/internal/idempotency"
	"paymock/internal/models"
)

// MemoryStore keeps everything in process memory. Returned values are
// copies, so callers never alias stored state.
type MemoryStore struct {
	*idempotency.MemoryStore

	mu         sync.RWMutex
	payments   map[string]models.Payment
	history    map[string][]models.StatusChange
	deliveries map[string]models.Delivery
	attempts   map[string][]models.WebhookAttempt
	cards      map[string]models.SavedCard
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		MemoryStore: idempotency.NewMemoryStore(),
		payments:    make(map[string]models.Payment),
		history:     make(map[string][]models.StatusChange),
		deliveries:  make(map[string]models.Delivery),
		attempts:    make(map[string][]models.WebhookAttempt),
		cards:       make(map[string]models.SavedCard),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) InsertPayment(_ context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; ok {
		return ErrConflict
	}
	s.payments[p.ID] = copyPayment(p)
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyPayment(&p)
	return &cp, nil
}

func (s *MemoryStore) UpdatePayment(_ context.Context, p *models.Payment, expected models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.payments[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected || cur.Version != p.Version {
		return ErrConflict
	}
	p.Version++
	s.payments[p.ID] = copyPayment(p)
	if p.Status != expected {
		s.history[p.ID] = append(s.history[p.ID], models.StatusChange{
			PaymentID: p.ID,
			From:      expected,
			To:        p.Status,
			Reason:    p.FailureReason,
			At:        p.UpdatedAt,
		})
	}
	return nil
}

func (s *MemoryStore) ListExpirable(_ context.Context, now time.Time) ([]*models.Payment, error) {
	return s.filter(func(p *models.Payment) bool {
		return !p.Status.Terminal() && p.ExpiresAt.Before(now)
	}, 0), nil
}

func (s *MemoryStore) ListTerminalWithoutDelivery(_ context.Context) ([]*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Payment
	for id, p := range s.payments {
		if _, ok := s.deliveries[id]; ok || !p.Status.Terminal() {
			continue
		}
		cp := copyPayment(&p)
		out = append(out, &cp)
	}
	sortPayments(out)
	return out, nil
}

func (s *MemoryStore) ListPaidByEmail(_ context.Context, email string, limit int) ([]*models.Payment, error) {
	out := s.filter(func(p *models.Payment) bool {
		return p.Status == models.StatusPaid && p.OTPEmail == email
	}, 0)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) StatusHistory(_ context.Context, id string) ([]models.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.payments[id]; !ok {
		return nil, ErrNotFound
	}
	return append([]models.StatusChange(nil), s.history[id]...), nil
}

func (s *MemoryStore) CreateDeliveryIfAbsent(_ context.Context, d *models.Delivery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.PaymentID]; ok {
		return false, nil
	}
	s.deliveries[d.PaymentID] = copyDelivery(d)
	return true, nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, paymentID string) (*models.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyDelivery(&d)
	return &cp, nil
}

func (s *MemoryStore) UpdateDelivery(_ context.Context, d *models.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.PaymentID]; !ok {
		return ErrNotFound
	}
	s.deliveries[d.PaymentID] = copyDelivery(d)
	return nil
}

func (s *MemoryStore) ListPendingDeliveries(_ context.Context) ([]*models.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Delivery
	for _, d := range s.deliveries {
		if d.State != models.DeliveryPending {
			continue
		}
		cp := copyDelivery(&d)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	return out, nil
}

func (s *MemoryStore) AppendAttempt(_ context.Context, a *models.WebhookAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.attempts[a.PaymentID] {
		if existing.Sequence == a.Sequence {
			return ErrConflict
		}
	}
	s.attempts[a.PaymentID] = append(s.attempts[a.PaymentID], *a)
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, paymentID string) ([]models.WebhookAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]models.WebhookAttempt(nil), s.attempts[paymentID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) SaveCard(_ context.Context, c *models.SavedCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cards[c.ID]; ok {
		return nil
	}
	s.cards[c.ID] = *c
	return nil
}

func (s *MemoryStore) ListCards(_ context.Context, email string) ([]models.SavedCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SavedCard
	for _, c := range s.cards {
		if c.Email == email {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) filter(keep func(*models.Payment) bool, limit int) []*models.Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Payment
	for _, p := range s.payments {
		if !keep(&p) {
			continue
		}
		cp := copyPayment(&p)
		out = append(out, &cp)
	}
	sortPayments(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortPayments(ps []*models.Payment) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

func copyPayment(p *models.Payment) models.Payment {
	cp := *p
	if p.PaidAt != nil {
		t := *p.PaidAt
		cp.PaidAt = &t
	}
	return cp
}

func copyDelivery(d *models.Delivery) models.Delivery {
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	return cp
}
