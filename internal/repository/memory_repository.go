package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

// MemoryPaymentRepository keeps payments in process memory with the same
// uniqueness and compare-and-set semantics as PaymentRepository. It backs
// the development profile when no DATABASE_URL is configured.
type MemoryPaymentRepository struct {
	mu       sync.Mutex
	payments map[string]models.Payment
	writes   int
	now      func() time.Time
}

func NewMemoryPaymentRepository() *MemoryPaymentRepository {
	return &MemoryPaymentRepository{
		payments: make(map[string]models.Payment),
		now:      time.Now,
	}
}

func (r *MemoryPaymentRepository) Create(_ context.Context, p *models.Payment) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.payments[p.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, p.GatewayOrderID)
	}
	for _, existing := range r.payments {
		if existing.GatewayOrderID == p.GatewayOrderID || existing.OrderID == p.OrderID {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, p.GatewayOrderID)
		}
	}

	stored := clonePayment(*p)
	stored.Notes = notesOrEmpty(stored.Notes)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	r.payments[p.ID] = stored
	r.writes++

	out := clonePayment(stored)
	return &out, nil
}

func (r *MemoryPaymentRepository) FindByID(_ context.Context, id string) (*models.Payment, error) {
	return r.find(func(p models.Payment) bool { return p.ID == id })
}

func (r *MemoryPaymentRepository) FindByGatewayOrderID(_ context.Context, gatewayOrderID string) (*models.Payment, error) {
	return r.find(func(p models.Payment) bool { return p.GatewayOrderID == gatewayOrderID })
}

func (r *MemoryPaymentRepository) FindByGatewayPaymentID(_ context.Context, gatewayPaymentID string) (*models.Payment, error) {
	if gatewayPaymentID == "" {
		return nil, ErrNotFound
	}
	return r.find(func(p models.Payment) bool { return p.GatewayPaymentID == gatewayPaymentID })
}

func (r *MemoryPaymentRepository) CompareAndSetStatus(_ context.Context, id string, expected models.PaymentStatus, u models.StatusUpdate) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != expected {
		return nil, fmt.Errorf("%w: expected %s, found %s", ErrConflict, expected, current.Status)
	}

	updated := u.Apply(current, r.now())
	r.payments[id] = updated
	r.writes++

	out := clonePayment(updated)
	return &out, nil
}

func (r *MemoryPaymentRepository) ListByStudent(_ context.Context, studentID string, filter models.ListFilter) ([]models.Payment, int, error) {
	return r.list(func(p models.Payment) bool { return p.StudentID == studentID }, filter)
}

func (r *MemoryPaymentRepository) ListByEvent(_ context.Context, eventID string, filter models.ListFilter) ([]models.Payment, int, error) {
	return r.list(func(p models.Payment) bool { return p.EventID == eventID }, filter)
}

// Writes counts successful creates and status updates.
func (r *MemoryPaymentRepository) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

func (r *MemoryPaymentRepository) find(match func(models.Payment) bool) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.payments {
		if match(p) {
			out := clonePayment(p)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryPaymentRepository) list(match func(models.Payment) bool, filter models.ListFilter) ([]models.Payment, int, error) {
	r.mu.Lock()
	var matched []models.Payment
	for _, p := range r.payments {
		if match(p) && (filter.Status == "" || p.Status == filter.Status) {
			matched = append(matched, clonePayment(p))
		}
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := filter.Offset()
	if start >= total {
		return []models.Payment{}, total, nil
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func clonePayment(p models.Payment) models.Payment {
	if p.Notes != nil {
		notes := make(map[string]string, len(p.Notes))
		for k, v := range p.Notes {
			notes[k] = v
		}
		p.Notes = notes
	}
	if p.RefundedAmount != nil {
		amt := *p.RefundedAmount
		p.RefundedAmount = &amt
	}
	return p
}
