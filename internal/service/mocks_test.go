package service

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateOrder(ctx context.Context, req models.GatewayOrderRequest) (*models.GatewayOrder, error) {
	args := m.Called(ctx, req)
	if o, ok := args.Get(0).(*models.GatewayOrder); ok {
		return o, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, gatewayPaymentID string, req models.GatewayRefundRequest) (*models.GatewayRefund, error) {
	args := m.Called(ctx, gatewayPaymentID, req)
	if r, ok := args.Get(0).(*models.GatewayRefund); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []models.PaymentStateChanged
	err    error
}

func (p *recordingPublisher) PublishStateChanged(_ context.Context, event models.PaymentStateChanged) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Events() []models.PaymentStateChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.PaymentStateChanged(nil), p.events...)
}

type memoryDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemoryDedup() *memoryDedup {
	return &memoryDedup{seen: map[string]bool{}}
}

func (d *memoryDedup) Seen(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[eventID], nil
}

func (d *memoryDedup) MarkProcessed(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[eventID] = true
	return nil
}

// conflictingRepo fails the first n compare-and-set calls with ErrConflict,
// optionally mutating the record first to simulate a concurrent writer.
type conflictingRepo struct {
	*repository.MemoryPaymentRepository
	conflicts int
	before    func()
}

func (r *conflictingRepo) CompareAndSetStatus(ctx context.Context, id string, expected models.PaymentStatus, u models.StatusUpdate) (*models.Payment, error) {
	if r.conflicts > 0 {
		r.conflicts--
		if r.before != nil {
			r.before()
		}
		return nil, repository.ErrConflict
	}
	return r.MemoryPaymentRepository.CompareAndSetStatus(ctx, id, expected, u)
}
