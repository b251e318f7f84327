package services

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/escrowlink/backend/internal/config"
	"github.com/escrowlink/backend/internal/escrow"
	"github.com/escrowlink/backend/internal/events"
	"github.com/escrowlink/backend/internal/gateway"
	"github.com/escrowlink/backend/internal/limiter"
	"github.com/escrowlink/backend/internal/models"
	"github.com/escrowlink/backend/internal/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memEscrowStore serializes Update with one mutex, like the row lock does.
type memEscrowStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*models.EscrowTransaction
	refs []memReference
}

type memReference struct {
	repositories.PendingReference
	at time.Time
}

func newMemEscrowStore() *memEscrowStore {
	return &memEscrowStore{rows: map[uuid.UUID]*models.EscrowTransaction{}}
}

func (m *memEscrowStore) Create(_ context.Context, t *models.EscrowTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[t.ID] = t.Clone()
	return nil
}

func (m *memEscrowStore) GetByID(_ context.Context, id uuid.UUID) (*models.EscrowTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *memEscrowStore) GetByReference(_ context.Context, reference string) (*models.EscrowTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.refs {
		if r.Reference == reference {
			return m.rows[r.EscrowID].Clone(), nil
		}
	}
	for _, t := range m.rows {
		if t.GatewayReference == reference {
			return t.Clone(), nil
		}
	}
	return nil, escrow.ErrNotFound
}

func (m *memEscrowStore) AddReference(_ context.Context, id uuid.UUID, reference string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.refs {
		if r.Reference == reference {
			return nil
		}
	}
	m.refs = append(m.refs, memReference{
		PendingReference: repositories.PendingReference{EscrowID: id, Reference: reference},
		at:               at,
	})
	return nil
}

func (m *memEscrowStore) Update(_ context.Context, id uuid.UUID, fn func(*models.EscrowTransaction) (*models.EscrowTransaction, error)) (*models.EscrowTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[id]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	next, err := fn(cur.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur.Clone(), nil
	}
	m.rows[id] = next.Clone()
	return next, nil
}

func (m *memEscrowStore) ListBySeller(_ context.Context, f repositories.EscrowFilter) ([]models.EscrowTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []models.EscrowTransaction
	for _, t := range m.rows {
		if t.SellerID != f.SellerID {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		list = append(list, *t.Clone())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (m *memEscrowStore) ListOverdue(_ context.Context, now time.Time, _ int) ([]uuid.UUID, error) {
	return m.ids(func(t *models.EscrowTransaction) bool {
		return t.Status == models.EscrowStatusPaid && t.Deadline != nil && t.Deadline.Before(now)
	}), nil
}

func (m *memEscrowStore) ListUnnotified(_ context.Context, maxAttempts, _ int) ([]uuid.UUID, error) {
	return m.ids(func(t *models.EscrowTransaction) bool {
		return t.Status == models.EscrowStatusPaid && t.CodeNotifiedAt == nil && t.NotifyAttempts < maxAttempts
	}), nil
}

func (m *memEscrowStore) ListPendingReferences(_ context.Context, olderThan time.Time, _ int) ([]repositories.PendingReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repositories.PendingReference
	for _, r := range m.refs {
		t, ok := m.rows[r.EscrowID]
		if ok && t.Status == models.EscrowStatusPending && r.at.Before(olderThan) {
			out = append(out, r.PendingReference)
		}
	}
	return out, nil
}

func (m *memEscrowStore) ids(match func(*models.EscrowTransaction) bool) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, t := range m.rows {
		if match(t) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *memEscrowStore) get(id uuid.UUID) *models.EscrowTransaction {
	t, _ := m.GetByID(context.Background(), id)
	return t
}

type memSellerStore struct {
	mu      sync.Mutex
	byOwner map[uuid.UUID]*models.Seller
}

func newMemSellerStore() *memSellerStore {
	return &memSellerStore{byOwner: map[uuid.UUID]*models.Seller{}}
}

func (m *memSellerStore) Upsert(_ context.Context, s *models.Seller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byOwner[s.OwnerID]; ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
		if s.BankName == nil {
			s.BankName = existing.BankName
		}
	} else {
		s.ID = uuid.New()
		s.CreatedAt = time.Now()
	}
	s.UpdatedAt = time.Now()
	c := *s
	m.byOwner[s.OwnerID] = &c
	return nil
}

func (m *memSellerStore) GetByOwner(_ context.Context, ownerID uuid.UUID) (*models.Seller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byOwner[ownerID]
	if !ok {
		return nil, escrow.ErrSellerNotFound
	}
	c := *s
	return &c, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (m *memAudit) Log(_ context.Context, entry models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = uuid.New()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAudit) GetByEntity(_ context.Context, entityType string, entityID uuid.UUID, _, _ int) ([]models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, e := range m.entries {
		if e.EntityType == entityType && e.EntityID != nil && *e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memAudit) actions(id uuid.UUID) []string {
	entries, _ := m.GetByEntity(context.Background(), entityEscrow, id, 0, 0)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

type memAttempts struct {
	mu   sync.Mutex
	max  int
	used map[uuid.UUID]int
}

func newMemAttempts(max int) *memAttempts {
	return &memAttempts{max: max, used: map[uuid.UUID]int{}}
}

func (m *memAttempts) Reserve(_ context.Context, id uuid.UUID) (int, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used[id]++
	used := m.used[id]
	if used > m.max {
		return used, 0, false
	}
	return used, limiter.Remaining(used, m.max), true
}

func (m *memAttempts) Release(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used[id] > 0 {
		m.used[id]--
	}
	return nil
}

func (m *memAttempts) count(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[id]
}

func (m *memAttempts) Reset(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.used, id)
	return nil
}

type fakeGateway struct {
	mu          sync.Mutex
	status      string
	amountMinor int64 // 0 means echo the initialized amount
	initErr     error
	initialized map[string]int64
	abandoned   map[string]bool // per-reference override of status
	verifies    int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{status: "success", initialized: map[string]int64{}, abandoned: map[string]bool{}}
}

func (g *fakeGateway) abandon(reference string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.abandoned[reference] = true
}

func (g *fakeGateway) Initialize(_ context.Context, req gateway.InitializeRequest) (*gateway.InitializeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initErr != nil {
		return nil, g.initErr
	}
	g.initialized[req.Reference] = req.AmountMinor
	return &gateway.InitializeResult{
		AuthorizationURL: "https://checkout.example.com/" + req.Reference,
		AccessCode:       "ac",
		Reference:        req.Reference,
	}, nil
}

func (g *fakeGateway) Verify(_ context.Context, reference string) (*gateway.VerifyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifies++
	amount := g.amountMinor
	if amount == 0 {
		amount = g.initialized[reference]
	}
	status := g.status
	if g.abandoned[reference] {
		status = "abandoned"
	}
	return &gateway.VerifyResult{
		Reference:   reference,
		Success:     status == "success",
		RawStatus:   status,
		AmountMinor: amount,
	}, nil
}

func (g *fakeGateway) verifyCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verifies
}

type fakeNotifier struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (n *fakeNotifier) SendConfirmationCode(_ context.Context, tx *models.EscrowTransaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, tx.ConfirmationCode)
	return nil
}

func (n *fakeNotifier) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *fakeNotifier) sentCodes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

type memPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *memPublisher) Publish(_ context.Context, _ string, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *memPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

// countingCodes always issues the same code and counts how often it was asked.
type countingCodes struct {
	code  string
	calls atomic.Int32
}

func (c *countingCodes) Generate() (string, error) {
	c.calls.Add(1)
	return c.code, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type denyAll struct{}

func (denyAll) TryClaim(context.Context, string) bool { return false }

type testEnv struct {
	svc      *EscrowService
	store    *memEscrowStore
	sellers  *memSellerStore
	audit    *memAudit
	attempts *memAttempts
	gw       *fakeGateway
	notifier *fakeNotifier
	pub      *memPublisher
	clock    *testClock
	codes    *countingCodes
	cfg      *config.Config
}

const testCode = "482913"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    newMemEscrowStore(),
		sellers:  newMemSellerStore(),
		audit:    &memAudit{},
		attempts: newMemAttempts(3),
		gw:       newFakeGateway(),
		notifier: &fakeNotifier{},
		pub:      &memPublisher{},
		clock:    &testClock{now: t0},
		codes:    &countingCodes{code: testCode},
		cfg: &config.Config{
			SiteURL:            "https://escrow.example.com",
			GatewayTimeout:     time.Second,
			NotifyTimeout:      time.Second,
			NotifyMaxAttempts:  5,
			ConfirmMaxAttempts: 3,
		},
	}
	machine := escrow.NewMachine(env.codes, escrow.WithBuyerEmailRequired(true))
	env.svc = NewEscrowService(env.store, env.sellers, env.audit, env.attempts, env.gw, env.notifier, env.pub, machine, env.cfg, zap.NewNop())
	env.svc.SetClock(env.clock.Now)
	t.Cleanup(env.svc.Wait)
	return env
}
