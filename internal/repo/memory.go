package repo

import (
	"context"
	"fmt"
	"sync"

	"carehooks/internal/domain"
	"carehooks/pkg/platform/sentinel"
)

// MemoryRepository stores resources in memory for tests and development.
type MemoryRepository struct {
	mu            sync.RWMutex
	resources     map[string]map[string]any
	deleted       map[string]bool
	subscriptions map[string]*domain.Subscription
	bots          map[string]*domain.Bot
	projects      map[string]*domain.Project
	memberships   []*domain.Membership
	logins        []*domain.Login
	auditEvents   []*domain.AuditEvent
}

// NewMemoryRepository constructs an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		resources:     make(map[string]map[string]any),
		deleted:       make(map[string]bool),
		subscriptions: make(map[string]*domain.Subscription),
		bots:          make(map[string]*domain.Bot),
		projects:      make(map[string]*domain.Project),
	}
}

func (r *MemoryRepository) ReadResource(_ context.Context, resourceType, id string) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := domain.Reference(resourceType, id)
	if r.deleted[key] {
		return nil, fmt.Errorf("resource %s: %w", key, sentinel.ErrGone)
	}
	if res, ok := r.resources[key]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("resource %s: %w", key, sentinel.ErrNotFound)
}

func (r *MemoryRepository) ReadSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sub, ok := r.subscriptions[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription %s: %w", id, sentinel.ErrNotFound)
}

func (r *MemoryRepository) ReadBot(_ context.Context, id string) (*domain.Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if bot, ok := r.bots[id]; ok {
		return bot, nil
	}
	return nil, fmt.Errorf("bot %s: %w", id, sentinel.ErrNotFound)
}

func (r *MemoryRepository) ReadProject(_ context.Context, id string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if project, ok := r.projects[id]; ok {
		return project, nil
	}
	return nil, fmt.Errorf("project %s: %w", id, sentinel.ErrNotFound)
}

func (r *MemoryRepository) ActiveSubscriptions(_ context.Context, projectID string) ([]*domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Subscription
	for _, sub := range r.subscriptions {
		if sub.ProjectID == projectID && sub.Status == domain.SubscriptionActive {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (r *MemoryRepository) CronBots(_ context.Context) ([]*domain.Bot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Bot
	for _, bot := range r.bots {
		if bot.CronString != "" || bot.CronTiming != nil {
			out = append(out, bot)
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindMembership(_ context.Context, projectID, userRef string) (*domain.Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.memberships {
		if m.ProjectID == projectID && m.UserRef == userRef {
			return m, nil
		}
	}
	return nil, fmt.Errorf("membership for %s in project %s: %w", userRef, projectID, sentinel.ErrNotFound)
}

func (r *MemoryRepository) CreateLogin(_ context.Context, login *domain.Login) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins = append(r.logins, login)
	return nil
}

func (r *MemoryRepository) CreateAuditEvent(_ context.Context, event *domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditEvents = append(r.auditEvents, event)
	return nil
}

// Seeding and inspection helpers for tests.

func (r *MemoryRepository) PutResource(resourceType, id string, body map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.Reference(resourceType, id)
	r.resources[key] = body
	delete(r.deleted, key)
}

func (r *MemoryRepository) DeleteResource(resourceType, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.Reference(resourceType, id)
	delete(r.resources, key)
	r.deleted[key] = true
}

func (r *MemoryRepository) PutSubscription(sub *domain.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions[sub.ID] = sub
}

func (r *MemoryRepository) RemoveSubscription(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriptions, id)
}

func (r *MemoryRepository) PutBot(bot *domain.Bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[bot.ID] = bot
}

func (r *MemoryRepository) PutProject(project *domain.Project) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[project.ID] = project
}

func (r *MemoryRepository) PutMembership(m *domain.Membership) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memberships = append(r.memberships, m)
}

// Logins returns all logins created so far.
func (r *MemoryRepository) Logins() []*domain.Login {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Login, len(r.logins))
	copy(out, r.logins)
	return out
}

// AuditEvents returns all audit events recorded so far.
func (r *MemoryRepository) AuditEvents() []*domain.AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.AuditEvent, len(r.auditEvents))
	copy(out, r.auditEvents)
	return out
}
