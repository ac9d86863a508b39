// Package repo is the boundary to the resource repository. The automation
// layer only reads resources and appends logins and audit events; all writes
// to domain resources happen elsewhere.
package repo

import (
	"context"

	"carehooks/internal/domain"
)

// Repository exposes the fresh-state reads and append-only writes the
// automation pipeline needs.
//
// Error contract:
//   - sentinel.ErrNotFound when the entity never existed
//   - sentinel.ErrGone when the entity existed but was deleted
//   - wrapped infrastructure errors otherwise
type Repository interface {
	ReadResource(ctx context.Context, resourceType, id string) (map[string]any, error)
	ReadSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	ReadBot(ctx context.Context, id string) (*domain.Bot, error)
	ReadProject(ctx context.Context, id string) (*domain.Project, error)

	// ActiveSubscriptions returns the project's subscriptions with status
	// "active", the candidate pool for criteria matching.
	ActiveSubscriptions(ctx context.Context, projectID string) ([]*domain.Subscription, error)

	// FindMembership resolves the membership of userRef in the project.
	FindMembership(ctx context.Context, projectID, userRef string) (*domain.Membership, error)

	// CronBots returns every bot with a cron configuration, across projects.
	// Used to rebuild the schedule registry on startup.
	CronBots(ctx context.Context) ([]*domain.Bot, error)

	CreateLogin(ctx context.Context, login *domain.Login) error
	CreateAuditEvent(ctx context.Context, event *domain.AuditEvent) error
}
