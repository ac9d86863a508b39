// Package secrets merges project configuration values into one effective
// secret set for a bot invocation.
package secrets

import (
	"context"
	"fmt"

	"carehooks/internal/domain"
	"carehooks/internal/repo"
)

// Resolver resolves the merged secrets map for a bot invocation.
type Resolver struct {
	repo repo.Repository
}

// NewResolver constructs a Resolver.
func NewResolver(r repo.Repository) *Resolver {
	return &Resolver{repo: r}
}

// Resolve merges secrets from up to four precedence tiers, lowest to highest;
// later entries overwrite earlier ones by name:
//
//  1. Bot project system secrets (only if the bot is marked system)
//  2. Bot project secrets
//  3. Run-as project system secrets (only if the bot is system and running
//     in a different project)
//  4. Run-as project secrets (if running in a different project)
//
// Most specific wins, and local configuration overrides system defaults.
// Exactly two project reads happen when the run-as project differs from the
// bot's own, one otherwise. The returned map is fresh per invocation.
func (r *Resolver) Resolve(ctx context.Context, bot *domain.Bot, runAsProjectID string) (map[string]domain.Secret, error) {
	var list []domain.Secret
	if bot.ProjectID != runAsProjectID {
		if err := r.appendProjectSecrets(ctx, bot.ProjectID, bot.System, &list); err != nil {
			return nil, err
		}
	}
	if err := r.appendProjectSecrets(ctx, runAsProjectID, bot.System, &list); err != nil {
		return nil, err
	}

	out := make(map[string]domain.Secret, len(list))
	for _, s := range list {
		out[s.Name] = s
	}
	return out, nil
}

func (r *Resolver) appendProjectSecrets(ctx context.Context, projectID string, system bool, out *[]domain.Secret) error {
	project, err := r.repo.ReadProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("read project %s for secrets: %w", projectID, err)
	}
	if system {
		*out = append(*out, project.SystemSecrets...)
	}
	*out = append(*out, project.Secrets...)
	return nil
}

// Values flattens a resolved secrets map to plain name/value pairs, the
// shape handed to bot code.
func Values(secrets map[string]domain.Secret) map[string]any {
	out := make(map[string]any, len(secrets))
	for name, s := range secrets {
		out[name] = s.Value()
	}
	return out
}
