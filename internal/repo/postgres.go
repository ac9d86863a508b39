package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carehooks/internal/domain"
	"carehooks/pkg/platform/sentinel"
)

// PostgresRepository reads resources from PostgreSQL. Resources live in a
// single table keyed by (resource_type, id) with the body in a jsonb column;
// audit events get their own append-only table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository constructs a PostgreSQL-backed repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Schema returns the DDL this repository expects. Applied by migrations
// elsewhere; exposed here so integration tests can set up a database.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS resources (
	resource_type TEXT NOT NULL,
	id TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	content JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (resource_type, id)
);
CREATE INDEX IF NOT EXISTS idx_resources_project ON resources (resource_type, project_id);
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL DEFAULT '',
	recorded TIMESTAMPTZ NOT NULL,
	content JSONB NOT NULL
);`
}

func (r *PostgresRepository) readRow(ctx context.Context, resourceType, id string) ([]byte, error) {
	var content []byte
	var deleted bool
	err := r.db.QueryRowContext(ctx,
		`SELECT content, deleted FROM resources WHERE resource_type = $1 AND id = $2`,
		resourceType, id,
	).Scan(&content, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("resource %s/%s: %w", resourceType, id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read resource %s/%s: %w", resourceType, id, err)
	}
	if deleted {
		return nil, fmt.Errorf("resource %s/%s: %w", resourceType, id, sentinel.ErrGone)
	}
	return content, nil
}

func (r *PostgresRepository) ReadResource(ctx context.Context, resourceType, id string) (map[string]any, error) {
	content, err := r.readRow(ctx, resourceType, id)
	if err != nil {
		return nil, err
	}
	var body map[string]any
	if err := json.Unmarshal(content, &body); err != nil {
		return nil, fmt.Errorf("decode resource %s/%s: %w", resourceType, id, err)
	}
	return body, nil
}

func (r *PostgresRepository) ReadSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	content, err := r.readRow(ctx, "Subscription", id)
	if err != nil {
		return nil, err
	}
	var sub domain.Subscription
	if err := json.Unmarshal(content, &sub); err != nil {
		return nil, fmt.Errorf("decode subscription %s: %w", id, err)
	}
	return &sub, nil
}

func (r *PostgresRepository) ReadBot(ctx context.Context, id string) (*domain.Bot, error) {
	content, err := r.readRow(ctx, "Bot", id)
	if err != nil {
		return nil, err
	}
	var bot domain.Bot
	if err := json.Unmarshal(content, &bot); err != nil {
		return nil, fmt.Errorf("decode bot %s: %w", id, err)
	}
	return &bot, nil
}

func (r *PostgresRepository) ReadProject(ctx context.Context, id string) (*domain.Project, error) {
	content, err := r.readRow(ctx, "Project", id)
	if err != nil {
		return nil, err
	}
	var project domain.Project
	if err := json.Unmarshal(content, &project); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", id, err)
	}
	return &project, nil
}

func (r *PostgresRepository) ActiveSubscriptions(ctx context.Context, projectID string) ([]*domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT content FROM resources
		 WHERE resource_type = 'Subscription' AND project_id = $1 AND NOT deleted
		   AND content->>'status' = 'active'`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Subscription
	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		var sub domain.Subscription
		if err := json.Unmarshal(content, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CronBots(ctx context.Context) ([]*domain.Bot, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT content FROM resources
		 WHERE resource_type = 'Bot' AND NOT deleted
		   AND (content->>'cronString' <> '' OR content ? 'cronTiming')`,
	)
	if err != nil {
		return nil, fmt.Errorf("list cron bots: %w", err)
	}
	defer rows.Close()

	var out []*domain.Bot
	for rows.Next() {
		var content []byte
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		var bot domain.Bot
		if err := json.Unmarshal(content, &bot); err != nil {
			return nil, fmt.Errorf("decode bot: %w", err)
		}
		out = append(out, &bot)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) FindMembership(ctx context.Context, projectID, userRef string) (*domain.Membership, error) {
	var content []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT content FROM resources
		 WHERE resource_type = 'Membership' AND project_id = $1 AND NOT deleted
		   AND content->>'userRef' = $2
		 LIMIT 1`,
		projectID, userRef,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("membership for %s in project %s: %w", userRef, projectID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find membership: %w", err)
	}
	var m domain.Membership
	if err := json.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("decode membership: %w", err)
	}
	return &m, nil
}

func (r *PostgresRepository) CreateLogin(ctx context.Context, login *domain.Login) error {
	if login.ID == "" {
		login.ID = uuid.NewString()
	}
	content, err := json.Marshal(login)
	if err != nil {
		return fmt.Errorf("encode login: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO resources (resource_type, id, content) VALUES ('Login', $1, $2)`,
		login.ID, content,
	)
	if err != nil {
		return fmt.Errorf("create login: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Recorded.IsZero() {
		event.Recorded = time.Now()
	}
	content, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, project_id, recorded, content) VALUES ($1, $2, $3, $4)`,
		event.ID, event.ProjectID, event.Recorded, content,
	)
	if err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}
