package domain

import (
	"fmt"
	"strings"
	"time"
)

// Interaction is the kind of resource mutation that produced a change event.
type Interaction string

const (
	InteractionCreate Interaction = "create"
	InteractionUpdate Interaction = "update"
	InteractionDelete Interaction = "delete"
)

// ChangeEvent is an immutable record of one resource mutation. It is produced
// once per write by the repository layer and consumed by the criteria matcher.
type ChangeEvent struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id"`
	VersionID    string         `json:"versionId,omitempty"`
	Interaction  Interaction    `json:"interaction"`
	Resource     map[string]any `json:"resource,omitempty"`
	Previous     map[string]any `json:"previous,omitempty"`
	ProjectID    string         `json:"projectId"`
	AccountID    string         `json:"accountId,omitempty"`
	RequestID    string         `json:"requestId,omitempty"`
	TraceID      string         `json:"traceId,omitempty"`
	RequestTime  time.Time      `json:"requestTime"`
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive SubscriptionStatus = "active"
	SubscriptionOff    SubscriptionStatus = "off"
	SubscriptionError  SubscriptionStatus = "error"
)

// ChannelTypeRestHook is the only channel type this subsystem delivers.
const ChannelTypeRestHook = "rest-hook"

// Channel describes where and how a subscription notification is delivered.
// Headers are "Name: value" strings attached to the outbound request.
type Channel struct {
	Type     string   `json:"type"`
	Endpoint string   `json:"endpoint,omitempty"`
	Headers  []string `json:"headers,omitempty"`
}

// Subscription is a persistent rule describing which resource changes to
// watch and where to notify. Owned by a project; read-only to this subsystem.
type Subscription struct {
	ID        string             `json:"id"`
	ProjectID string             `json:"projectId"`
	AccountID string             `json:"accountId,omitempty"`
	AuthorRef string             `json:"authorRef,omitempty"`
	Status    SubscriptionStatus `json:"status"`
	Criteria  string             `json:"criteria"`
	Channel   Channel            `json:"channel"`

	// Secret enables HMAC-SHA256 signing of the delivery body.
	Secret string `json:"secret,omitempty"`

	// SuccessCodes replaces the default 2xx success check when set,
	// e.g. "200,201,410-600".
	SuccessCodes string `json:"successCodes,omitempty"`

	// MaxAttempts overrides the default delivery attempt ceiling.
	MaxAttempts int `json:"maxAttempts,omitempty"`

	// SupportedInteraction restricts matching to one interaction kind.
	// Empty means all interactions match.
	SupportedInteraction Interaction `json:"supportedInteraction,omitempty"`

	// CriteriaExpression is an optional predicate over the previous and
	// current resource state, evaluated with bound variables `previous`
	// and `current`.
	CriteriaExpression string `json:"criteriaExpression,omitempty"`

	AuditTrigger      AuditTrigger       `json:"auditTrigger,omitempty"`
	AuditDestinations []AuditDestination `json:"auditDestinations,omitempty"`
}

// RuntimeVersion identifies the execution runtime for a bot.
type RuntimeVersion string

const (
	RuntimeVMContext       RuntimeVersion = "vmcontext"
	RuntimeRemote          RuntimeVersion = "remote"
	RuntimeRemoteStreaming RuntimeVersion = "remote-streaming"
)

// Timing is a cron-like scheduling input: runs per day and/or explicit days
// of week. Absence of both yields no schedule.
type Timing struct {
	Period    int      `json:"period,omitempty"`
	DayOfWeek []string `json:"dayOfWeek,omitempty"`
}

// Bot is a unit of tenant-authored executable logic.
type Bot struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"projectId"`
	AccountID      string         `json:"accountId,omitempty"`
	Name           string         `json:"name,omitempty"`
	RuntimeVersion RuntimeVersion `json:"runtimeVersion"`

	// ExecutableCodeKey locates the bot source in binary storage.
	ExecutableCodeKey string `json:"executableCodeKey,omitempty"`

	// System grants access to system-level project secrets.
	System bool `json:"system,omitempty"`

	// RunAsUser executes the bot as the triggering user rather than as
	// the bot's own identity.
	RunAsUser bool `json:"runAsUser,omitempty"`

	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`

	AuditTrigger      AuditTrigger       `json:"auditTrigger,omitempty"`
	AuditDestinations []AuditDestination `json:"auditDestinations,omitempty"`

	CronTiming *Timing `json:"cronTiming,omitempty"`
	CronString string  `json:"cronString,omitempty"`
}

// Timeout returns the bot's configured execution timeout, or fallback.
func (b *Bot) Timeout(fallback time.Duration) time.Duration {
	if b.TimeoutSeconds > 0 {
		return time.Duration(b.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Secret is a named project setting with exactly one typed value slot.
type Secret struct {
	Name         string   `json:"name"`
	ValueString  *string  `json:"valueString,omitempty"`
	ValueBoolean *bool    `json:"valueBoolean,omitempty"`
	ValueDecimal *float64 `json:"valueDecimal,omitempty"`
	ValueInteger *int64   `json:"valueInteger,omitempty"`
}

// Value returns whichever typed slot is set.
func (s Secret) Value() any {
	switch {
	case s.ValueString != nil:
		return *s.ValueString
	case s.ValueBoolean != nil:
		return *s.ValueBoolean
	case s.ValueDecimal != nil:
		return *s.ValueDecimal
	case s.ValueInteger != nil:
		return *s.ValueInteger
	}
	return nil
}

// FeatureBots must be present on a project for bot execution to be allowed.
const FeatureBots = "bots"

// Project is the tenant boundary. Secrets and SystemSecrets feed the secrets
// resolver; Features gates optional functionality.
type Project struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Features      []string `json:"features,omitempty"`
	Secrets       []Secret `json:"secrets,omitempty"`
	SystemSecrets []Secret `json:"systemSecrets,omitempty"`
}

// HasFeature reports whether the project has the named feature enabled.
func (p *Project) HasFeature(name string) bool {
	for _, f := range p.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Membership binds a user profile to a project. Bots run under a membership:
// either their own or the triggering user's.
type Membership struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	UserRef   string `json:"userRef"`
	Profile   string `json:"profile,omitempty"`
}

// Login is a short-lived synthetic session created for a bot execution.
type Login struct {
	ID            string    `json:"id"`
	AuthMethod    string    `json:"authMethod"`
	UserRef       string    `json:"userRef"`
	MembershipRef string    `json:"membershipRef"`
	AuthTime      time.Time `json:"authTime"`
	Scope         string    `json:"scope"`
	Granted       bool      `json:"granted"`
}

// AuditOutcome is the outcome code of one execution attempt. The numeric
// values follow the FHIR audit-event-outcome code system.
type AuditOutcome int

const (
	OutcomeSuccess        AuditOutcome = 0
	OutcomeMinorFailure   AuditOutcome = 4
	OutcomeSeriousFailure AuditOutcome = 8
	OutcomeMajorFailure   AuditOutcome = 12
)

// AuditTrigger controls when an execution attempt produces an audit record.
type AuditTrigger string

const (
	AuditAlways   AuditTrigger = "always"
	AuditNever    AuditTrigger = "never"
	AuditOnError  AuditTrigger = "on-error"
	AuditOnOutput AuditTrigger = "on-output"
)

// AuditDestination selects where audit records are written.
type AuditDestination string

const (
	AuditDestinationResource AuditDestination = "resource"
	AuditDestinationLog      AuditDestination = "log"
)

// AuditEvent is an append-only record of one execution attempt. It is never
// updated or deleted by this subsystem.
type AuditEvent struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"projectId"`
	AccountID   string       `json:"accountId,omitempty"`
	PeriodStart time.Time    `json:"periodStart"`
	PeriodEnd   time.Time    `json:"periodEnd"`
	Recorded    time.Time    `json:"recorded"`
	Outcome     AuditOutcome `json:"outcome"`
	OutcomeDesc string       `json:"outcomeDesc,omitempty"`

	// Observer is the reference of the bot or subscription that ran.
	Observer string `json:"observer,omitempty"`

	// Entities reference the triggering objects (resource, subscription, bot).
	Entities []string `json:"entities,omitempty"`

	TraceID string `json:"traceId,omitempty"`
}

// Reference builds a "Type/id" reference string.
func Reference(resourceType, id string) string {
	return resourceType + "/" + id
}

// ParseReference splits a "Type/id" reference string.
func ParseReference(ref string) (resourceType, id string, err error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed reference %q", ref)
	}
	return parts[0], parts[1], nil
}
