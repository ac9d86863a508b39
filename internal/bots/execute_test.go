package bots

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"carehooks/internal/accesstoken"
	"carehooks/internal/audit"
	"carehooks/internal/domain"
	"carehooks/internal/platform/logger"
	"carehooks/internal/repo"
	"carehooks/internal/secrets"
	"carehooks/internal/storage"
)

type DispatcherSuite struct {
	suite.Suite
	ctx        context.Context
	repo       *repo.MemoryRepository
	storage    *storage.MemoryStorage
	tokens     *accesstoken.Service
	dispatcher *Dispatcher
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	log := logger.Discard()
	s.ctx = context.Background()
	s.repo = repo.NewMemoryRepository()
	s.storage = storage.NewMemoryStorage()
	s.tokens = accesstoken.NewService("test-key", "test")

	vm := NewVMContextRuntime(s.storage, nil, log, 5*time.Second)
	s.dispatcher = NewDispatcher(
		s.repo, s.storage, secrets.NewResolver(s.repo), s.tokens,
		audit.NewRecorder(s.repo, log, nil, 0, 0), nil, log,
		vm, nil, "http://localhost/",
	)
}

func (s *DispatcherSuite) seedBot(runtime domain.RuntimeVersion) (*domain.Bot, *domain.Membership) {
	s.repo.PutProject(&domain.Project{ID: "p1", Features: []string{domain.FeatureBots}})
	bot := &domain.Bot{
		ID:                "b1",
		ProjectID:         "p1",
		RuntimeVersion:    runtime,
		ExecutableCodeKey: "code/b1.js",
	}
	s.repo.PutBot(bot)
	membership := &domain.Membership{ID: "m1", ProjectID: "p1", UserRef: domain.Reference("Bot", "b1")}
	s.repo.PutMembership(membership)
	return bot, membership
}

func (s *DispatcherSuite) putCode(source string) {
	s.Require().NoError(s.storage.WriteFile(s.ctx, "code/b1.js", "text/javascript", []byte(source)))
}

func (s *DispatcherSuite) TestFeatureGate() {
	bot, membership := s.seedBot(domain.RuntimeVMContext)
	s.repo.PutProject(&domain.Project{ID: "p1"}) // feature removed

	result, err := s.dispatcher.Execute(s.ctx, &ExecutionRequest{
		Bot: bot, RunAs: membership, Input: map[string]any{}, ContentType: domain.ContentTypeJSON,
	})
	s.Require().NoError(err)
	s.False(result.Success)
	s.Equal("Bots not enabled", result.LogResult)

	s.Run("no input persisted and no credentials issued", func() {
		s.Empty(s.storage.Keys())
		s.Empty(s.repo.Logins())
	})

	s.Run("attempt is still audited", func() {
		events := s.repo.AuditEvents()
		s.Require().Len(events, 1)
		s.Equal(domain.OutcomeMinorFailure, events[0].Outcome)
	})
}

func (s *DispatcherSuite) TestProjectReadFailure() {
	bot, membership := s.seedBot(domain.RuntimeVMContext)
	bot.ProjectID = "missing"
	membership.ProjectID = "missing"

	result, err := s.dispatcher.Execute(s.ctx, &ExecutionRequest{
		Bot: bot, RunAs: membership, Input: map[string]any{}, ContentType: domain.ContentTypeJSON,
	})
	s.Require().NoError(err)
	s.False(result.Success)

	// A failed project read is not the same as the feature being off.
	s.Contains(result.LogResult, "Could not read project")
	s.NotContains(result.LogResult, "Bots not enabled")
}

func (s *DispatcherSuite) TestSuccessfulExecution() {
	bot, membership := s.seedBot(domain.RuntimeVMContext)
	s.putCode(`function handler(event) { return { token: event.accessToken !== "" }; }`)

	result, err := s.dispatcher.Execute(s.ctx, &ExecutionRequest{
		Bot: bot, RunAs: membership,
		Input:       map[string]any{"resourceType": "Patient"},
		ContentType: domain.ContentTypeFHIRJSON,
	})
	s.Require().NoError(err)
	s.True(result.Success)

	s.Run("synthetic login created and token valid", func() {
		logins := s.repo.Logins()
		s.Require().Len(logins, 1)
		s.Equal("execute", logins[0].AuthMethod)
		s.Equal("openid", logins[0].Scope)
	})

	s.Run("input persisted under date-partitioned key", func() {
		keys := s.storage.Keys()
		s.Require().Len(keys, 1)
		s.True(strings.HasPrefix(keys[0], "bot/p1/"))
		s.True(strings.HasSuffix(keys[0], ".json"))
	})

	s.Run("success audited", func() {
		events := s.repo.AuditEvents()
		s.Require().Len(events, 1)
		s.Equal(domain.OutcomeSuccess, events[0].Outcome)
		s.Equal(domain.Reference("Bot", "b1"), events[0].Observer)
	})
}

func (s *DispatcherSuite) TestUnsupportedRuntime() {
	bot, membership := s.seedBot("cobol")

	result, err := s.dispatcher.Execute(s.ctx, &ExecutionRequest{
		Bot: bot, RunAs: membership, Input: map[string]any{}, ContentType: domain.ContentTypeJSON,
	})
	s.Require().NoError(err)
	s.False(result.Success)
	s.Contains(result.LogResult, "Unsupported bot runtime")
}

func (s *DispatcherSuite) TestRemoteRuntimeNotConfigured() {
	bot, membership := s.seedBot(domain.RuntimeRemote)

	result, err := s.dispatcher.Execute(s.ctx, &ExecutionRequest{
		Bot: bot, RunAs: membership, Input: map[string]any{}, ContentType: domain.ContentTypeJSON,
	})
	s.Require().NoError(err)
	s.False(result.Success)
	s.Contains(result.LogResult, "not configured")
}

func (s *DispatcherSuite) TestStreamingRequiresStreamingRuntime() {
	bot, membership := s.seedBot(domain.RuntimeVMContext)
	s.putCode(`function handler(event) { return null; }`)

	result, err := s.dispatcher.ExecuteStreaming(s.ctx, &ExecutionRequest{
		Bot: bot, RunAs: membership, Input: map[string]any{}, ContentType: domain.ContentTypeJSON,
	}, nil)
	s.Require().NoError(err)
	s.False(result.Success)
	s.False(result.Streamed)
	s.Contains(result.LogResult, "Streaming is not supported")
}

func (s *DispatcherSuite) TestAuditTriggerNever() {
	bot, membership := s.seedBot(domain.RuntimeVMContext)
	bot.AuditTrigger = domain.AuditNever
	s.putCode(`function handler(event) { return null; }`)

	result, err := s.dispatcher.Execute(s.ctx, &ExecutionRequest{
		Bot: bot, RunAs: membership, Input: map[string]any{}, ContentType: domain.ContentTypeJSON,
	})
	s.Require().NoError(err)
	s.True(result.Success)
	s.Empty(s.repo.AuditEvents())
}

func (s *DispatcherSuite) TestHL7InputExtraction() {
	bot, membership := s.seedBot(domain.RuntimeVMContext)
	s.putCode(`function handler(event) { return null; }`)

	hl7Message := "MSH|^~\\&|SENDAPP^x|SENDFAC|RECVAPP|RECVFAC|20240101||ADT^A01|1|P|2.5\r" +
		"PID|1|12345|67890"
	result, err := s.dispatcher.Execute(s.ctx, &ExecutionRequest{
		Bot: bot, RunAs: membership,
		Input:       hl7Message,
		ContentType: domain.ContentTypeHL7V2,
	})
	s.Require().NoError(err)
	s.True(result.Success)

	keys := s.storage.Keys()
	s.Require().Len(keys, 1)
	data, err := s.storage.ReadFile(s.ctx, keys[0])
	s.Require().NoError(err)
	s.Contains(string(data), `"hl7SendingApplication":"SENDAPP"`)
	s.Contains(string(data), `"hl7MessageType":"ADT"`)
	s.Contains(string(data), `"hl7PidId":"12345"`)
}
