package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"carehooks/internal/bots"
	"carehooks/internal/domain"
	"carehooks/internal/platform/metrics"
	"carehooks/internal/queue"
	"carehooks/internal/repo"
	"carehooks/pkg/platform/sentinel"
)

// BotJobData is the payload of one scheduled bot execution job.
type BotJobData struct {
	BotID string `json:"botId"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// TimingWorker maintains cron schedules for bots and consumes the resulting
// execution jobs. Scheduling a bot again replaces its previous schedule, and
// firing enqueues a keyed job so a slow consumer coalesces duplicate fires.
type TimingWorker struct {
	repo       repo.Repository
	queue      queue.Queue
	dispatcher *bots.Dispatcher
	metrics    *metrics.Metrics
	log        *slog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // bot id -> active schedule
}

// NewTimingWorker constructs a TimingWorker. Start begins firing schedules.
func NewTimingWorker(r repo.Repository, q queue.Queue, dispatcher *bots.Dispatcher, m *metrics.Metrics, log *slog.Logger) *TimingWorker {
	return &TimingWorker{
		repo:       r,
		queue:      q,
		dispatcher: dispatcher,
		metrics:    m,
		log:        log,
		cron:       cron.New(cron.WithParser(cronParser)),
		entries:    make(map[string]cron.EntryID),
	}
}

// Bootstrap rebuilds the schedule registry from the repository. The registry
// is process-local, so every restart must re-install the schedules of all
// cron-configured bots before firing begins. A bot whose configuration no
// longer parses is skipped, not fatal.
func (w *TimingWorker) Bootstrap(ctx context.Context) error {
	cronBots, err := w.repo.CronBots(ctx)
	if err != nil {
		return fmt.Errorf("list cron bots: %w", err)
	}
	for _, bot := range cronBots {
		if err := w.ScheduleBot(bot); err != nil {
			w.log.Warn("skipping bot with invalid cron configuration", "bot", bot.ID, "error", err)
		}
	}
	return nil
}

// Start begins firing schedules.
func (w *TimingWorker) Start() { w.cron.Start() }

// Stop stops firing and waits for in-flight fires to finish.
func (w *TimingWorker) Stop() { <-w.cron.Stop().Done() }

// ScheduleBot installs, replaces or removes the bot's schedule from its
// current cron configuration. A bot with neither a cron string nor a timing
// ends up unscheduled; scheduling an unchanged bot again is harmless.
func (w *TimingWorker) ScheduleBot(bot *domain.Bot) error {
	expression, err := CronExpression(bot)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if id, ok := w.entries[bot.ID]; ok {
		w.cron.Remove(id)
		delete(w.entries, bot.ID)
	}
	if expression == "" {
		return nil
	}

	botID := bot.ID
	id, err := w.cron.AddFunc(expression, func() { w.fire(botID) })
	if err != nil {
		return fmt.Errorf("schedule bot %s: %w", bot.ID, err)
	}
	w.entries[bot.ID] = id
	w.log.Info("scheduled bot", "bot", bot.ID, "cron", expression)
	return nil
}

func (w *TimingWorker) fire(botID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := w.queue.EnqueueKeyed(ctx, "bot:"+botID, BotJobData{BotID: botID})
	if err != nil {
		w.log.Error("enqueue scheduled bot job failed", "bot", botID, "error", err)
	}
}

// Run consumes scheduled execution jobs until ctx is cancelled.
func (w *TimingWorker) Run(ctx context.Context) error {
	return w.queue.Run(ctx, w.handleJob)
}

func (w *TimingWorker) handleJob(ctx context.Context, job *queue.Job) queue.JobResult {
	var data BotJobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return queue.Fatal(fmt.Sprintf("decode scheduled bot job: %v", err))
	}

	if job.Attempt == 0 {
		w.metrics.ObserveQueuedDuration(time.Since(job.EnqueuedAt))
	}

	bot, err := w.repo.ReadBot(ctx, data.BotID)
	if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrGone) {
		// Deleted since scheduling; the next ScheduleBot call cleans up.
		return queue.Ok()
	}
	if err != nil {
		return queue.Retry(fmt.Sprintf("read bot: %v", err))
	}

	membership, err := w.repo.FindMembership(ctx, bot.ProjectID, domain.Reference("Bot", bot.ID))
	if err != nil {
		return queue.Retry(fmt.Sprintf("resolve bot membership: %v", err))
	}

	result, err := w.dispatcher.Execute(ctx, &bots.ExecutionRequest{
		Bot:         bot,
		RunAs:       membership,
		Input:       map[string]any{},
		ContentType: domain.ContentTypeJSON,
		RequestTime: time.Now(),
	})
	if err != nil {
		return queue.Fatal(fmt.Sprintf("dispatch scheduled bot: %v", err))
	}
	if !result.Success {
		// Scheduled executions do not retry; the next fire will run again.
		w.log.Info("scheduled bot execution failed", "bot", bot.ID, "log", firstLine(result.LogResult))
	}
	return queue.Ok()
}

// CronExpression derives the five-field cron expression from the bot's
// schedule configuration. An explicit cron string wins over a timing; a bot
// with neither yields the empty string, meaning no schedule.
func CronExpression(bot *domain.Bot) (string, error) {
	if bot.CronString != "" {
		if _, err := cronParser.Parse(bot.CronString); err != nil {
			return "", fmt.Errorf("invalid cron string %q: %w", bot.CronString, err)
		}
		return bot.CronString, nil
	}
	if bot.CronTiming == nil {
		return "", nil
	}
	return timingToCron(bot.CronTiming)
}

var cronDays = map[string]string{
	"mon": "1", "tue": "2", "wed": "3", "thu": "4", "fri": "5", "sat": "6", "sun": "0",
}

// timingToCron converts a runs-per-day period and optional day-of-week list
// into a cron expression. Up to 24 runs per day spread across hours; beyond
// that the period maps onto minutes.
func timingToCron(timing *domain.Timing) (string, error) {
	if timing.Period <= 0 && len(timing.DayOfWeek) == 0 {
		return "", nil
	}

	minute, hour := "0", "*"
	switch {
	case timing.Period <= 0 || timing.Period == 1:
		hour = "0"
	case timing.Period < 24:
		hour = fmt.Sprintf("*/%d", 24/timing.Period)
	case timing.Period < 1440:
		minute = fmt.Sprintf("*/%d", 1440/timing.Period)
	default:
		minute = "*"
	}

	dayOfWeek := "*"
	if len(timing.DayOfWeek) > 0 {
		days := make([]string, 0, len(timing.DayOfWeek))
		for _, d := range timing.DayOfWeek {
			num, ok := cronDays[strings.ToLower(d)]
			if !ok {
				return "", fmt.Errorf("invalid day of week %q", d)
			}
			days = append(days, num)
		}
		dayOfWeek = strings.Join(days, ",")
	}

	return fmt.Sprintf("%s %s * * %s", minute, hour, dayOfWeek), nil
}
