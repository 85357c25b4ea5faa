package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"turn-relay-bot/internal/model"
	"turn-relay-bot/internal/notify"
)

// NotificationStore is the slice of the entity store the scheduler needs.
// *repository.GameRepository satisfies it.
type NotificationStore interface {
	ListNotifyDue(ctx context.Context, limit int) ([]*model.DueNotification, error)
	ListRepingDue(ctx context.Context, now time.Time, limit int) ([]*model.DueNotification, error)
	ListDuplicatePending(ctx context.Context, limit int) ([]*model.DuplicateWarning, error)
	MarkNotified(ctx context.Context, gameID int64, now time.Time) error
	MarkDuplicateWarned(ctx context.Context, gameID int64) error
}

// Sender dispatches one message to a chat channel. Implementations must
// respect the context deadline; a hung send must not stall a sweep.
type Sender interface {
	Send(ctx context.Context, channelID, content string) error
}

// SchedulerConfig holds sweep policy.
type SchedulerConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// Limit bounds each selection pass so one sweep cannot starve the
	// process.
	Limit int
	// DispatchTimeout bounds each individual send.
	DispatchTimeout time.Duration
}

// Scheduler runs the periodic notification sweep: Pass A picks games whose
// turn advanced since the last notification, Pass B re-pings games whose
// configured reminder interval has expired, Pass C delivers pending
// duplicate-name warnings. Sweeps run one at a time from a single goroutine,
// so they never overlap.
type Scheduler struct {
	store  NotificationStore
	sender Sender
	cfg    SchedulerConfig
	log    zerolog.Logger
}

// NewScheduler creates a new Scheduler instance.
func NewScheduler(store NotificationStore, sender Sender, cfg SchedulerConfig, logger zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	return &Scheduler{
		store:  store,
		sender: sender,
		cfg:    cfg,
		log:    logger,
	}
}

// Run executes sweeps on a fixed interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("Notification scheduler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Notification scheduler stopped")
			return
		case <-ticker.C:
			report := s.RunSweep(ctx, time.Now())
			if report.Notified+report.Reminded+report.Warned+report.Failed > 0 {
				s.log.Info().
					Int("notified", report.Notified).
					Int("reminded", report.Reminded).
					Int("warned", report.Warned).
					Int("failed", report.Failed).
					Msg("Notification sweep completed")
			}
		}
	}
}

// RunSweep executes one bounded sweep. now is captured once and used for
// every comparison and bookkeeping write in the sweep: Pass A stamps
// last_notified_at with the sweep's now, which can no longer test below that
// same now in Pass B, so no game is dispatched twice in one sweep.
func (s *Scheduler) RunSweep(ctx context.Context, now time.Time) model.SweepReport {
	var report model.SweepReport

	// Pass A: new-turn notifications, oldest waiting first.
	due, err := s.store.ListNotifyDue(ctx, s.cfg.Limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to select notify-due games")
	} else {
		for _, d := range due {
			content := notify.TurnMessage(d.GameName, d.CurrentTurn, d.PlayerName, d.PlayerDiscord)
			if s.dispatch(ctx, d.ChannelID, content, d.GameName) {
				report.Notified++
			} else {
				report.Failed++
			}
			// Bookkeeping advances even on dispatch failure so a
			// permanently broken channel cannot hot-loop the sweep.
			if err := s.store.MarkNotified(ctx, d.GameID, now); err != nil {
				s.log.Warn().Err(err).Int64("game_id", d.GameID).Msg("Failed to mark game notified")
			}
		}
	}

	// Pass B: stale re-pings, longest un-notified first.
	reping, err := s.store.ListRepingDue(ctx, now, s.cfg.Limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to select re-ping-due games")
	} else {
		for _, d := range reping {
			content := notify.ReminderMessage(d.GameName, d.CurrentTurn, d.PlayerName, d.PlayerDiscord)
			if s.dispatch(ctx, d.ChannelID, content, d.GameName) {
				report.Reminded++
			} else {
				report.Failed++
			}
			if err := s.store.MarkNotified(ctx, d.GameID, now); err != nil {
				s.log.Warn().Err(err).Int64("game_id", d.GameID).Msg("Failed to mark game notified")
			}
		}
	}

	// Pass C: one-time duplicate-name warnings.
	pending, err := s.store.ListDuplicatePending(ctx, s.cfg.Limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to select duplicate-pending games")
	} else {
		for _, w := range pending {
			content := notify.DuplicateWarning(w.GameName)
			if s.dispatch(ctx, w.ChannelID, content, w.GameName) {
				report.Warned++
			} else {
				report.Failed++
			}
			if err := s.store.MarkDuplicateWarned(ctx, w.GameID); err != nil {
				s.log.Warn().Err(err).Int64("game_id", w.GameID).Msg("Failed to mark duplicate warned")
			}
		}
	}

	return report
}

// dispatch sends one message with the configured timeout. Failures are
// logged and absorbed; one broken channel must not abort the batch.
func (s *Scheduler) dispatch(ctx context.Context, channelID, content, gameName string) bool {
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()

	if err := s.sender.Send(sendCtx, channelID, content); err != nil {
		s.log.Warn().
			Err(err).
			Str("channel_id", channelID).
			Str("game", gameName).
			Msg("Failed to dispatch notification")
		return false
	}
	return true
}
