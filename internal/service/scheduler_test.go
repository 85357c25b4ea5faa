package service

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"turn-relay-bot/internal/model"
)

// fakeGame holds the fields the sweep predicates read, mirroring one games
// row joined with its endpoint and last-up player.
type fakeGame struct {
	id             int64
	name           string
	channelID      string
	currentTurn    int64
	minTurns       int64
	muted          bool
	notifyInterval time.Duration
	lastTurnAt     time.Time
	lastNotifiedAt time.Time
	dupPending     bool
	dupWarned      bool
	playerName     string
	playerDiscord  string
}

// fakeNotificationStore implements NotificationStore over in-memory games
// with the same selection predicates as the repository's named queries.
type fakeNotificationStore struct {
	games []*fakeGame
}

func (f *fakeNotificationStore) ListNotifyDue(_ context.Context, limit int) ([]*model.DueNotification, error) {
	var due []*fakeGame
	for _, g := range f.games {
		if !g.muted && g.currentTurn > g.minTurns && g.lastNotifiedAt.Before(g.lastTurnAt) {
			due = append(due, g)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].lastTurnAt.Before(due[j].lastTurnAt) })
	return f.toDue(due, limit), nil
}

func (f *fakeNotificationStore) ListRepingDue(_ context.Context, now time.Time, limit int) ([]*model.DueNotification, error) {
	var due []*fakeGame
	for _, g := range f.games {
		if !g.muted && g.currentTurn > g.minTurns && g.notifyInterval > 0 &&
			g.lastNotifiedAt.Add(g.notifyInterval).Before(now) {
			due = append(due, g)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].lastNotifiedAt.Before(due[j].lastNotifiedAt) })
	return f.toDue(due, limit), nil
}

func (f *fakeNotificationStore) toDue(games []*fakeGame, limit int) []*model.DueNotification {
	if len(games) > limit {
		games = games[:limit]
	}
	var due []*model.DueNotification
	for _, g := range games {
		due = append(due, &model.DueNotification{
			GameID:        g.id,
			GameName:      g.name,
			ChannelID:     g.channelID,
			CurrentTurn:   g.currentTurn,
			PlayerName:    g.playerName,
			PlayerDiscord: g.playerDiscord,
		})
	}
	return due
}

func (f *fakeNotificationStore) ListDuplicatePending(_ context.Context, limit int) ([]*model.DuplicateWarning, error) {
	var pending []*model.DuplicateWarning
	for _, g := range f.games {
		if g.dupPending && !g.dupWarned {
			pending = append(pending, &model.DuplicateWarning{
				GameID:    g.id,
				GameName:  g.name,
				ChannelID: g.channelID,
			})
		}
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (f *fakeNotificationStore) MarkNotified(_ context.Context, gameID int64, now time.Time) error {
	for _, g := range f.games {
		if g.id == gameID {
			g.lastNotifiedAt = now
		}
	}
	return nil
}

func (f *fakeNotificationStore) MarkDuplicateWarned(_ context.Context, gameID int64) error {
	for _, g := range f.games {
		if g.id == gameID {
			g.dupWarned = true
			g.dupPending = false
		}
	}
	return nil
}

func (f *fakeNotificationStore) get(id int64) *fakeGame {
	for _, g := range f.games {
		if g.id == id {
			return g
		}
	}
	return nil
}

// fakeSender records dispatched messages and can fail per channel.
type fakeSender struct {
	sent []sentMessage
	fail map[string]bool
}

type sentMessage struct {
	channelID string
	content   string
}

func (f *fakeSender) Send(_ context.Context, channelID, content string) error {
	if f.fail[channelID] {
		return errors.New("channel gone")
	}
	f.sent = append(f.sent, sentMessage{channelID: channelID, content: content})
	return nil
}

func (f *fakeSender) sentTo(channelID string) int {
	n := 0
	for _, m := range f.sent {
		if m.channelID == channelID {
			n++
		}
	}
	return n
}

func newTestScheduler(store NotificationStore, sender Sender, limit int) *Scheduler {
	return NewScheduler(store, sender, SchedulerConfig{
		Interval:        time.Minute,
		Limit:           limit,
		DispatchTimeout: time.Second,
	}, zerolog.Nop())
}

func TestRunSweep_NewTurnNotification(t *testing.T) {
	now := time.Now()
	game := &fakeGame{
		id:          1,
		name:        "Earth",
		channelID:   "chan-1",
		currentTurn: 5,
		lastTurnAt:  now.Add(-time.Minute),
		// never notified
		lastNotifiedAt: time.Unix(0, 0),
		playerName:     "Ghandi",
	}
	store := &fakeNotificationStore{games: []*fakeGame{game}}
	sender := &fakeSender{}

	s := newTestScheduler(store, sender, 100)
	report := s.RunSweep(context.Background(), now)

	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "chan-1", sender.sent[0].channelID)
	assert.Contains(t, sender.sent[0].content, "Ghandi")
	assert.Contains(t, sender.sent[0].content, "Earth")
	assert.True(t, game.lastNotifiedAt.Equal(now), "bookkeeping should use the sweep's now")
}

func TestRunSweep_PassExclusivity(t *testing.T) {
	now := time.Now()
	// Qualifies for Pass A (turn since last notification) AND Pass B
	// (re-ping interval long expired).
	game := &fakeGame{
		id:             1,
		name:           "Earth",
		channelID:      "chan-1",
		currentTurn:    5,
		notifyInterval: time.Hour,
		lastTurnAt:     now.Add(-time.Minute),
		lastNotifiedAt: now.Add(-2 * time.Hour),
		playerName:     "Ghandi",
	}
	store := &fakeNotificationStore{games: []*fakeGame{game}}
	sender := &fakeSender{}

	s := newTestScheduler(store, sender, 100)
	report := s.RunSweep(context.Background(), now)

	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, 0, report.Reminded)
	assert.Equal(t, 1, sender.sentTo("chan-1"), "one game must not be dispatched by both passes in one sweep")
}

func TestRunSweep_RepingDue(t *testing.T) {
	now := time.Now()
	game := &fakeGame{
		id:             1,
		name:           "Earth",
		channelID:      "chan-1",
		currentTurn:    5,
		notifyInterval: 3600 * time.Second,
		lastTurnAt:     now.Add(-2 * time.Hour),
		lastNotifiedAt: now.Add(-3601 * time.Second),
		playerName:     "Ghandi",
	}
	store := &fakeNotificationStore{games: []*fakeGame{game}}
	sender := &fakeSender{}

	s := newTestScheduler(store, sender, 100)
	report := s.RunSweep(context.Background(), now)

	assert.Equal(t, 0, report.Notified)
	assert.Equal(t, 1, report.Reminded)
	assert.True(t, game.lastNotifiedAt.Equal(now))
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].content, "reminder")
}

func TestRunSweep_SkipsMutedAndBelowMinTurns(t *testing.T) {
	now := time.Now()
	store := &fakeNotificationStore{games: []*fakeGame{
		{
			id: 1, name: "Muted", channelID: "chan-1", currentTurn: 5,
			muted: true, lastTurnAt: now.Add(-time.Minute), lastNotifiedAt: time.Unix(0, 0),
		},
		{
			id: 2, name: "Early", channelID: "chan-1", currentTurn: 3, minTurns: 10,
			lastTurnAt: now.Add(-time.Minute), lastNotifiedAt: time.Unix(0, 0),
		},
	}}
	sender := &fakeSender{}

	s := newTestScheduler(store, sender, 100)
	report := s.RunSweep(context.Background(), now)

	assert.Zero(t, report.Notified)
	assert.Empty(t, sender.sent)
}

func TestRunSweep_DispatchFailureAdvancesBookkeeping(t *testing.T) {
	now := time.Now()
	broken := &fakeGame{
		id: 1, name: "Broken", channelID: "chan-dead", currentTurn: 5,
		lastTurnAt: now.Add(-2 * time.Minute), lastNotifiedAt: time.Unix(0, 0), playerName: "A",
	}
	healthy := &fakeGame{
		id: 2, name: "Healthy", channelID: "chan-ok", currentTurn: 5,
		lastTurnAt: now.Add(-time.Minute), lastNotifiedAt: time.Unix(0, 0), playerName: "B",
	}
	store := &fakeNotificationStore{games: []*fakeGame{broken, healthy}}
	sender := &fakeSender{fail: map[string]bool{"chan-dead": true}}

	s := newTestScheduler(store, sender, 100)
	report := s.RunSweep(context.Background(), now)

	// One failure must not abort the batch.
	assert.Equal(t, 1, report.Notified)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, sender.sentTo("chan-ok"))

	// Bookkeeping still advances for the broken channel so the sweep
	// cannot hot-loop on it.
	assert.True(t, broken.lastNotifiedAt.Equal(now))

	// Next sweep selects neither.
	report = s.RunSweep(context.Background(), now.Add(time.Second))
	assert.Zero(t, report.Notified)
	assert.Zero(t, report.Failed)
}

func TestRunSweep_DuplicateWarningOnce(t *testing.T) {
	now := time.Now()
	game := &fakeGame{
		id: 1, name: "Earth", channelID: "chan-1", currentTurn: 5,
		lastTurnAt: now.Add(-time.Minute), lastNotifiedAt: now,
		dupPending: true,
	}
	store := &fakeNotificationStore{games: []*fakeGame{game}}
	sender := &fakeSender{}

	s := newTestScheduler(store, sender, 100)
	report := s.RunSweep(context.Background(), now)

	assert.Equal(t, 1, report.Warned)
	assert.True(t, game.dupWarned)

	// The warning is one-time.
	report = s.RunSweep(context.Background(), now.Add(time.Second))
	assert.Zero(t, report.Warned)
	assert.Equal(t, 1, len(sender.sent))
}

func TestRunSweep_LimitBoundsEachPass(t *testing.T) {
	now := time.Now()
	var games []*fakeGame
	for i := int64(1); i <= 5; i++ {
		games = append(games, &fakeGame{
			id: i, name: "G", channelID: "chan-1", currentTurn: 2,
			// Oldest-waiting first: ids 1..5 get increasing lastTurnAt.
			lastTurnAt:     now.Add(-time.Hour + time.Duration(i)*time.Minute),
			lastNotifiedAt: time.Unix(0, 0),
			playerName:     "P",
		})
	}
	store := &fakeNotificationStore{games: games}
	sender := &fakeSender{}

	s := newTestScheduler(store, sender, 2)
	report := s.RunSweep(context.Background(), now)

	assert.Equal(t, 2, report.Notified)
	// Fairness: the two oldest-waiting games went first.
	assert.True(t, store.get(1).lastNotifiedAt.Equal(now))
	assert.True(t, store.get(2).lastNotifiedAt.Equal(now))
	assert.False(t, store.get(5).lastNotifiedAt.Equal(now))
}
