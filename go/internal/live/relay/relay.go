// Package relay buffers judge votes and timer writes locally while the store
// is unreachable and replays them once it is back.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/live/attempt"
	"github.com/mcdev12/liftlive/go/internal/live/timer"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/rs/zerolog/log"
)

// DefaultMaxAge is how long an unsynced entry is kept before cleanup discards it.
const DefaultMaxAge = 7 * 24 * time.Hour

// VoteSubmitter writes a judge vote to the store.
type VoteSubmitter interface {
	SubmitJudgeVote(ctx context.Context, attemptID uuid.UUID, req attempt.VoteRequest) (*attempt.VoteResult, error)
}

// TimerStore writes timer patches and reads back the stored timer, which
// replay compares against before overwriting it.
type TimerStore interface {
	timer.Writer
	GetTimerState(ctx context.Context, eventID string) (*models.TimerState, error)
}

// PendingVote is the buffered form of a judge vote.
type PendingVote struct {
	SessionID uuid.UUID   `json:"session_id"`
	AttemptID uuid.UUID   `json:"attempt_id"`
	JudgeID   string      `json:"judge_id"`
	Position  int         `json:"position"`
	Vote      models.Vote `json:"vote"`
	Timestamp time.Time   `json:"timestamp"`
	Synced    bool        `json:"synced"`
}

// PendingTimer is the buffered form of a timer write.
type PendingTimer struct {
	EventID  string           `json:"event_id"`
	Patch    timer.TimerPatch `json:"patch"`
	SyncedAt int64            `json:"synced_at"`
}

// SyncReport summarises one replay pass.
type SyncReport struct {
	Synced  int `json:"synced"`
	Dropped int `json:"dropped"`
	Pending int `json:"pending"`
}

// Config holds relay timing.
type Config struct {
	SyncInterval    time.Duration
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() Config {
	return Config{
		SyncInterval:    30 * time.Second,
		CleanupInterval: time.Hour,
		MaxAge:          DefaultMaxAge,
	}
}

// Relay writes through to the store and keeps a local copy of every write
// until the store has accepted it.
type Relay struct {
	buf    Buffer
	votes  VoteSubmitter
	timers TimerStore
	clock  clockwork.Clock
	cfg    Config

	inFlightMu sync.Mutex
	inFlight   map[string]bool

	wakeCh chan struct{}
}

var _ timer.Writer = (*Relay)(nil)

// New creates a relay. timers may be nil when only votes are relayed.
func New(buf Buffer, votes VoteSubmitter, timers TimerStore, clock clockwork.Clock, cfg Config) *Relay {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return &Relay{
		buf:      buf,
		votes:    votes,
		timers:   timers,
		clock:    clock,
		cfg:      cfg,
		inFlight: make(map[string]bool),
		wakeCh:   make(chan struct{}, 1),
	}
}

func voteKey(attemptID uuid.UUID, judgeID string) string {
	return fmt.Sprintf("vote:%s:%s", attemptID, judgeID)
}

func timerKey(eventID string) string {
	return "timer:" + eventID
}

// BackupVote stores the vote locally as unsynced. A later vote by the same
// judge on the same attempt replaces the buffered one.
func (r *Relay) BackupVote(ctx context.Context, sessionID, attemptID uuid.UUID, req attempt.VoteRequest) error {
	_, err := r.backupVote(ctx, sessionID, attemptID, req)
	return err
}

func (r *Relay) backupVote(ctx context.Context, sessionID, attemptID uuid.UUID, req attempt.VoteRequest) (Record, error) {
	pv := PendingVote{
		SessionID: sessionID,
		AttemptID: attemptID,
		JudgeID:   req.JudgeID,
		Position:  req.Position,
		Vote:      req.Vote,
		Timestamp: r.clock.Now().UTC(),
	}
	payload, err := json.Marshal(pv)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode vote: %w", err)
	}
	rec := Record{
		Key:       voteKey(attemptID, req.JudgeID),
		Kind:      KindVote,
		Scope:     sessionID.String(),
		CreatedAt: pv.Timestamp,
		Payload:   payload,
	}
	if err := r.buf.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("failed to back up vote: %w", err)
	}
	return rec, nil
}

// SubmitJudgeVote backs the vote up, writes it to the store and drops the
// local copy once the store accepted it. A transport failure keeps the copy
// and returns a SyncFailure error, meaning the vote is queued for replay.
func (r *Relay) SubmitJudgeVote(ctx context.Context, sessionID, attemptID uuid.UUID, req attempt.VoteRequest) (*attempt.VoteResult, error) {
	rec, err := r.backupVote(ctx, sessionID, attemptID, req)
	if err != nil {
		return nil, err
	}
	if !r.claim(rec.Key) {
		return nil, apperr.SyncFailure("vote replay already in progress", nil)
	}
	defer r.release(rec.Key)

	res, err := r.votes.SubmitJudgeVote(ctx, attemptID, req)
	if err != nil {
		return nil, r.settleFailure(ctx, rec, err)
	}
	r.deleteIfSame(ctx, rec)
	return res, nil
}

// SyncPendingVotes replays every buffered vote of the session, oldest first.
func (r *Relay) SyncPendingVotes(ctx context.Context, sessionID uuid.UUID) (SyncReport, error) {
	return r.syncVotes(ctx, sessionID.String())
}

func (r *Relay) syncVotes(ctx context.Context, scope string) (SyncReport, error) {
	var report SyncReport
	recs, err := r.buf.Scan(ctx, KindVote, scope)
	if err != nil {
		return report, err
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var pv PendingVote
		if err := json.Unmarshal(rec.Payload, &pv); err != nil {
			log.Warn().Err(err).Str("key", rec.Key).Msg("skipping unreadable buffered vote")
			report.Pending++
			continue
		}
		if !r.claim(rec.Key) {
			report.Pending++
			continue
		}

		_, err := r.votes.SubmitJudgeVote(ctx, pv.AttemptID, attempt.VoteRequest{
			JudgeID:  pv.JudgeID,
			Position: pv.Position,
			Vote:     pv.Vote,
		})
		switch {
		case err == nil:
			report.Synced++
			r.deleteIfSame(ctx, rec)
		case apperr.Retryable(err):
			report.Pending++
		default:
			report.Dropped++
			r.drop(ctx, rec, err)
		}
		r.release(rec.Key)
	}

	if report.Synced > 0 || report.Dropped > 0 {
		log.Info().
			Str("scope", scope).
			Int("synced", report.Synced).
			Int("dropped", report.Dropped).
			Int("pending", report.Pending).
			Msg("replayed buffered votes")
	}
	return report, nil
}

// BackupTimer stores the newest timer write of an event locally.
func (r *Relay) BackupTimer(ctx context.Context, eventID string, patch timer.TimerPatch, syncedAt int64) error {
	_, err := r.backupTimer(ctx, eventID, patch, syncedAt)
	return err
}

func (r *Relay) backupTimer(ctx context.Context, eventID string, patch timer.TimerPatch, syncedAt int64) (Record, error) {
	payload, err := json.Marshal(PendingTimer{EventID: eventID, Patch: patch, SyncedAt: syncedAt})
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode timer write: %w", err)
	}
	rec := Record{
		Key:       timerKey(eventID),
		Kind:      KindTimer,
		Scope:     eventID,
		CreatedAt: r.clock.Now().UTC(),
		Payload:   payload,
	}
	if err := r.buf.Put(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("failed to back up timer: %w", err)
	}
	return rec, nil
}

// SyncTimerState writes through to the store, keeping the write locally
// until it is accepted.
func (r *Relay) SyncTimerState(ctx context.Context, eventID string, patch timer.TimerPatch, syncedAt int64) error {
	if r.timers == nil {
		return fmt.Errorf("relay has no timer writer")
	}
	rec, err := r.backupTimer(ctx, eventID, patch, syncedAt)
	if err != nil {
		return err
	}
	if !r.claim(rec.Key) {
		return apperr.SyncFailure("timer replay already in progress", nil)
	}
	defer r.release(rec.Key)

	if err := r.timers.SyncTimerState(ctx, eventID, patch, syncedAt); err != nil {
		return r.settleFailure(ctx, rec, err)
	}
	r.deleteIfSame(ctx, rec)
	return nil
}

// SyncPendingTimer replays the buffered timer write of an event, if any.
// A write the store already holds a newer version of is dropped. A running
// countdown is shortened by the time it spent in the buffer, since the store
// stamps last_updated at replay time.
func (r *Relay) SyncPendingTimer(ctx context.Context, eventID string) (bool, error) {
	if r.timers == nil {
		return false, nil
	}
	recs, err := r.buf.Scan(ctx, KindTimer, eventID)
	if err != nil {
		return false, err
	}
	synced := false
	for _, rec := range recs {
		var pt PendingTimer
		if err := json.Unmarshal(rec.Payload, &pt); err != nil {
			log.Warn().Err(err).Str("key", rec.Key).Msg("skipping unreadable buffered timer write")
			continue
		}
		if !r.claim(rec.Key) {
			continue
		}
		ok, err := r.replayTimer(ctx, rec, pt)
		r.release(rec.Key)
		if err != nil {
			return synced, err
		}
		synced = synced || ok
	}
	return synced, nil
}

func (r *Relay) replayTimer(ctx context.Context, rec Record, pt PendingTimer) (bool, error) {
	stored, err := r.timers.GetTimerState(ctx, pt.EventID)
	switch {
	case apperr.CodeOf(err) == apperr.CodeNotFound:
	case err != nil:
		return false, apperr.SyncFailure("timer replay failed", err)
	case stored.SyncedAt >= pt.SyncedAt:
		log.Info().
			Str("event_id", pt.EventID).
			Int64("synced_at", pt.SyncedAt).
			Int64("stored_synced_at", stored.SyncedAt).
			Msg("buffered timer write superseded, dropping")
		r.deleteIfSame(ctx, rec)
		return false, nil
	}

	patch := agePatch(pt.Patch, r.clock.Since(rec.CreatedAt))
	if err := r.timers.SyncTimerState(ctx, pt.EventID, patch, pt.SyncedAt); err != nil {
		if apperr.Retryable(err) {
			return false, apperr.SyncFailure("timer replay failed", err)
		}
		r.drop(ctx, rec, err)
		return false, nil
	}
	r.deleteIfSame(ctx, rec)
	log.Info().Str("event_id", pt.EventID).Int64("synced_at", pt.SyncedAt).Msg("replayed buffered timer write")
	return true, nil
}

// agePatch takes the whole seconds a running countdown spent buffered off its
// remaining time. A countdown that ran out meanwhile is replayed stopped.
func agePatch(patch timer.TimerPatch, age time.Duration) timer.TimerPatch {
	if patch.IsRunning == nil || !*patch.IsRunning || patch.TimeRemaining == nil || age <= 0 {
		return patch
	}
	remaining := max(0, *patch.TimeRemaining-int(age/time.Second))
	running := remaining > 0
	patch.TimeRemaining = &remaining
	patch.IsRunning = &running
	return patch
}

// SyncAll replays every buffered vote and timer write.
func (r *Relay) SyncAll(ctx context.Context) (SyncReport, error) {
	report, err := r.syncVotes(ctx, "")
	if err != nil {
		return report, err
	}
	if r.timers == nil {
		return report, nil
	}
	recs, err := r.buf.Scan(ctx, KindTimer, "")
	if err != nil {
		return report, err
	}
	for _, rec := range recs {
		if _, err := r.SyncPendingTimer(ctx, rec.Scope); err != nil {
			report.Pending++
			log.Debug().Err(err).Str("event_id", rec.Scope).Msg("timer write still pending")
		}
	}
	return report, nil
}

// CleanupOldVotes discards buffered entries older than the configured age and
// entries that can no longer be decoded. It returns how many were removed.
func (r *Relay) CleanupOldVotes(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.cfg.MaxAge)
	removed := 0
	for _, kind := range []Kind{KindVote, KindTimer} {
		recs, err := r.buf.Scan(ctx, kind, "")
		if err != nil {
			return removed, err
		}
		for _, rec := range recs {
			reason := ""
			switch {
			case rec.CreatedAt.Before(cutoff):
				reason = "expired"
			case !decodable(kind, rec.Payload):
				reason = "corrupt"
			default:
				continue
			}
			if err := r.buf.Delete(ctx, rec.Key); err != nil {
				return removed, err
			}
			removed++
			log.Info().Str("key", rec.Key).Str("reason", reason).Time("created_at", rec.CreatedAt).Msg("discarded buffered write")
		}
	}
	return removed, nil
}

// Pending returns the buffered votes of a session.
func (r *Relay) Pending(ctx context.Context, sessionID uuid.UUID) ([]PendingVote, error) {
	recs, err := r.buf.Scan(ctx, KindVote, sessionID.String())
	if err != nil {
		return nil, err
	}
	out := make([]PendingVote, 0, len(recs))
	for _, rec := range recs {
		var pv PendingVote
		if err := json.Unmarshal(rec.Payload, &pv); err != nil {
			continue
		}
		out = append(out, pv)
	}
	return out, nil
}

// Reconnected triggers an immediate replay in Run.
func (r *Relay) Reconnected() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Follow replays buffered writes whenever m sees the server come back.
func (r *Relay) Follow(m *Monitor) {
	m.OnChange(func(_ context.Context, online bool) {
		if online {
			r.Reconnected()
		}
	})
}

// Run replays buffered writes periodically and on reconnect, and cleans up
// stale entries, until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	syncTicker := r.clock.NewTicker(r.cfg.SyncInterval)
	defer syncTicker.Stop()
	cleanupTicker := r.clock.NewTicker(r.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	if _, err := r.CleanupOldVotes(ctx); err != nil {
		log.Error().Err(err).Msg("initial buffer cleanup failed")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.wakeCh:
			r.syncAllLogged(ctx)
		case <-syncTicker.Chan():
			r.syncAllLogged(ctx)
		case <-cleanupTicker.Chan():
			if _, err := r.CleanupOldVotes(ctx); err != nil {
				log.Error().Err(err).Msg("buffer cleanup failed")
			}
		}
	}
}

func (r *Relay) syncAllLogged(ctx context.Context) {
	if _, err := r.SyncAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("failed to replay buffered writes")
	}
}

// settleFailure decides whether a failed write stays buffered.
func (r *Relay) settleFailure(ctx context.Context, rec Record, err error) error {
	if apperr.Retryable(err) {
		log.Warn().Err(err).Str("key", rec.Key).Msg("store unreachable, write kept for replay")
		return apperr.SyncFailure("write buffered for replay", err)
	}
	r.drop(ctx, rec, err)
	return err
}

func (r *Relay) drop(ctx context.Context, rec Record, cause error) {
	log.Warn().Err(cause).Str("key", rec.Key).Msg("store rejected buffered write")
	r.deleteIfSame(ctx, rec)
}

// deleteIfSame removes rec unless a newer write replaced it under the same key meanwhile.
func (r *Relay) deleteIfSame(ctx context.Context, rec Record) {
	current, err := r.buf.Scan(ctx, rec.Kind, rec.Scope)
	if err != nil {
		log.Warn().Err(err).Str("key", rec.Key).Msg("failed to read buffer")
		return
	}
	for _, c := range current {
		if c.Key != rec.Key {
			continue
		}
		if !bytes.Equal(c.Payload, rec.Payload) {
			return
		}
		if err := r.buf.Delete(ctx, rec.Key); err != nil {
			log.Warn().Err(err).Str("key", rec.Key).Msg("failed to drop buffered write")
		}
		return
	}
}

func (r *Relay) claim(key string) bool {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	if r.inFlight[key] {
		return false
	}
	r.inFlight[key] = true
	return true
}

func (r *Relay) release(key string) {
	r.inFlightMu.Lock()
	defer r.inFlightMu.Unlock()
	delete(r.inFlight, key)
}

func decodable(kind Kind, payload []byte) bool {
	switch kind {
	case KindVote:
		var pv PendingVote
		return json.Unmarshal(payload, &pv) == nil && pv.AttemptID != uuid.Nil && pv.JudgeID != ""
	case KindTimer:
		var pt PendingTimer
		return json.Unmarshal(payload, &pt) == nil && pt.EventID != ""
	}
	return false
}
