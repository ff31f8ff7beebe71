package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/liftlive/go/internal/apperr"
	"github.com/mcdev12/liftlive/go/internal/live/events"
	"github.com/mcdev12/liftlive/go/internal/live/queue"
	"github.com/mcdev12/liftlive/go/internal/models"
	"github.com/mcdev12/liftlive/go/internal/store"
	"github.com/rs/zerolog/log"
)

// maxAdvanceRetries bounds how often a pop is retried when another writer moved the queue first.
const maxAdvanceRetries = 3

var errQueueMoved = errors.New("queue pointer moved")

// SessionRepository defines what the session app layer needs from the session repository
type SessionRepository interface {
	CreateSession(ctx context.Context, s *models.LiveSession, items []models.QueueItem) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.LiveSession, error)
	GetQueueItem(ctx context.Context, sessionID uuid.UUID, order int) (*models.QueueItem, error)
	ListQueue(ctx context.Context, sessionID uuid.UUID) ([]models.QueueItem, error)
	ReplaceQueue(ctx context.Context, sessionID uuid.UUID, old, items []models.QueueItem, revision int) error
	UpdateSession(ctx context.Context, id uuid.UUID, fn func(*models.LiveSession) (*SessionPatch, error)) (*models.LiveSession, error)
	SubscribeSession(ctx context.Context, id uuid.UUID, fn func(*models.LiveSession)) (store.Unsubscribe, error)
}

// EventEmitter defines what the session app needs from the outbox
type EventEmitter interface {
	Emit(ctx context.Context, sessionID uuid.UUID, eventType string, payload any) error
}

// App drives the live session state machine: setup -> active <-> paused -> completed.
type App struct {
	repo     SessionRepository
	events   EventEmitter
	clock    clockwork.Clock
	attempts AttemptOpener
}

// Option configures an App.
type Option func(*App)

// WithAttemptOpener lets the session open attempt records for its current slot.
func WithAttemptOpener(opener AttemptOpener) Option {
	return func(a *App) { a.attempts = opener }
}

// NewApp creates a new session App
func NewApp(repo SessionRepository, emitter EventEmitter, clock clockwork.Clock, opts ...Option) *App {
	a := &App{
		repo:   repo,
		events: emitter,
		clock:  clock,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var allowedTransitions = map[models.SessionState][]models.SessionState{
	models.SessionStateSetup:     {models.SessionStateSetup, models.SessionStateActive, models.SessionStateCompleted},
	models.SessionStateActive:    {models.SessionStateActive, models.SessionStatePaused, models.SessionStateCompleted},
	models.SessionStatePaused:    {models.SessionStatePaused, models.SessionStateActive, models.SessionStateCompleted},
	models.SessionStateCompleted: {},
}

func validateStatusTransition(from, to models.SessionState) error {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return apperr.InvalidState(fmt.Sprintf("cannot transition session from %s to %s", from, to))
}

func requireState(current models.SessionState, allowed ...models.SessionState) error {
	for _, s := range allowed {
		if current == s {
			return nil
		}
	}
	return apperr.InvalidState(fmt.Sprintf("operation not allowed while session is %s", current))
}

// CreateLiveSession builds the queue and stores it together with a new session in setup state.
func (a *App) CreateLiveSession(ctx context.Context, req CreateSessionRequest) (*models.LiveSession, error) {
	if err := a.validateCreateSessionRequest(req); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidState, "validation failed", err)
	}

	now := a.clock.Now().UTC()
	s := &models.LiveSession{
		ID:               uuid.New(),
		CompetitionID:    req.CompetitionID,
		SetupID:          req.SetupID,
		Sport:            req.Sport,
		CurrentState:     models.SessionStateSetup,
		JudgeAssignments: req.JudgeAssignments,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	items := queue.BuildQueue(req.Disciplines, req.Roster)
	for i := range items {
		items[i].SessionID = s.ID
	}
	s.QueueLength = len(items)

	if err := a.repo.CreateSession(ctx, s, items); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	a.emit(ctx, s.ID, events.SessionCreated, events.SessionCreatedPayload{
		SessionID:     s.ID.String(),
		CompetitionID: s.CompetitionID,
		Sport:         s.Sport,
		QueueLength:   s.QueueLength,
		CreatedAt:     now,
	})

	log.Info().
		Str("session_id", s.ID.String()).
		Str("competition_id", s.CompetitionID).
		Int("queue_length", s.QueueLength).
		Msg("live session created")
	return s, nil
}

// GetLiveSession retrieves a session by ID
func (a *App) GetLiveSession(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	s, err := a.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// SubscribeLiveSession calls fn with every new version of the session.
func (a *App) SubscribeLiveSession(ctx context.Context, id uuid.UUID, fn func(*models.LiveSession)) (store.Unsubscribe, error) {
	unsubscribe, err := a.repo.SubscribeSession(ctx, id, fn)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to session: %w", err)
	}
	return unsubscribe, nil
}

// GetQueue returns the full lifting order of a session.
func (a *App) GetQueue(ctx context.Context, id uuid.UUID) ([]models.QueueItem, error) {
	if _, err := a.repo.GetSession(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	items, err := a.repo.ListQueue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	return items, nil
}

// RegenerateQueue rebuilds the queue of a session that is still in setup.
func (a *App) RegenerateQueue(ctx context.Context, id uuid.UUID, req RegenerateQueueRequest) (*models.LiveSession, error) {
	if err := validateQueueInput(req.Disciplines, req.Roster); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidState, "validation failed", err)
	}
	current, err := a.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if current.CurrentState != models.SessionStateSetup {
		return nil, apperr.InvalidState(fmt.Sprintf("cannot regenerate the queue of a %s session", current.CurrentState))
	}

	old, err := a.repo.ListQueue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue: %w", err)
	}
	items := queue.BuildQueue(req.Disciplines, req.Roster)
	for i := range items {
		items[i].SessionID = id
	}
	if err := a.repo.ReplaceQueue(ctx, id, old, items, current.QueueRevision+1); err != nil {
		return nil, fmt.Errorf("failed to regenerate queue: %w", err)
	}

	log.Info().
		Str("session_id", id.String()).
		Int("old_length", len(old)).
		Int("new_length", len(items)).
		Msg("session queue regenerated")
	return a.repo.GetSession(ctx, id)
}

// Start moves a session from setup to active and consumes the first queue item.
func (a *App) Start(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	s, item, err := a.advance(ctx, id, models.SessionStateSetup)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	if item != nil {
		a.emit(ctx, id, events.SessionStarted, events.SessionStartedPayload{
			SessionID:     id.String(),
			CompetitionID: s.CompetitionID,
			Sport:         s.Sport,
			StartedAt:     s.UpdatedAt,
		})
	}
	a.emitAdvance(ctx, s, item)
	log.Info().Str("session_id", id.String()).Str("state", string(s.CurrentState)).Msg("session started")
	return s, nil
}

// NextAthlete pops the next queue item. When the queue is exhausted the
// session completes and its current slot is cleared. Any attempt still open
// for the previous slot is left as it is.
func (a *App) NextAthlete(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	s, item, err := a.advance(ctx, id, models.SessionStateSetup, models.SessionStateActive, models.SessionStatePaused)
	if err != nil {
		return nil, fmt.Errorf("failed to advance session: %w", err)
	}
	a.emitAdvance(ctx, s, item)
	return s, nil
}

// Pause moves an active session to paused. The queue pointer is untouched.
func (a *App) Pause(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	s, err := a.repo.UpdateSession(ctx, id, func(current *models.LiveSession) (*SessionPatch, error) {
		if err := requireState(current.CurrentState, models.SessionStateActive); err != nil {
			return nil, err
		}
		return &SessionPatch{CurrentState: statePtr(models.SessionStatePaused)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pause session: %w", err)
	}

	a.emit(ctx, id, events.SessionPaused, events.SessionPausedPayload{
		SessionID:     id.String(),
		CompetitionID: s.CompetitionID,
		PausedAt:      s.UpdatedAt,
	})
	log.Info().Str("session_id", id.String()).Msg("session paused")
	return s, nil
}

// Resume moves a paused session back to active.
func (a *App) Resume(ctx context.Context, id uuid.UUID) (*models.LiveSession, error) {
	s, err := a.repo.UpdateSession(ctx, id, func(current *models.LiveSession) (*SessionPatch, error) {
		if err := requireState(current.CurrentState, models.SessionStatePaused); err != nil {
			return nil, err
		}
		return &SessionPatch{CurrentState: statePtr(models.SessionStateActive)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resume session: %w", err)
	}

	a.emit(ctx, id, events.SessionResumed, events.SessionResumedPayload{
		SessionID:     id.String(),
		CompetitionID: s.CompetitionID,
		Sport:         s.Sport,
		ResumedAt:     s.UpdatedAt,
	})
	log.Info().Str("session_id", id.String()).Msg("session resumed")
	return s, nil
}

// UpdateState merges an arbitrary patch into the session.
func (a *App) UpdateState(ctx context.Context, id uuid.UUID, patch SessionPatch) (*models.LiveSession, error) {
	if err := patch.validate(); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidState, "invalid session patch", err)
	}

	var from models.SessionState
	s, err := a.repo.UpdateSession(ctx, id, func(current *models.LiveSession) (*SessionPatch, error) {
		from = current.CurrentState
		if current.CurrentState == models.SessionStateCompleted {
			return nil, apperr.InvalidState("session is completed")
		}
		if patch.CurrentState != nil {
			if err := validateStatusTransition(current.CurrentState, *patch.CurrentState); err != nil {
				return nil, err
			}
		}
		return &patch, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if s.CurrentState != from {
		log.Info().
			Str("session_id", id.String()).
			Str("from", string(from)).
			Str("to", string(s.CurrentState)).
			Msg("session state updated")
	}
	return s, nil
}

// advance pops the next queue item with a compare-and-set on the queue pointer.
func (a *App) advance(ctx context.Context, id uuid.UUID, allowed ...models.SessionState) (*models.LiveSession, *models.QueueItem, error) {
	for try := 0; try < maxAdvanceRetries; try++ {
		current, err := a.repo.GetSession(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if err := requireState(current.CurrentState, allowed...); err != nil {
			return nil, nil, err
		}

		var item *models.QueueItem
		if current.QueuePosition < current.QueueLength {
			item, err = a.repo.GetQueueItem(ctx, id, current.QueuePosition+1)
			if err != nil {
				return nil, nil, err
			}
		}
		patch := popPatch(current.QueuePosition, item)

		s, err := a.repo.UpdateSession(ctx, id, func(latest *models.LiveSession) (*SessionPatch, error) {
			if latest.QueuePosition != current.QueuePosition || latest.QueueRevision != current.QueueRevision {
				return nil, errQueueMoved
			}
			if err := requireState(latest.CurrentState, allowed...); err != nil {
				return nil, err
			}
			return &patch, nil
		})
		if errors.Is(err, errQueueMoved) {
			log.Debug().Str("session_id", id.String()).Int("try", try+1).Msg("queue moved during advance, retrying")
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return s, item, nil
	}
	return nil, nil, apperr.InvalidState("queue advanced concurrently, retry the operation")
}

func popPatch(position int, item *models.QueueItem) SessionPatch {
	if item == nil {
		return SessionPatch{
			CurrentState: statePtr(models.SessionStateCompleted),
			ClearCurrent: true,
		}
	}
	next := position + 1
	athleteID := item.AthleteID
	disciplineID := item.DisciplineID
	attemptNumber := item.AttemptNumber
	return SessionPatch{
		CurrentState:         statePtr(models.SessionStateActive),
		CurrentAthleteID:     &athleteID,
		CurrentDisciplineID:  &disciplineID,
		CurrentAttemptNumber: &attemptNumber,
		queuePosition:        &next,
	}
}

func (a *App) emitAdvance(ctx context.Context, s *models.LiveSession, item *models.QueueItem) {
	if item == nil {
		a.emit(ctx, s.ID, events.SessionCompleted, events.SessionCompletedPayload{
			SessionID:     s.ID.String(),
			CompetitionID: s.CompetitionID,
			CompletedAt:   s.UpdatedAt,
			TotalItems:    s.QueueLength,
		})
		log.Info().Str("session_id", s.ID.String()).Msg("queue exhausted, session completed")
		return
	}

	a.emit(ctx, s.ID, events.AthleteAdvanced, events.AthleteAdvancedPayload{
		SessionID:     s.ID.String(),
		CompetitionID: s.CompetitionID,
		Sport:         s.Sport,
		AthleteID:     item.AthleteID,
		DisciplineID:  item.DisciplineID,
		AttemptNumber: item.AttemptNumber,
		Order:         item.Order,
		Remaining:     s.QueueLength - s.QueuePosition,
		AdvancedAt:    s.UpdatedAt,
	})
	log.Info().
		Str("session_id", s.ID.String()).
		Str("athlete_id", item.AthleteID).
		Str("discipline_id", item.DisciplineID).
		Int("attempt_number", item.AttemptNumber).
		Int("order", item.Order).
		Msg("advanced to next athlete")
}

// emit records a domain event. Failures are logged and never fail the operation.
func (a *App) emit(ctx context.Context, id uuid.UUID, eventType string, payload any) {
	if a.events == nil {
		return
	}
	if err := a.events.Emit(ctx, id, eventType, payload); err != nil {
		log.Error().Err(err).Str("session_id", id.String()).Str("event_type", eventType).Msg("failed to emit event")
	}
}

func (a *App) validateCreateSessionRequest(req CreateSessionRequest) error {
	if req.CompetitionID == "" {
		return fmt.Errorf("competition_id is required")
	}
	if req.SetupID == "" {
		return fmt.Errorf("setup_id is required")
	}
	if req.JudgeAssignments != nil {
		if err := validateJudgeAssignments(req.JudgeAssignments); err != nil {
			return err
		}
	}
	return validateQueueInput(req.Disciplines, req.Roster)
}

func validateQueueInput(disciplines []models.Discipline, roster []string) error {
	seen := make(map[string]bool, len(disciplines))
	for _, d := range disciplines {
		if d.ID == "" {
			return fmt.Errorf("discipline id is required")
		}
		if d.MaxAttempts < 1 {
			return fmt.Errorf("discipline %s must allow at least one attempt", d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate discipline %s", d.ID)
		}
		seen[d.ID] = true
	}
	athletes := make(map[string]bool, len(roster))
	for _, athleteID := range roster {
		if athleteID == "" {
			return fmt.Errorf("athlete id is required")
		}
		if athletes[athleteID] {
			return fmt.Errorf("duplicate athlete %s", athleteID)
		}
		athletes[athleteID] = true
	}
	return nil
}
