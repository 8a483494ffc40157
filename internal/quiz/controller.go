// Package quiz implements the quiz flow controller: the per-user state machine that sequences lesson
// selection, level selection, question delivery, answer submission and result display against the
// tutoring backend.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/p-n-ai/pai-quiz/internal/tutorapi"
)

const (
	// DefaultAdvanceDelay is how long an answer outcome stays on screen before the next question.
	DefaultAdvanceDelay = 2000 * time.Millisecond

	defaultFetchTimeout = 15 * time.Second
)

var (
	ErrLevelLocked       = errors.New("level is locked")
	ErrUnknownLesson     = errors.New("unknown lesson")
	ErrUnknownLevel      = errors.New("unknown level")
	ErrUnknownChoice     = errors.New("choice does not belong to the current question")
	ErrAnswerPending     = errors.New("an answer is already pending")
	ErrInvalidTransition = errors.New("action not available in the current view")
	// ErrSuperseded is returned when the session moved on while a request was in flight.
	// The response was discarded.
	ErrSuperseded = errors.New("superseded by a newer action")
)

// Backend is the subset of the tutoring API the controller consumes.
type Backend interface {
	Lessons(ctx context.Context) ([]tutorapi.Lesson, error)
	Levels(ctx context.Context, lessonID int) ([]tutorapi.LevelStatus, error)
	Questions(ctx context.Context, lessonID int, level string) ([]tutorapi.Question, error)
	SubmitAnswer(ctx context.Context, lessonID int, req tutorapi.AnswerRequest) (tutorapi.AnswerOutcome, error)
	Result(ctx context.Context, lessonID int, level string) (tutorapi.QuizResult, error)
}

// Navigator mirrors the active lesson to an external location (address bar, chat header).
// A lesson id of 0 means the quiz root.
type Navigator interface {
	ShowLesson(lessonID int)
}

// NopNavigator ignores navigation.
type NopNavigator struct{}

func (NopNavigator) ShowLesson(int) {}

// Config holds dependencies for a Controller.
type Config struct {
	Backend      Backend
	Scheduler    Scheduler     // default TimeScheduler
	Navigator    Navigator     // default NopNavigator
	AdvanceDelay time.Duration // default 2s
	FetchTimeout time.Duration // bound for timer-driven result fetches (default 15s)
	// LessonID deep-links the controller into a lesson. Start then loads its levels.
	LessonID int
	// OnChange receives the state after transitions driven by the auto-advance timer,
	// which happen outside any caller's request.
	OnChange func(State)
}

// Controller is the quiz flow state machine for one user. It is safe for concurrent use;
// backend calls run without holding the lock and their results are discarded if the
// session generation changed meanwhile.
type Controller struct {
	backend      Backend
	scheduler    Scheduler
	navigator    Navigator
	advanceDelay time.Duration
	fetchTimeout time.Duration
	onChange     func(State)

	mu            sync.Mutex
	state         State
	lessonsLoaded bool
	gen           uint64
	advance       Task
	cancelFinish  context.CancelFunc
}

// NewController creates a controller in the lessons view, or in the loading view when deep-linked.
func NewController(cfg Config) *Controller {
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = TimeScheduler{}
	}
	navigator := cfg.Navigator
	if navigator == nil {
		navigator = NopNavigator{}
	}
	delay := cfg.AdvanceDelay
	if delay == 0 {
		delay = DefaultAdvanceDelay
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout == 0 {
		fetchTimeout = defaultFetchTimeout
	}

	c := &Controller{
		backend:      cfg.Backend,
		scheduler:    scheduler,
		navigator:    navigator,
		advanceDelay: delay,
		fetchTimeout: fetchTimeout,
		onChange:     cfg.OnChange,
		state:        State{View: ViewLessons},
	}
	if cfg.LessonID != 0 {
		c.state = State{View: ViewLoadingLevels, LessonID: cfg.LessonID}
	}
	return c
}

// State returns a snapshot of the session.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Progress returns the completed share of the current question batch in percent.
func (c *Controller) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Progress()
}

// Start loads the lesson catalog and, for a deep-linked controller, the lesson's levels.
func (c *Controller) Start(ctx context.Context) error {
	if _, err := c.Lessons(ctx); err != nil {
		c.mu.Lock()
		if c.state.View == ViewLoadingLevels {
			c.setViewLocked(ViewLessons)
			c.state.LessonID = 0
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	deepLink := c.state.View == ViewLoadingLevels
	lessonID := c.state.LessonID
	c.mu.Unlock()

	if deepLink {
		return c.SelectLesson(ctx, lessonID)
	}
	return nil
}

// Lessons returns the lesson catalog, fetching it on first use.
func (c *Controller) Lessons(ctx context.Context) ([]tutorapi.Lesson, error) {
	c.mu.Lock()
	if c.lessonsLoaded {
		lessons := append([]tutorapi.Lesson(nil), c.state.Lessons...)
		c.mu.Unlock()
		return lessons, nil
	}
	c.mu.Unlock()

	lessons, err := observe("lessons", func() ([]tutorapi.Lesson, error) {
		return c.backend.Lessons(ctx)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state.Err = err
		return nil, err
	}
	c.lessonsLoaded = true
	c.state.Lessons = lessons
	return append([]tutorapi.Lesson(nil), lessons...), nil
}

// SelectLesson makes id the active lesson and loads its levels. Any level, questions or pending
// advance of the previous lesson is dropped before the fetch starts.
func (c *Controller) SelectLesson(ctx context.Context, id int) error {
	lessons, err := c.Lessons(ctx)
	if err != nil {
		return err
	}
	if !containsLesson(lessons, id) {
		err := fmt.Errorf("%w: %d", ErrUnknownLesson, id)
		c.mu.Lock()
		// A deep link to a lesson that no longer exists falls back to the catalog.
		fallback := c.state.View == ViewLoadingLevels
		if fallback {
			c.resetLocked(State{View: ViewLessons, Err: err})
		} else {
			c.state.Err = err
		}
		c.mu.Unlock()
		rejectionsTotal.WithLabelValues("unknown_lesson").Inc()
		if fallback {
			c.navigator.ShowLesson(0)
		}
		return err
	}

	c.mu.Lock()
	gen := c.resetLocked(State{View: ViewLoadingLevels, LessonID: id})
	c.mu.Unlock()

	levels, err := observe("levels", func() ([]tutorapi.LevelStatus, error) {
		return c.backend.Levels(ctx, id)
	})

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		staleResponsesTotal.Inc()
		return ErrSuperseded
	}
	if err != nil {
		c.resetLocked(State{View: ViewLessons, Err: err})
		c.mu.Unlock()
		slog.Warn("failed to load levels", "lesson_id", id, "error", err)
		return err
	}
	c.state.Levels = levels
	c.setViewLocked(ViewLevels)
	c.mu.Unlock()

	c.navigator.ShowLesson(id)
	return nil
}

// SelectLevel starts the given level of the active lesson. Locked levels are rejected with
// ErrLevelLocked without contacting the backend.
func (c *Controller) SelectLevel(ctx context.Context, key string) error {
	c.mu.Lock()
	if c.state.View != ViewLevels {
		c.mu.Unlock()
		rejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return ErrInvalidTransition
	}
	status, ok := c.state.LevelStatus(key)
	if !ok {
		c.state.Err = fmt.Errorf("%w: %s", ErrUnknownLevel, key)
		err := c.state.Err
		c.mu.Unlock()
		rejectionsTotal.WithLabelValues("unknown_level").Inc()
		return err
	}
	if !status.IsUnlocked {
		c.state.Err = ErrLevelLocked
		c.mu.Unlock()
		rejectionsTotal.WithLabelValues("locked").Inc()
		return ErrLevelLocked
	}

	lessonID := c.state.LessonID
	gen := c.resetLocked(State{
		View:     ViewLoadingQuestions,
		LessonID: lessonID,
		Levels:   c.state.Levels,
		Level:    key,
	})
	c.mu.Unlock()

	questions, err := observe("questions", func() ([]tutorapi.Question, error) {
		return c.backend.Questions(ctx, lessonID, key)
	})
	if err == nil && len(questions) == 0 {
		err = tutorapi.ErrNoQuestions
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		staleResponsesTotal.Inc()
		return ErrSuperseded
	}
	if err != nil {
		c.state.Level = ""
		c.state.Err = err
		c.setViewLocked(ViewLevels)
		slog.Warn("failed to load questions", "lesson_id", lessonID, "level", key, "error", err)
		return err
	}

	c.state.Questions = questions
	c.state.Index = 0
	c.state.Score = 0
	c.state.Outcome = nil
	c.setViewLocked(ViewQuestions)
	return nil
}

// SubmitAnswer answers the current question. While an outcome is displayed or another submission
// is in flight the call is ignored with ErrAnswerPending. On success the backend's score replaces the
// running score and the advance to the next question is scheduled. On failure the same question stays
// current and may be answered again.
func (c *Controller) SubmitAnswer(ctx context.Context, choiceID int) error {
	c.mu.Lock()
	if c.state.View != ViewQuestions {
		c.mu.Unlock()
		rejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return ErrInvalidTransition
	}
	if c.state.Outcome != nil || c.state.Submitting {
		c.mu.Unlock()
		rejectionsTotal.WithLabelValues("pending").Inc()
		return ErrAnswerPending
	}
	question, _ := c.state.CurrentQuestion()
	if _, ok := question.ChoiceByID(choiceID); !ok {
		c.state.Err = fmt.Errorf("%w: %d", ErrUnknownChoice, choiceID)
		err := c.state.Err
		c.mu.Unlock()
		rejectionsTotal.WithLabelValues("unknown_choice").Inc()
		return err
	}

	c.state.Submitting = true
	c.state.Err = nil
	gen, index := c.gen, c.state.Index
	lessonID, level := c.state.LessonID, c.state.Level
	c.mu.Unlock()

	outcome, err := observe("submit_answer", func() (tutorapi.AnswerOutcome, error) {
		return c.backend.SubmitAnswer(ctx, lessonID, tutorapi.AnswerRequest{
			QuestionID: question.ID,
			ChoiceID:   choiceID,
			Level:      level,
		})
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		staleResponsesTotal.Inc()
		return ErrSuperseded
	}
	c.state.Submitting = false
	if err != nil {
		c.state.Err = err
		slog.Warn("failed to submit answer", "lesson_id", lessonID, "question_id", question.ID, "error", err)
		return err
	}

	outcome.ChoiceID = choiceID
	outcome.CorrectChoiceID = correctChoiceID(question, outcome)
	c.state.Outcome = &outcome
	c.state.Score = outcome.NewScore
	if outcome.IsCorrect {
		answersTotal.WithLabelValues("correct").Inc()
	} else {
		answersTotal.WithLabelValues("incorrect").Inc()
	}

	c.advance = c.scheduler.AfterFunc(c.advanceDelay, func() {
		c.advanceFrom(gen, index)
	})
	return nil
}

// QuitLevel abandons the running level and returns to the level list.
func (c *Controller) QuitLevel(ctx context.Context) error {
	c.mu.Lock()
	switch c.state.View {
	case ViewLoadingQuestions, ViewQuestions, ViewFinishing:
	default:
		c.mu.Unlock()
		rejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return ErrInvalidTransition
	}
	c.mu.Unlock()
	return c.showLevels(ctx)
}

// BackToLevels leaves the result screen and reloads the level list, which may now show a newly
// unlocked level.
func (c *Controller) BackToLevels(ctx context.Context) error {
	c.mu.Lock()
	switch c.state.View {
	case ViewResult, ViewResultError, ViewLevels:
	default:
		c.mu.Unlock()
		rejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return ErrInvalidTransition
	}
	c.mu.Unlock()
	return c.showLevels(ctx)
}

// showLevels switches to the level list immediately and refreshes it. A failed refresh keeps the
// previous statuses and reports the error.
func (c *Controller) showLevels(ctx context.Context) error {
	c.mu.Lock()
	lessonID := c.state.LessonID
	gen := c.resetLocked(State{View: ViewLevels, LessonID: lessonID, Levels: c.state.Levels})
	c.mu.Unlock()

	levels, err := observe("levels", func() ([]tutorapi.LevelStatus, error) {
		return c.backend.Levels(ctx, lessonID)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		staleResponsesTotal.Inc()
		return ErrSuperseded
	}
	if err != nil {
		c.state.Err = err
		return err
	}
	c.state.Levels = levels
	return nil
}

// BackToLessons returns to the quiz root, clearing the active lesson, level and questions.
func (c *Controller) BackToLessons() {
	c.mu.Lock()
	c.resetLocked(State{View: ViewLessons})
	c.mu.Unlock()

	c.navigator.ShowLesson(0)
}

// Navigate applies an externally driven location change. 0 is the quiz root.
func (c *Controller) Navigate(ctx context.Context, lessonID int) error {
	if lessonID == 0 {
		c.BackToLessons()
		return nil
	}

	c.mu.Lock()
	same := c.state.LessonID == lessonID && c.state.View != ViewLessons && c.state.View != ViewLoadingLevels
	c.mu.Unlock()
	if same {
		return nil
	}
	return c.SelectLesson(ctx, lessonID)
}

// RetryResult fetches the level result again after a failure.
func (c *Controller) RetryResult(ctx context.Context) error {
	c.mu.Lock()
	if c.state.View != ViewResultError {
		c.mu.Unlock()
		rejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return ErrInvalidTransition
	}
	c.state.Err = nil
	c.setViewLocked(ViewFinishing)
	gen := c.gen
	c.mu.Unlock()

	return c.finishLevel(ctx, gen)
}

// Close cancels any scheduled advance and in-flight result fetch.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

// advanceFrom runs when the outcome display delay of question index elapses.
func (c *Controller) advanceFrom(gen uint64, index int) {
	c.mu.Lock()
	if gen != c.gen || c.state.View != ViewQuestions || c.state.Index != index || c.state.Outcome == nil {
		c.mu.Unlock()
		staleResponsesTotal.Inc()
		return
	}
	c.advance = nil
	c.state.Outcome = nil

	next := index + 1
	if next < len(c.state.Questions) {
		c.state.Index = next
		snapshot := c.state.clone()
		c.mu.Unlock()
		c.notify(snapshot)
		return
	}

	c.state.Index = len(c.state.Questions)
	c.setViewLocked(ViewFinishing)
	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	c.cancelFinish = cancel
	c.mu.Unlock()

	defer cancel()
	if err := c.finishLevel(ctx, gen); errors.Is(err, ErrSuperseded) {
		return
	}
	c.notify(c.State())
}

// finishLevel fetches the result of the active level.
func (c *Controller) finishLevel(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	lessonID, level := c.state.LessonID, c.state.Level
	c.mu.Unlock()

	result, err := observe("result", func() (tutorapi.QuizResult, error) {
		return c.backend.Result(ctx, lessonID, level)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		staleResponsesTotal.Inc()
		return ErrSuperseded
	}
	c.cancelFinish = nil
	if err != nil {
		c.state.Err = err
		c.setViewLocked(ViewResultError)
		slog.Warn("failed to fetch quiz result", "lesson_id", lessonID, "level", level, "error", err)
		return err
	}
	c.state.Result = &result
	c.setViewLocked(ViewResult)
	return nil
}

// resetLocked invalidates in-flight work and replaces the session state, keeping the lesson catalog.
// It returns the new generation.
func (c *Controller) resetLocked(next State) uint64 {
	c.invalidateLocked()
	next.Lessons = c.state.Lessons
	from := c.state.View
	c.state = next
	if from != next.View {
		transitionsTotal.WithLabelValues(next.View.String()).Inc()
	}
	return c.gen
}

// invalidateLocked bumps the generation so pending responses and timers become stale.
func (c *Controller) invalidateLocked() {
	c.gen++
	if c.advance != nil {
		c.advance.Stop()
		c.advance = nil
	}
	if c.cancelFinish != nil {
		c.cancelFinish()
		c.cancelFinish = nil
	}
}

func (c *Controller) setViewLocked(v View) {
	if c.state.View == v {
		return
	}
	c.state.View = v
	if !v.levelScoped() {
		c.state.Level = ""
	}
	transitionsTotal.WithLabelValues(v.String()).Inc()
}

func (c *Controller) notify(s State) {
	if c.onChange != nil {
		c.onChange(s)
	}
}

// correctChoiceID resolves the correct choice from the outcome. The backend only reports the
// correct answer's text, so a correct outcome points at the submitted choice.
func correctChoiceID(q tutorapi.Question, out tutorapi.AnswerOutcome) int {
	if out.CorrectChoiceID != 0 {
		return out.CorrectChoiceID
	}
	if out.IsCorrect {
		return out.ChoiceID
	}
	for _, ch := range q.Choices {
		if ch.Text == out.CorrectAnswerText {
			return ch.ID
		}
	}
	return 0
}

func containsLesson(lessons []tutorapi.Lesson, id int) bool {
	for _, l := range lessons {
		if l.ID == id {
			return true
		}
	}
	return false
}

// observe times a backend call and counts its failures. Superseded calls still count.
func observe[T any](op string, call func() (T, error)) (T, error) {
	timer := prometheus.NewTimer(fetchDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	out, err := call()
	if err != nil && !errors.Is(err, tutorapi.ErrNoQuestions) {
		fetchErrorsTotal.WithLabelValues(op).Inc()
	}
	return out, err
}
