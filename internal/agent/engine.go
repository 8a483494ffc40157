// Package agent turns chat messages into quiz flow operations, one quiz session per chat user.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/p-n-ai/pai-quiz/internal/auth"
	"github.com/p-n-ai/pai-quiz/internal/chat"
	"github.com/p-n-ai/pai-quiz/internal/i18n"
	"github.com/p-n-ai/pai-quiz/internal/quiz"
	"github.com/p-n-ai/pai-quiz/internal/tutorapi"
)

const pushTimeout = 10 * time.Second

// TutorAPI is the tutoring backend as seen by one user.
type TutorAPI interface {
	quiz.Backend
	Login(ctx context.Context, username, password string) (tutorapi.TokenPair, error)
	Logout(ctx context.Context) error
	Profile(ctx context.Context) (tutorapi.Profile, error)
	DashboardProgress(ctx context.Context) (tutorapi.DashboardProgress, error)
	AskTutor(ctx context.Context, question string) (string, error)
	UpdateProfile(ctx context.Context, update tutorapi.ProfileUpdate) (tutorapi.Profile, error)
	AvailableLessons(ctx context.Context) ([]tutorapi.Lesson, error)
	AvailableLesson(ctx context.Context, id int) (tutorapi.Lesson, error)
	MyLessons(ctx context.Context) ([]tutorapi.Enrollment, error)
	StartLesson(ctx context.Context, id int) error
}

// ClientFactory returns a backend client authenticating with creds. creds is nil for login.
type ClientFactory func(creds tutorapi.CredentialProvider) TutorAPI

// EngineConfig holds dependencies for the agent engine.
type EngineConfig struct {
	Clients     ClientFactory
	Credentials auth.Store
	Sessions    SessionStore
	Events      EventLogger
	Messages    *i18n.Bundle
	// Push delivers replies produced outside a request, after the auto-advance timer fires.
	Push func(ctx context.Context, msg chat.OutboundMessage) error

	Scheduler       quiz.Scheduler
	AdvanceDelay    time.Duration
	DefaultLanguage string
}

// Engine is the core message processor.
type Engine struct {
	clients     ClientFactory
	credentials auth.Store
	sessions    SessionStore
	events      EventLogger
	messages    *i18n.Bundle
	push        func(ctx context.Context, msg chat.OutboundMessage) error
	scheduler   quiz.Scheduler
	delay       time.Duration
	defaultLang string

	mu   sync.Mutex
	live map[string]*userSession
}

// userSession binds a stored session to its running quiz controller.
type userSession struct {
	id      string
	key     string
	channel string
	userID  string
	ctrl    *quiz.Controller

	mu   sync.Mutex
	lang string
}

func (u *userSession) language() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lang
}

func (u *userSession) setLanguage(lang string) {
	if lang == "" {
		return
	}
	u.mu.Lock()
	u.lang = lang
	u.mu.Unlock()
}

// NewEngine creates a new agent engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Clients == nil {
		return nil, fmt.Errorf("client factory is required")
	}
	messages := cfg.Messages
	if messages == nil {
		m, err := i18n.Default()
		if err != nil {
			return nil, fmt.Errorf("loading messages: %w", err)
		}
		messages = m
	}
	credentials := cfg.Credentials
	if credentials == nil {
		credentials = auth.NewMemoryStore()
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = NewMemoryStore()
	}
	events := cfg.Events
	if events == nil {
		events = NopEventLogger{}
	}
	push := cfg.Push
	if push == nil {
		push = func(context.Context, chat.OutboundMessage) error { return nil }
	}

	return &Engine{
		clients:     cfg.Clients,
		credentials: credentials,
		sessions:    sessions,
		events:      events,
		messages:    messages,
		push:        push,
		scheduler:   cfg.Scheduler,
		delay:       cfg.AdvanceDelay,
		defaultLang: cfg.DefaultLanguage,
		live:        make(map[string]*userSession),
	}, nil
}

// ProcessMessage handles an incoming message and returns the reply. An empty reply text means
// nothing should be sent, which happens when a newer action superseded this one.
func (e *Engine) ProcessMessage(ctx context.Context, msg chat.InboundMessage) (chat.OutboundMessage, error) {
	slog.Info("processing message",
		"channel", msg.Channel,
		"user_id", msg.UserID,
		"text_len", len(msg.Text),
		"callback", msg.CallbackID != "",
	)

	reply := chat.OutboundMessage{Channel: msg.Channel, UserID: msg.UserID}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return reply, nil
	}

	var v view
	if strings.HasPrefix(text, "/") {
		v = e.handleCommand(ctx, msg, text)
	} else {
		v = e.handleQuestion(ctx, msg, text)
	}
	reply.Text = v.text
	reply.Buttons = v.buttons
	return reply, nil
}

// Close stops every running quiz session.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, s := range e.live {
		s.ctrl.Close()
		delete(e.live, key)
	}
}

func (e *Engine) handleCommand(ctx context.Context, msg chat.InboundMessage, text string) view {
	fields := strings.Fields(text)
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	// Telegram appends the bot name in groups: /start@pai_bot.
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	loc := e.localizer(msg)

	switch cmd {
	case "/help":
		return view{text: loc.T("help")}
	case "/login":
		return e.handleLogin(ctx, msg, args)
	case "/logout":
		return e.handleLogout(ctx, msg)
	}

	key := userKey(msg)
	if _, err := e.credentials.Get(ctx, key); err != nil {
		if cmd == "/start" {
			return view{text: loc.T("welcome", displayName(loc, msg)) + "\n\n" + loc.T("not_logged_in")}
		}
		return e.failure(loc, nil, err)
	}

	switch cmd {
	case "/start":
		return e.handleStart(ctx, msg)
	case "/me":
		return e.handleProfile(ctx, msg)
	case "/profile":
		return e.handleProfileUpdate(ctx, msg, args)
	case "/courses":
		return e.handleCourses(ctx, msg)
	case "/course":
		return e.handleCourse(ctx, msg, args)
	case "/enroll":
		return e.handleEnroll(ctx, msg, args)
	case "/progress":
		return e.handleProgress(ctx, msg)
	case "/quiz":
		return e.handleQuiz(ctx, msg, args)
	case "/lesson":
		return e.withSession(ctx, msg, args, 1, "/lesson <id>", func(s *userSession) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: %s", quiz.ErrUnknownLesson, args[0])
			}
			if err := s.ctrl.SelectLesson(ctx, id); err != nil {
				return err
			}
			e.logEvent(s, EventLessonSelected, s.ctrl.State(), nil)
			return nil
		})
	case "/level":
		return e.withSession(ctx, msg, args, 1, "/level <level>", func(s *userSession) error {
			if err := s.ctrl.SelectLevel(ctx, strings.ToUpper(args[0])); err != nil {
				return err
			}
			st := s.ctrl.State()
			e.logEvent(s, EventLevelStarted, st, map[string]any{"questions": len(st.Questions)})
			return nil
		})
	case "/answer":
		return e.withSession(ctx, msg, args, 1, "/answer <choice>", func(s *userSession) error {
			choiceID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("%w: %s", quiz.ErrUnknownChoice, args[0])
			}
			if err := s.ctrl.SubmitAnswer(ctx, choiceID); err != nil {
				return err
			}
			st := s.ctrl.State()
			data := map[string]any{"choice_id": choiceID, "index": st.Index}
			if q, ok := st.CurrentQuestion(); ok {
				data["question_id"] = q.ID
			}
			if st.Outcome != nil {
				data["is_correct"] = st.Outcome.IsCorrect
				data["new_score"] = st.Outcome.NewScore
			}
			e.logEvent(s, EventAnswerSubmitted, st, data)
			return nil
		})
	case "/quit":
		return e.withSession(ctx, msg, args, 0, "", func(s *userSession) error {
			return s.ctrl.QuitLevel(ctx)
		})
	case "/levels":
		return e.withSession(ctx, msg, args, 0, "", func(s *userSession) error {
			return s.ctrl.BackToLevels(ctx)
		})
	case "/back":
		return e.withSession(ctx, msg, args, 0, "", func(s *userSession) error {
			s.ctrl.BackToLessons()
			_, err := s.ctrl.Lessons(ctx)
			return err
		})
	case "/retry":
		return e.withSession(ctx, msg, args, 0, "", func(s *userSession) error {
			if err := s.ctrl.RetryResult(ctx); err != nil {
				return err
			}
			e.logLevelFinished(s, s.ctrl.State())
			return nil
		})
	default:
		return view{text: loc.T("unknown_command", cmd)}
	}
}

func (e *Engine) handleStart(ctx context.Context, msg chat.InboundMessage) view {
	loc := e.localizer(msg)
	s, err := e.session(ctx, msg)
	if err != nil {
		return e.failure(loc, nil, err)
	}
	s.ctrl.BackToLessons()
	if _, err := s.ctrl.Lessons(ctx); err != nil {
		return e.failure(loc, nil, err)
	}

	v := renderState(loc, s.ctrl.State())
	v.text = loc.T("welcome", displayName(loc, msg)) + "\n\n" + v.text
	return v
}

func (e *Engine) handleQuiz(ctx context.Context, msg chat.InboundMessage, args []string) view {
	return e.withSession(ctx, msg, args, 0, "", func(s *userSession) error {
		if len(args) == 0 {
			s.ctrl.BackToLessons()
			_, err := s.ctrl.Lessons(ctx)
			return err
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("%w: %s", quiz.ErrUnknownLesson, args[0])
		}
		if err := s.ctrl.Navigate(ctx, id); err != nil {
			return err
		}
		e.logEvent(s, EventLessonSelected, s.ctrl.State(), map[string]any{"deep_link": true})
		return nil
	})
}

// withSession runs op against the user's controller and renders the resulting view.
func (e *Engine) withSession(ctx context.Context, msg chat.InboundMessage, args []string, nargs int, usage string, op func(*userSession) error) view {
	loc := e.localizer(msg)
	if len(args) < nargs {
		return view{text: loc.T("error_usage", usage)}
	}

	s, err := e.session(ctx, msg)
	if err != nil {
		return e.failure(loc, nil, err)
	}
	if err := op(s); err != nil {
		if errors.Is(err, quiz.ErrSuperseded) {
			return view{}
		}
		st := s.ctrl.State()
		return e.failure(loc, &st, err)
	}
	return renderState(loc, s.ctrl.State())
}

func (e *Engine) handleLogin(ctx context.Context, msg chat.InboundMessage, args []string) view {
	loc := e.localizer(msg)
	if len(args) != 2 {
		return view{text: loc.T("login_usage")}
	}

	tokens, err := e.clients(nil).Login(ctx, args[0], args[1])
	if err != nil {
		slog.Warn("login failed", "user_id", msg.UserID, "error", err)
		var apiErr *tutorapi.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			return view{text: loc.T("login_failed", apiErr.Message)}
		}
		return view{text: loc.T("error_generic")}
	}

	key := userKey(msg)
	if err := e.credentials.Put(ctx, key, tokens); err != nil {
		slog.Error("failed to store credentials", "user_id", msg.UserID, "error", err)
		return view{text: loc.T("error_generic")}
	}
	// A running controller belongs to the previous account.
	e.drop(key)

	return view{
		text:    loc.T("login_ok", args[0]),
		buttons: [][]chat.Button{{{Label: loc.T("btn_continue"), Data: "/start"}}},
	}
}

func (e *Engine) handleLogout(ctx context.Context, msg chat.InboundMessage) view {
	loc := e.localizer(msg)
	key := userKey(msg)

	if _, err := e.credentials.Get(ctx, key); err == nil {
		if err := e.clients(auth.Provider(e.credentials, key)).Logout(ctx); err != nil {
			slog.Warn("backend logout failed", "user_id", msg.UserID, "error", err)
		}
	}
	if err := e.credentials.Delete(ctx, key); err != nil {
		slog.Error("failed to delete credentials", "user_id", msg.UserID, "error", err)
	}
	e.drop(key)
	return view{text: loc.T("logout_ok")}
}

func (e *Engine) handleProfile(ctx context.Context, msg chat.InboundMessage) view {
	loc := e.localizer(msg)
	p, err := e.clients(auth.Provider(e.credentials, userKey(msg))).Profile(ctx)
	if err != nil {
		return e.failure(loc, nil, err)
	}
	text := loc.T("me", p.Username, p.Email)
	if d := p.Details; d != nil && (d.College != "" || d.Course != "") {
		text += "\n" + loc.T("me_details", d.College, d.Course, d.Year)
	}
	return view{text: text}
}

func (e *Engine) handleProgress(ctx context.Context, msg chat.InboundMessage) view {
	loc := e.localizer(msg)
	p, err := e.clients(auth.Provider(e.credentials, userKey(msg))).DashboardProgress(ctx)
	if err != nil {
		return e.failure(loc, nil, err)
	}
	text := loc.T("progress", p.ProgressPercentage, p.ProgressText) + "\n" +
		loc.T("prediction", p.AIPrediction, p.PassProbability)
	if counter, ok := e.events.(EventCounter); ok {
		n, err := counter.CountEvents(ctx, userKey(msg), EventLevelFinished)
		if err != nil {
			slog.Warn("failed to count finished levels", "user_id", msg.UserID, "error", err)
		} else {
			text += "\n" + loc.T("levels_finished", n)
		}
	}
	return view{text: text}
}

// AuthenticateToken resolves a backend access token to the username it belongs to and stores it
// as that user's credentials on channel.
func (e *Engine) AuthenticateToken(ctx context.Context, channel, token string) (string, error) {
	if token == "" {
		return "", tutorapi.ErrUnauthorized
	}
	p, err := e.clients(tutorapi.StaticToken(token)).Profile(ctx)
	if err != nil {
		return "", err
	}
	if p.Username == "" {
		return "", fmt.Errorf("%w: profile has no username", tutorapi.ErrUnauthorized)
	}
	if err := e.credentials.Put(ctx, channel+":"+p.Username, tutorapi.TokenPair{Access: token}); err != nil {
		return "", fmt.Errorf("store credentials: %w", err)
	}
	return p.Username, nil
}

// handleQuestion forwards free text to the backend's AI tutor.
func (e *Engine) handleQuestion(ctx context.Context, msg chat.InboundMessage, text string) view {
	loc := e.localizer(msg)
	key := userKey(msg)
	if _, err := e.credentials.Get(ctx, key); err != nil {
		return e.failure(loc, nil, err)
	}

	answer, err := e.clients(auth.Provider(e.credentials, key)).AskTutor(ctx, text)
	if err != nil {
		return e.failure(loc, nil, err)
	}
	if strings.TrimSpace(answer) == "" {
		return view{text: loc.T("tutor_empty")}
	}
	return view{text: answer}
}

// session returns the user's running quiz session, creating the controller on first use.
func (e *Engine) session(ctx context.Context, msg chat.InboundMessage) (*userSession, error) {
	key := userKey(msg)

	e.mu.Lock()
	s, ok := e.live[key]
	e.mu.Unlock()
	if ok {
		s.setLanguage(msg.Language)
		if err := e.sessions.Touch(s.id, msg.Language); err != nil {
			slog.Warn("failed to touch session", "session_id", s.id, "error", err)
		}
		return s, nil
	}

	stored, found := e.sessions.GetActiveSession(key)
	if !found {
		id, err := e.sessions.CreateSession(Session{UserKey: key, Channel: msg.Channel, Language: msg.Language})
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		if stored, err = e.sessions.GetSession(id); err != nil {
			return nil, err
		}
	}

	s = &userSession{
		id:      stored.ID,
		key:     key,
		channel: msg.Channel,
		userID:  msg.UserID,
		lang:    firstNonEmpty(msg.Language, stored.Language),
	}
	s.ctrl = quiz.NewController(quiz.Config{
		Backend:      e.clients(auth.Provider(e.credentials, key)),
		Scheduler:    e.scheduler,
		Navigator:    sessionNavigator{store: e.sessions, id: stored.ID},
		AdvanceDelay: e.delay,
		LessonID:     stored.LessonID,
		OnChange:     func(st quiz.State) { e.onTimerChange(s, st) },
	})

	e.mu.Lock()
	if existing, ok := e.live[key]; ok {
		// Lost a race with a concurrent message from the same user.
		e.mu.Unlock()
		s.ctrl.Close()
		return existing, nil
	}
	e.live[key] = s
	e.mu.Unlock()

	if err := s.ctrl.Start(ctx); err != nil && !errors.Is(err, quiz.ErrSuperseded) {
		slog.Warn("quiz session start failed", "session_id", s.id, "error", err)
	}
	slog.Info("quiz session opened", "session_id", s.id, "user_id", msg.UserID, "lesson_id", stored.LessonID)
	return s, nil
}

// drop closes and forgets the user's running session.
func (e *Engine) drop(key string) {
	e.mu.Lock()
	s, ok := e.live[key]
	delete(e.live, key)
	e.mu.Unlock()
	if !ok {
		return
	}
	s.ctrl.Close()
	if err := e.sessions.EndSession(s.id); err != nil {
		slog.Warn("failed to end session", "session_id", s.id, "error", err)
	}
}

// onTimerChange pushes the view reached after the auto-advance timer fired.
func (e *Engine) onTimerChange(s *userSession, st quiz.State) {
	if st.View == quiz.ViewResult {
		e.logLevelFinished(s, st)
	}

	loc := e.messages.Localizer(firstNonEmpty(s.language(), e.defaultLang))
	v := renderState(loc, st)
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	err := e.push(ctx, chat.OutboundMessage{
		Channel: s.channel,
		UserID:  s.userID,
		Text:    v.text,
		Buttons: v.buttons,
	})
	if err != nil {
		slog.Error("failed to push quiz update", "session_id", s.id, "view", st.View.String(), "error", err)
	}
}

func (e *Engine) logLevelFinished(s *userSession, st quiz.State) {
	if st.Result == nil {
		return
	}
	e.logEvent(s, EventLevelFinished, st, map[string]any{
		"final_score":    st.Result.FinalScore,
		"percentage":     st.Result.Percentage,
		"passed":         st.Result.Passed,
		"level_unlocked": st.Result.LevelUnlocked,
	})
}

func (e *Engine) logEvent(s *userSession, eventType string, st quiz.State, data map[string]any) {
	err := e.events.LogEvent(Event{
		SessionID: s.id,
		UserID:    s.key,
		Channel:   s.channel,
		EventType: eventType,
		LessonID:  st.LessonID,
		Level:     st.Level,
		Data:      data,
	})
	if err != nil {
		slog.Warn("failed to log event", "type", eventType, "session_id", s.id, "error", err)
	}
}

// failure renders err for the user, followed by the current view when one is given.
func (e *Engine) failure(loc *i18n.Localizer, st *quiz.State, err error) view {
	key := errorKey(err)
	if key == "error_generic" {
		slog.Error("quiz action failed", "error", err)
	}
	msg := loc.T(key)
	if st == nil {
		return view{text: msg}
	}
	v := renderState(loc, *st)
	v.text = msg + "\n\n" + v.text
	return v
}

func errorKey(err error) string {
	switch {
	case errors.Is(err, auth.ErrNoCredentials):
		return "not_logged_in"
	case errors.Is(err, tutorapi.ErrUnauthorized):
		return "session_expired"
	case errors.Is(err, tutorapi.ErrNoQuestions):
		return "error_no_questions"
	case errors.Is(err, quiz.ErrLevelLocked):
		return "error_locked"
	case errors.Is(err, quiz.ErrUnknownLesson), errors.Is(err, tutorapi.ErrNotFound):
		return "error_unknown_lesson"
	case errors.Is(err, quiz.ErrUnknownLevel):
		return "error_unknown_level"
	case errors.Is(err, quiz.ErrUnknownChoice):
		return "error_unknown_choice"
	case errors.Is(err, quiz.ErrAnswerPending):
		return "error_pending"
	case errors.Is(err, quiz.ErrInvalidTransition):
		return "error_invalid"
	default:
		return "error_generic"
	}
}

func (e *Engine) localizer(msg chat.InboundMessage) *i18n.Localizer {
	return e.messages.Localizer(firstNonEmpty(msg.Language, e.defaultLang))
}

// sessionNavigator records the active lesson so a restarted session reopens it.
type sessionNavigator struct {
	store SessionStore
	id    string
}

func (n sessionNavigator) ShowLesson(lessonID int) {
	if err := n.store.SetLesson(n.id, lessonID); err != nil {
		slog.Warn("failed to record lesson", "session_id", n.id, "lesson_id", lessonID, "error", err)
	}
}

func userKey(msg chat.InboundMessage) string {
	return msg.Channel + ":" + msg.UserID
}

func displayName(loc *i18n.Localizer, msg chat.InboundMessage) string {
	return firstNonEmpty(msg.FirstName, msg.Username, loc.T("default_name"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
