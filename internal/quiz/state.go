package quiz

import "github.com/p-n-ai/pai-quiz/internal/tutorapi"

// View is the screen the controller currently presents. Exactly one view is active at a time.
type View int

const (
	ViewLessons View = iota
	ViewLoadingLevels
	ViewLevels
	ViewLoadingQuestions
	ViewQuestions
	ViewFinishing
	ViewResult
	ViewResultError
)

func (v View) String() string {
	switch v {
	case ViewLessons:
		return "lessons"
	case ViewLoadingLevels:
		return "loading_levels"
	case ViewLevels:
		return "levels"
	case ViewLoadingQuestions:
		return "loading_questions"
	case ViewQuestions:
		return "questions"
	case ViewFinishing:
		return "finishing"
	case ViewResult:
		return "result"
	case ViewResultError:
		return "result_error"
	default:
		return "unknown"
	}
}

// levelScoped reports whether the view belongs to an active level.
func (v View) levelScoped() bool {
	switch v {
	case ViewLoadingQuestions, ViewQuestions, ViewFinishing, ViewResult, ViewResultError:
		return true
	default:
		return false
	}
}

// State is a snapshot of one quiz session. Fields outside the current view are zero:
// LessonID is set from ViewLoadingLevels on, Level only in level-scoped views,
// Questions/Index/Score/Outcome only from ViewQuestions on, Result only in ViewResult.
type State struct {
	View    View
	Lessons []tutorapi.Lesson

	LessonID int
	Levels   []tutorapi.LevelStatus

	Level     string
	Questions []tutorapi.Question
	Index     int
	Score     int
	Outcome   *tutorapi.AnswerOutcome
	Result    *tutorapi.QuizResult

	// Submitting is true while an answer is in flight.
	Submitting bool
	// Err is the last user-visible failure. It is cleared by the next successful action.
	Err error
}

// Lesson returns the active lesson from the cached catalog.
func (s State) Lesson() (tutorapi.Lesson, bool) {
	for _, l := range s.Lessons {
		if l.ID == s.LessonID {
			return l, true
		}
	}
	return tutorapi.Lesson{}, false
}

// LevelStatus returns the status of the given level key.
func (s State) LevelStatus(key string) (tutorapi.LevelStatus, bool) {
	for _, l := range s.Levels {
		if l.Level == key {
			return l, true
		}
	}
	return tutorapi.LevelStatus{}, false
}

// CurrentQuestion returns the question at Index. It is false once Index reaches the end.
func (s State) CurrentQuestion() (tutorapi.Question, bool) {
	if s.View != ViewQuestions || s.Index < 0 || s.Index >= len(s.Questions) {
		return tutorapi.Question{}, false
	}
	return s.Questions[s.Index], true
}

// Progress is the share of questions already completed, in percent. The question being
// answered is not counted.
func (s State) Progress() float64 {
	if len(s.Questions) == 0 {
		return 0
	}
	return float64(s.Index) / float64(len(s.Questions)) * 100
}

// clone copies the mutable parts so callers cannot alias controller state.
func (s State) clone() State {
	out := s
	out.Lessons = append([]tutorapi.Lesson(nil), s.Lessons...)
	out.Levels = append([]tutorapi.LevelStatus(nil), s.Levels...)
	out.Questions = append([]tutorapi.Question(nil), s.Questions...)
	if s.Outcome != nil {
		o := *s.Outcome
		out.Outcome = &o
	}
	if s.Result != nil {
		r := *s.Result
		out.Result = &r
	}
	return out
}
