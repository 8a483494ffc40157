package agent

import (
	"strconv"
	"strings"

	"github.com/p-n-ai/pai-quiz/internal/chat"
	"github.com/p-n-ai/pai-quiz/internal/i18n"
	"github.com/p-n-ai/pai-quiz/internal/quiz"
)

// view is a rendered quiz screen.
type view struct {
	text    string
	buttons [][]chat.Button
}

// renderState renders the current quiz view. Errors are not part of the view; callers prepend them.
func renderState(loc *i18n.Localizer, st quiz.State) view {
	switch st.View {
	case quiz.ViewLessons:
		return renderLessons(loc, st)
	case quiz.ViewLoadingLevels:
		return view{text: loc.T("loading_levels")}
	case quiz.ViewLevels:
		return renderLevels(loc, st)
	case quiz.ViewLoadingQuestions:
		return view{text: loc.T("loading_questions")}
	case quiz.ViewQuestions:
		return renderQuestion(loc, st)
	case quiz.ViewFinishing:
		return view{text: loc.T("finishing")}
	case quiz.ViewResult:
		return renderResult(loc, st)
	case quiz.ViewResultError:
		return view{
			text: loc.T("result_error"),
			buttons: [][]chat.Button{
				{{Label: loc.T("btn_retry"), Data: "/retry"}},
				{{Label: loc.T("btn_back_levels"), Data: "/levels"}},
			},
		}
	default:
		return view{text: loc.T("error_generic")}
	}
}

func renderLessons(loc *i18n.Localizer, st quiz.State) view {
	if len(st.Lessons) == 0 {
		return view{text: loc.T("lessons_empty")}
	}

	var b strings.Builder
	b.WriteString(loc.T("lessons_title"))
	buttons := make([][]chat.Button, 0, len(st.Lessons))
	for _, l := range st.Lessons {
		b.WriteString("\n")
		b.WriteString(loc.T("lesson_item", l.ID, l.Title, l.Category))
		buttons = append(buttons, []chat.Button{{Label: l.Title, Data: "/lesson " + strconv.Itoa(l.ID)}})
	}
	return view{text: b.String(), buttons: buttons}
}

func renderLevels(loc *i18n.Localizer, st quiz.State) view {
	title := strconv.Itoa(st.LessonID)
	if lesson, ok := st.Lesson(); ok {
		title = lesson.Title
	}

	var b strings.Builder
	b.WriteString(loc.T("levels_title", title))

	var buttons [][]chat.Button
	for _, lvl := range st.Levels {
		name := lvl.DisplayName
		if name == "" {
			name = lvl.Level
		}
		b.WriteString("\n")
		switch {
		case !lvl.IsUnlocked:
			b.WriteString(loc.T("level_locked", name))
			continue
		case lvl.IsCompleted:
			b.WriteString(loc.T("level_completed", name, lvl.CorrectCount, lvl.RequiredCount))
		default:
			b.WriteString(loc.T("level_open", name, lvl.CorrectCount, lvl.RequiredCount))
		}
		buttons = append(buttons, []chat.Button{{Label: name, Data: "/level " + lvl.Level}})
	}
	buttons = append(buttons, []chat.Button{{Label: loc.T("btn_back_lessons"), Data: "/back"}})
	return view{text: b.String(), buttons: buttons}
}

func renderQuestion(loc *i18n.Localizer, st quiz.State) view {
	q, ok := st.CurrentQuestion()
	if !ok {
		return view{text: loc.T("finishing")}
	}

	var b strings.Builder
	b.WriteString(loc.T("question_header", st.Index+1, len(st.Questions), st.Progress()))
	b.WriteString("\n\n")
	b.WriteString(q.Text)

	if out := st.Outcome; out != nil {
		b.WriteString("\n\n")
		if out.IsCorrect {
			b.WriteString(loc.T("answer_correct"))
		} else {
			b.WriteString(loc.T("answer_incorrect", out.CorrectAnswerText))
		}
		explanation := out.Explanation
		if explanation == "" {
			explanation = q.Explanation
		}
		if explanation != "" {
			b.WriteString("\n")
			b.WriteString(loc.T("explanation", explanation))
		}
		b.WriteString("\n")
		b.WriteString(loc.T("score", st.Score))
		// No buttons while the outcome is shown; the next question follows automatically.
		return view{text: b.String()}
	}

	buttons := make([][]chat.Button, 0, len(q.Choices)+1)
	for _, c := range q.Choices {
		b.WriteString("\n- ")
		b.WriteString(c.Text)
		buttons = append(buttons, []chat.Button{{Label: c.Text, Data: "/answer " + strconv.Itoa(c.ID)}})
	}
	buttons = append(buttons, []chat.Button{{Label: loc.T("btn_quit"), Data: "/quit"}})
	return view{text: b.String(), buttons: buttons}
}

func renderResult(loc *i18n.Localizer, st quiz.State) view {
	res := st.Result
	if res == nil {
		return view{text: loc.T("finishing")}
	}

	var b strings.Builder
	b.WriteString(loc.T("result", res.FinalScore, res.TotalQuestions, res.Percentage))
	b.WriteString("\n")
	if res.Passed {
		b.WriteString(loc.T("result_passed", res.Feedback))
	} else {
		b.WriteString(loc.T("result_failed", res.Feedback))
	}
	if res.StatusMsg != "" {
		b.WriteString("\n")
		b.WriteString(res.StatusMsg)
	}
	if res.LevelUnlocked {
		b.WriteString("\n")
		b.WriteString(loc.T("level_unlocked"))
	}
	return view{
		text: b.String(),
		buttons: [][]chat.Button{
			{{Label: loc.T("btn_back_levels"), Data: "/levels"}},
			{{Label: loc.T("btn_back_lessons"), Data: "/back"}},
		},
	}
}
