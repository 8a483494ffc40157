package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/p-n-ai/pai-quiz/internal/auth"
	"github.com/p-n-ai/pai-quiz/internal/chat"
	"github.com/p-n-ai/pai-quiz/internal/i18n"
	"github.com/p-n-ai/pai-quiz/internal/quiz"
	"github.com/p-n-ai/pai-quiz/internal/tutorapi"
)

// profileFields maps /profile field names to the update they produce.
var profileFields = map[string]func(u *tutorapi.ProfileUpdate, v string){
	"username":      func(u *tutorapi.ProfileUpdate, v string) { u.Username = v },
	"email":         func(u *tutorapi.ProfileUpdate, v string) { u.Email = v },
	"college":       func(u *tutorapi.ProfileUpdate, v string) { details(u).College = v },
	"course":        func(u *tutorapi.ProfileUpdate, v string) { details(u).Course = v },
	"year":          func(u *tutorapi.ProfileUpdate, v string) { details(u).Year = v },
	"qualification": func(u *tutorapi.ProfileUpdate, v string) { details(u).Qualification = v },
	"roll_number":   func(u *tutorapi.ProfileUpdate, v string) { details(u).RollNumber = v },
	"dob":           func(u *tutorapi.ProfileUpdate, v string) { details(u).DOB = v },
}

func details(u *tutorapi.ProfileUpdate) *tutorapi.ProfileInfo {
	if u.Details == nil {
		u.Details = &tutorapi.ProfileInfo{}
	}
	return u.Details
}

func profileFieldNames() string {
	names := make([]string, 0, len(profileFields))
	for name := range profileFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// handleCourses lists the course catalog, marking the courses the user has started.
func (e *Engine) handleCourses(ctx context.Context, msg chat.InboundMessage) view {
	loc := e.localizer(msg)
	client := e.clients(auth.Provider(e.credentials, userKey(msg)))

	var (
		lessons  []tutorapi.Lesson
		enrolled []tutorapi.Enrollment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lessons, err = client.AvailableLessons(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		enrolled, err = client.MyLessons(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return e.failure(loc, nil, err)
	}
	if len(lessons) == 0 {
		return view{text: loc.T("courses_empty")}
	}

	status := make(map[int]string, len(enrolled))
	for _, en := range enrolled {
		status[en.Lesson.ID] = en.Status
	}

	var b strings.Builder
	b.WriteString(loc.T("courses_title"))
	buttons := make([][]chat.Button, 0, len(lessons))
	for _, l := range lessons {
		item := loc.T("course_item", l.ID, l.Title, l.Category, l.Duration)
		switch status[l.ID] {
		case tutorapi.EnrollmentCompleted:
			item = loc.T("course_done", item)
		case tutorapi.EnrollmentInProgress:
			item = loc.T("course_started", item)
		}
		b.WriteString("\n")
		b.WriteString(item)
		buttons = append(buttons, []chat.Button{{Label: l.Title, Data: "/course " + strconv.Itoa(l.ID)}})
	}
	return view{text: b.String(), buttons: buttons}
}

// handleCourse shows one course with its study material.
func (e *Engine) handleCourse(ctx context.Context, msg chat.InboundMessage, args []string) view {
	loc := e.localizer(msg)
	if len(args) < 1 {
		return view{text: loc.T("error_usage", "/course <id>")}
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return e.failure(loc, nil, fmt.Errorf("%w: %s", quiz.ErrUnknownLesson, args[0]))
	}

	l, err := e.clients(auth.Provider(e.credentials, userKey(msg))).AvailableLesson(ctx, id)
	if err != nil {
		return e.failure(loc, nil, err)
	}
	return view{text: courseText(loc, l), buttons: courseButtons(loc, l.ID)}
}

func courseText(loc *i18n.Localizer, l tutorapi.Lesson) string {
	lines := []string{loc.T("course_header", l.Title, l.Category, l.Duration)}
	for _, s := range []string{l.Description, l.Content} {
		if s = strings.TrimSpace(s); s != "" {
			lines = append(lines, s)
		}
	}
	if l.VideoURL != "" {
		lines = append(lines, loc.T("course_video", l.VideoURL))
	}
	if l.PDFURL != "" {
		lines = append(lines, loc.T("course_notes", l.PDFURL))
	}
	if l.ExternalURL != "" {
		lines = append(lines, loc.T("course_more", l.ExternalURL))
	}
	return strings.Join(lines, "\n\n")
}

func courseButtons(loc *i18n.Localizer, id int) [][]chat.Button {
	return [][]chat.Button{
		{{Label: loc.T("btn_enroll"), Data: "/enroll " + strconv.Itoa(id)}},
		{{Label: loc.T("btn_quiz"), Data: "/quiz " + strconv.Itoa(id)}},
	}
}

// handleEnroll starts a course for the user.
func (e *Engine) handleEnroll(ctx context.Context, msg chat.InboundMessage, args []string) view {
	loc := e.localizer(msg)
	if len(args) < 1 {
		return view{text: loc.T("error_usage", "/enroll <id>")}
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return e.failure(loc, nil, fmt.Errorf("%w: %s", quiz.ErrUnknownLesson, args[0]))
	}

	client := e.clients(auth.Provider(e.credentials, userKey(msg)))
	l, err := client.AvailableLesson(ctx, id)
	if err != nil {
		return e.failure(loc, nil, err)
	}
	if err := client.StartLesson(ctx, id); err != nil {
		return e.failure(loc, nil, err)
	}
	slog.Info("course started", "user_id", msg.UserID, "lesson_id", id)
	return view{
		text:    loc.T("enroll_ok", l.Title),
		buttons: [][]chat.Button{{{Label: loc.T("btn_quiz"), Data: "/quiz " + strconv.Itoa(id)}}},
	}
}

// handleProfileUpdate changes one profile field: /profile <field> <value>.
func (e *Engine) handleProfileUpdate(ctx context.Context, msg chat.InboundMessage, args []string) view {
	loc := e.localizer(msg)
	if len(args) < 2 {
		return view{text: loc.T("profile_usage", profileFieldNames())}
	}
	field := strings.ToLower(args[0])
	set, ok := profileFields[field]
	if !ok {
		return view{text: loc.T("profile_usage", profileFieldNames())}
	}
	value := strings.Join(args[1:], " ")

	var update tutorapi.ProfileUpdate
	set(&update, value)

	_, err := e.clients(auth.Provider(e.credentials, userKey(msg))).UpdateProfile(ctx, update)
	if err != nil {
		var apiErr *tutorapi.APIError
		if errorKey(err) == "error_generic" && errors.As(err, &apiErr) && apiErr.Message != "" {
			return view{text: loc.T("profile_failed", apiErr.Message)}
		}
		return e.failure(loc, nil, err)
	}
	return view{text: loc.T("profile_updated", field, value)}
}
