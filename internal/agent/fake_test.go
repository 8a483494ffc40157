package agent_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/p-n-ai/pai-quiz/internal/agent"
	"github.com/p-n-ai/pai-quiz/internal/tutorapi"
)

const validToken = "a1"

// fakeBackend is an in-memory tutoring backend shared by every per-user client.
type fakeBackend struct {
	mu             sync.Mutex
	lessons        []tutorapi.Lesson
	levels         map[int][]tutorapi.LevelStatus
	questions      map[string][]tutorapi.Question
	correct        map[int]int
	score          int
	resultErr      error
	logouts        int
	questionsAsked []string
	enrollments    map[int]string
	updates        []tutorapi.ProfileUpdate
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		lessons: []tutorapi.Lesson{{
			ID: 1, Title: "Algebra", Category: "Math", Duration: "2 weeks",
			Description: "Solve for x.", VideoURL: "https://videos.example.com/algebra",
		}},
		enrollments: map[int]string{},
		levels: map[int][]tutorapi.LevelStatus{
			1: {
				{Level: "EASY", DisplayName: "Easy", IsUnlocked: true, CorrectCount: 0, RequiredCount: 20},
				{Level: "MEDIUM", DisplayName: "Medium", IsUnlocked: false, RequiredCount: 20},
			},
		},
		questions: map[string][]tutorapi.Question{
			"1/EASY": {
				{ID: 10, Text: "1+1?", Choices: []tutorapi.Choice{{ID: 100, Text: "2"}, {ID: 101, Text: "3"}}},
				{ID: 11, Text: "2+2?", Explanation: "add", Choices: []tutorapi.Choice{{ID: 110, Text: "4"}, {ID: 111, Text: "5"}}},
			},
		},
		correct: map[int]int{10: 100, 11: 110},
	}
}

// factory returns the engine's client factory bound to this backend.
func (b *fakeBackend) factory() agent.ClientFactory {
	return func(creds tutorapi.CredentialProvider) agent.TutorAPI {
		return &fakeClient{backend: b, creds: creds}
	}
}

type fakeClient struct {
	backend *fakeBackend
	creds   tutorapi.CredentialProvider
}

func (c *fakeClient) authorize(ctx context.Context) error {
	if c.creds == nil {
		return &tutorapi.APIError{StatusCode: http.StatusUnauthorized}
	}
	tok, err := c.creds.Token(ctx)
	if err != nil {
		return err
	}
	if tok != validToken {
		return &tutorapi.APIError{StatusCode: http.StatusUnauthorized, Message: "Given token not valid"}
	}
	return nil
}

func (c *fakeClient) Lessons(ctx context.Context) ([]tutorapi.Lesson, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	return append([]tutorapi.Lesson(nil), c.backend.lessons...), nil
}

func (c *fakeClient) Levels(ctx context.Context, lessonID int) ([]tutorapi.LevelStatus, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	levels, ok := c.backend.levels[lessonID]
	if !ok {
		return nil, &tutorapi.APIError{StatusCode: http.StatusNotFound}
	}
	return append([]tutorapi.LevelStatus(nil), levels...), nil
}

func (c *fakeClient) Questions(ctx context.Context, lessonID int, level string) ([]tutorapi.Question, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.score = 0
	qs, ok := c.backend.questions[fmt.Sprintf("%d/%s", lessonID, level)]
	if !ok {
		return nil, fmt.Errorf("%w: No questions found for this level.", tutorapi.ErrNoQuestions)
	}
	return append([]tutorapi.Question(nil), qs...), nil
}

func (c *fakeClient) SubmitAnswer(ctx context.Context, _ int, req tutorapi.AnswerRequest) (tutorapi.AnswerOutcome, error) {
	if err := c.authorize(ctx); err != nil {
		return tutorapi.AnswerOutcome{}, err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	correctID := c.backend.correct[req.QuestionID]
	out := tutorapi.AnswerOutcome{ChoiceID: req.ChoiceID, IsCorrect: req.ChoiceID == correctID}
	for _, qs := range c.backend.questions {
		for _, q := range qs {
			if q.ID == req.QuestionID {
				ch, _ := q.ChoiceByID(correctID)
				out.CorrectAnswerText = ch.Text
			}
		}
	}
	if out.IsCorrect {
		c.backend.score++
	}
	out.NewScore = c.backend.score
	return out, nil
}

func (c *fakeClient) Result(ctx context.Context, _ int, _ string) (tutorapi.QuizResult, error) {
	if err := c.authorize(ctx); err != nil {
		return tutorapi.QuizResult{}, err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	if err := c.backend.resultErr; err != nil {
		c.backend.resultErr = nil
		return tutorapi.QuizResult{}, err
	}
	return tutorapi.QuizResult{
		FinalScore:     c.backend.score,
		TotalQuestions: 2,
		Percentage:     float64(c.backend.score) / 2 * 100,
		Passed:         c.backend.score == 2,
		Feedback:       "Keep practising.",
	}, nil
}

func (c *fakeClient) Login(_ context.Context, username, password string) (tutorapi.TokenPair, error) {
	if password != "secret" {
		return tutorapi.TokenPair{}, &tutorapi.APIError{
			StatusCode: http.StatusBadRequest,
			Message:    "Unable to log in with provided credentials.",
		}
	}
	return tutorapi.TokenPair{Access: validToken, Refresh: "r-" + username}, nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	if err := c.authorize(ctx); err != nil {
		return err
	}
	c.backend.mu.Lock()
	c.backend.logouts++
	c.backend.mu.Unlock()
	return nil
}

func (c *fakeClient) Profile(ctx context.Context) (tutorapi.Profile, error) {
	if err := c.authorize(ctx); err != nil {
		return tutorapi.Profile{}, err
	}
	return tutorapi.Profile{
		Username: "ali",
		Email:    "ali@example.com",
		Details:  &tutorapi.ProfileInfo{College: "UTM", Course: "CS", Year: "2"},
	}, nil
}

func (c *fakeClient) DashboardProgress(ctx context.Context) (tutorapi.DashboardProgress, error) {
	if err := c.authorize(ctx); err != nil {
		return tutorapi.DashboardProgress{}, err
	}
	return tutorapi.DashboardProgress{
		ProgressPercentage: 42.5,
		ProgressText:       "Great!",
		AIPrediction:       "Good Track!",
		PassProbability:    61,
	}, nil
}

func (c *fakeClient) AskTutor(ctx context.Context, question string) (string, error) {
	if err := c.authorize(ctx); err != nil {
		return "", err
	}
	c.backend.mu.Lock()
	c.backend.questionsAsked = append(c.backend.questionsAsked, question)
	c.backend.mu.Unlock()
	if question == "silence" {
		return "", nil
	}
	return "A variable is a letter standing for a number.", nil
}

func (c *fakeClient) UpdateProfile(ctx context.Context, update tutorapi.ProfileUpdate) (tutorapi.Profile, error) {
	if err := c.authorize(ctx); err != nil {
		return tutorapi.Profile{}, err
	}
	if update.Email != "" && !strings.Contains(update.Email, "@") {
		return tutorapi.Profile{}, &tutorapi.APIError{
			StatusCode: http.StatusBadRequest,
			Message:    "email: Enter a valid email address.",
		}
	}
	c.backend.mu.Lock()
	c.backend.updates = append(c.backend.updates, update)
	c.backend.mu.Unlock()
	return c.Profile(ctx)
}

func (c *fakeClient) AvailableLessons(ctx context.Context) ([]tutorapi.Lesson, error) {
	return c.Lessons(ctx)
}

func (c *fakeClient) AvailableLesson(ctx context.Context, id int) (tutorapi.Lesson, error) {
	lessons, err := c.Lessons(ctx)
	if err != nil {
		return tutorapi.Lesson{}, err
	}
	for _, l := range lessons {
		if l.ID == id {
			return l, nil
		}
	}
	return tutorapi.Lesson{}, &tutorapi.APIError{StatusCode: http.StatusNotFound}
}

func (c *fakeClient) MyLessons(ctx context.Context) ([]tutorapi.Enrollment, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	var out []tutorapi.Enrollment
	for _, l := range c.backend.lessons {
		if status, ok := c.backend.enrollments[l.ID]; ok {
			out = append(out, tutorapi.Enrollment{ID: l.ID, Lesson: l, Status: status})
		}
	}
	return out, nil
}

func (c *fakeClient) StartLesson(ctx context.Context, id int) error {
	if err := c.authorize(ctx); err != nil {
		return err
	}
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.enrollments[id] = tutorapi.EnrollmentInProgress
	return nil
}

var errBackendDown = errors.New("backend down")
