// Package tutorapi is an HTTP/JSON client for the tutoring backend's quiz, auth and dashboard endpoints.
package tutorapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 200
)

var (
	// ErrUnauthorized is returned when the backend rejects the bearer credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned for unknown lessons, questions or choices.
	ErrNotFound = errors.New("not found")
	// ErrNoQuestions is returned when the backend reports that a level has no questions.
	ErrNoQuestions = errors.New("no questions available")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tutor API error %d", e.StatusCode)
	}
	return fmt.Sprintf("tutor API error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps auth and lookup failures onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// CredentialProvider supplies the bearer token attached to every request.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialProvider that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Client talks to the tutoring backend.
type Client struct {
	baseURL string
	client  *http.Client
	creds   CredentialProvider
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithCredentials sets the credential provider used for authenticated calls.
func WithCredentials(p CredentialProvider) Option {
	return func(c *Client) {
		c.creds = p
	}
}

// New creates a client for the backend rooted at baseURL (e.g. "https://host/api/").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ForUser returns a copy of the client that authenticates with p.
func (c *Client) ForUser(p CredentialProvider) *Client {
	cp := *c
	cp.creds = p
	return &cp
}

// Lessons lists the quiz lessons.
func (c *Client) Lessons(ctx context.Context) ([]Lesson, error) {
	var lessons []Lesson
	if err := c.do(ctx, http.MethodGet, "/quiz/lessons/", nil, &lessons, nil); err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	return lessons, nil
}

// Levels lists the level statuses of a lesson, easiest first.
func (c *Client) Levels(ctx context.Context, lessonID int) ([]LevelStatus, error) {
	var levels []LevelStatus
	path := "/quiz/levels/" + strconv.Itoa(lessonID) + "/"
	if err := c.do(ctx, http.MethodGet, path, nil, &levels, levelsSchema); err != nil {
		return nil, fmt.Errorf("list levels for lesson %d: %w", lessonID, err)
	}
	return levels, nil
}

// Questions fetches the question batch of a lesson level. The backend signals an empty level with a
// {"message": ...} body, which is returned as ErrNoQuestions; an empty array is returned as-is.
func (c *Client) Questions(ctx context.Context, lessonID int, level string) ([]Question, error) {
	path := "/quiz/questions/" + strconv.Itoa(lessonID) + "/" + url.PathEscape(level) + "/"

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raw, nil); err != nil {
		return nil, fmt.Errorf("list questions for lesson %d level %s: %w", lessonID, level, err)
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var msg struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, fmt.Errorf("parse questions response: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrNoQuestions, msg.Message)
	}

	if err := validate(questionsSchema, trimmed); err != nil {
		return nil, fmt.Errorf("list questions for lesson %d level %s: %w", lessonID, level, err)
	}
	var questions []Question
	if err := json.Unmarshal(trimmed, &questions); err != nil {
		return nil, fmt.Errorf("parse questions response: %w", err)
	}
	return questions, nil
}

// SubmitAnswer posts one answer and returns the backend's verdict with ChoiceID filled in.
func (c *Client) SubmitAnswer(ctx context.Context, lessonID int, req AnswerRequest) (AnswerOutcome, error) {
	var out AnswerOutcome
	path := "/quiz/submit-answer/" + strconv.Itoa(lessonID) + "/"
	if err := c.do(ctx, http.MethodPost, path, req, &out, nil); err != nil {
		return AnswerOutcome{}, fmt.Errorf("submit answer to question %d: %w", req.QuestionID, err)
	}
	out.ChoiceID = req.ChoiceID
	return out, nil
}

// Result fetches the summary of a completed level.
func (c *Client) Result(ctx context.Context, lessonID int, level string) (QuizResult, error) {
	var out QuizResult
	path := "/quiz/result/" + strconv.Itoa(lessonID) + "/" + url.PathEscape(level) + "/"
	if err := c.do(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return QuizResult{}, fmt.Errorf("fetch result for lesson %d level %s: %w", lessonID, level, err)
	}
	return out, nil
}

// Login exchanges a username and password for a token pair. It does not use the credential provider.
func (c *Client) Login(ctx context.Context, username, password string) (TokenPair, error) {
	body := map[string]string{"username": username, "password": password}
	anon := c.ForUser(nil)

	var out TokenPair
	if err := anon.do(ctx, http.MethodPost, "/auth/login/", body, &out, nil); err != nil {
		return TokenPair{}, fmt.Errorf("login: %w", err)
	}
	if out.Access == "" {
		return TokenPair{}, fmt.Errorf("login: token missing from response")
	}
	return out, nil
}

// Logout invalidates the current session on the backend.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout/", struct{}{}, nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Profile fetches the authenticated user's account.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var out Profile
	if err := c.do(ctx, http.MethodGet, "/auth/user/", nil, &out, nil); err != nil {
		return Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	return out, nil
}

// UpdateProfile applies a partial change to the authenticated user's account and returns the
// updated profile.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (Profile, error) {
	var out Profile
	if err := c.do(ctx, http.MethodPatch, "/auth/user/", update, &out, nil); err != nil {
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return out, nil
}

// AvailableLessons lists the course catalog.
func (c *Client) AvailableLessons(ctx context.Context) ([]Lesson, error) {
	var out []Lesson
	if err := c.do(ctx, http.MethodGet, "/available-lessons/", nil, &out, nil); err != nil {
		return nil, fmt.Errorf("list available lessons: %w", err)
	}
	return out, nil
}

// AvailableLesson fetches one course with its study material.
func (c *Client) AvailableLesson(ctx context.Context, lessonID int) (Lesson, error) {
	var out Lesson
	path := "/available-lessons/" + strconv.Itoa(lessonID) + "/"
	if err := c.do(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return Lesson{}, fmt.Errorf("fetch lesson %d: %w", lessonID, err)
	}
	return out, nil
}

// MyLessons lists the lessons the user has started.
func (c *Client) MyLessons(ctx context.Context) ([]Enrollment, error) {
	var out []Enrollment
	if err := c.do(ctx, http.MethodGet, "/my-lessons/", nil, &out, nil); err != nil {
		return nil, fmt.Errorf("list my lessons: %w", err)
	}
	return out, nil
}

// StartLesson enrolls the user in a lesson. Starting an already started lesson is a no-op.
func (c *Client) StartLesson(ctx context.Context, lessonID int) error {
	path := "/lessons/start/" + strconv.Itoa(lessonID) + "/"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, nil, nil); err != nil {
		return fmt.Errorf("start lesson %d: %w", lessonID, err)
	}
	return nil
}

// DashboardProgress fetches the overall progress and AI pass prediction.
func (c *Client) DashboardProgress(ctx context.Context) (DashboardProgress, error) {
	var out DashboardProgress
	if err := c.do(ctx, http.MethodGet, "/dashboard/progress/", nil, &out, nil); err != nil {
		return DashboardProgress{}, fmt.Errorf("fetch dashboard progress: %w", err)
	}
	return out, nil
}

// AskTutor sends a free-form question to the backend's AI tutor.
func (c *Client) AskTutor(ctx context.Context, question string) (string, error) {
	body := map[string]string{"question": question}
	var out struct {
		Answer string `json:"answer"`
	}
	if err := c.do(ctx, http.MethodPost, "/ask-tutor-ai/", body, &out, nil); err != nil {
		return "", fmt.Errorf("ask tutor: %w", err)
	}
	return out.Answer, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, schema *jsonSchema) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		token, err := c.creds.Token(ctx)
		if err != nil {
			return fmt.Errorf("resolve credentials: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if schema != nil {
		if err := validate(schema, data); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// errorMessage extracts a human-readable message from the backend's error body shapes.
func errorMessage(data []byte) string {
	var body struct {
		Error          string   `json:"error"`
		Detail         string   `json:"detail"`
		NonFieldErrors []string `json:"non_field_errors"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return msg
	}
	switch {
	case body.Error != "":
		return body.Error
	case body.Detail != "":
		return body.Detail
	case len(body.NonFieldErrors) > 0:
		return body.NonFieldErrors[0]
	default:
		return fieldErrorMessage(data)
	}
}

// fieldErrorMessage reports the first field validation error, e.g. {"email": ["Enter a valid email address."]}.
func fieldErrorMessage(data []byte) string {
	var fields map[string][]string
	if err := json.Unmarshal(data, &fields); err != nil || len(fields) == 0 {
		return ""
	}
	names := make([]string, 0, len(fields))
	for name, msgs := range fields {
		if len(msgs) > 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return names[0] + ": " + fields[names[0]][0]
}
