package tutorapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-n-ai/pai-quiz/internal/tutorapi"
)

func newServer(t *testing.T, handler http.HandlerFunc) *tutorapi.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return tutorapi.New(srv.URL+"/api/", tutorapi.WithCredentials(tutorapi.StaticToken("tok")))
}

func TestClient_Lessons(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/quiz/lessons/", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id":1,"title":"Algebra","category":"Math","description":"x","image_url":null}]`))
	})

	lessons, err := client.Lessons(context.Background())
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.Equal(t, 1, lessons[0].ID)
	assert.Equal(t, "Algebra", lessons[0].Title)
}

func TestClient_Levels(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/quiz/levels/7/", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"level":"EASY","display_name":"Easy","is_unlocked":true,"is_completed":true,"correct_count":18,"required_count":20},
			{"level":"MEDIUM","display_name":"Medium","is_unlocked":true,"is_completed":false,"correct_count":3,"required_count":20}
		]`))
	})

	levels, err := client.Levels(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, "EASY", levels[0].Level)
	assert.True(t, levels[0].IsCompleted)
	assert.Equal(t, 3, levels[1].CorrectCount)
}

func TestClient_Levels_RejectsMalformedPayload(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"display_name":"Easy","is_unlocked":"yes"}]`))
	})

	_, err := client.Levels(context.Background(), 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, tutorapi.ErrInvalidResponse)
}

func TestClient_Questions(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/quiz/questions/1/EASY/", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id":10,"text":"1+1?","explanation":null,"level":"EASY","choices":[{"id":100,"text":"2"},{"id":101,"text":"3"}]},
			{"id":11,"text":"2+2?","explanation":"add","choices":[{"id":110,"text":"4"}]}
		]`))
	})

	questions, err := client.Questions(context.Background(), 1, "EASY")
	require.NoError(t, err)
	require.Len(t, questions, 2)
	assert.Equal(t, 10, questions[0].ID, "order must be preserved")
	assert.Equal(t, "", questions[0].Explanation)
	assert.Equal(t, []tutorapi.Choice{{ID: 100, Text: "2"}, {ID: 101, Text: "3"}}, questions[0].Choices)
}

func TestClient_Questions_NoneAvailable(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message": "No questions found for this level."}`))
	})

	_, err := client.Questions(context.Background(), 1, "HARD")
	require.Error(t, err)
	assert.ErrorIs(t, err, tutorapi.ErrNoQuestions)
	assert.Contains(t, err.Error(), "No questions found")
}

func TestClient_Questions_EmptyArray(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	questions, err := client.Questions(context.Background(), 1, "EASY")
	require.NoError(t, err)
	assert.Empty(t, questions)
}

func TestClient_SubmitAnswer(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/quiz/submit-answer/1/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body tutorapi.AnswerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, tutorapi.AnswerRequest{QuestionID: 10, ChoiceID: 101, Level: "EASY"}, body)

		_, _ = w.Write([]byte(`{"is_correct":false,"message":"Incorrect.","correct_answer_text":"2","explanation":"basic","new_score":4,"level_completed":false}`))
	})

	out, err := client.SubmitAnswer(context.Background(), 1, tutorapi.AnswerRequest{QuestionID: 10, ChoiceID: 101, Level: "EASY"})
	require.NoError(t, err)
	assert.Equal(t, 101, out.ChoiceID)
	assert.False(t, out.IsCorrect)
	assert.Equal(t, "2", out.CorrectAnswerText)
	assert.Equal(t, 4, out.NewScore)
}

func TestClient_Result(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/quiz/result/1/EASY/", r.URL.Path)
		_, _ = w.Write([]byte(`{"final_score":18,"total_questions":20,"percentage":90.0,"passed":true,"feedback":"Outstanding!","status_msg":"Expert","status_color":"#4caf50","level_unlocked":true}`))
	})

	res, err := client.Result(context.Background(), 1, "EASY")
	require.NoError(t, err)
	assert.Equal(t, 18, res.FinalScore)
	assert.Equal(t, "Expert", res.StatusMsg)
	assert.True(t, res.LevelUnlocked)
}

func TestClient_Unauthorized(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Given token not valid for any token type"}`))
	})

	_, err := client.Lessons(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, tutorapi.ErrUnauthorized)

	var apiErr *tutorapi.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Given token not valid for any token type", apiErr.Message)
}

func TestClient_NotFound(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Lesson not found"}`))
	})

	_, err := client.Levels(context.Background(), 99)
	assert.ErrorIs(t, err, tutorapi.ErrNotFound)
}

func TestClient_Login(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/auth/login/", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"), "login must not send a bearer token")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"non_field_errors":["Unable to log in with provided credentials."]}`))
			return
		}
		_, _ = w.Write([]byte(`{"access":"a1","refresh":"r1"}`))
	})

	tokens, err := client.Login(context.Background(), "ali", "secret")
	require.NoError(t, err)
	assert.Equal(t, tutorapi.TokenPair{Access: "a1", Refresh: "r1"}, tokens)

	_, err = client.Login(context.Background(), "ali", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unable to log in")
}

func TestClient_AskTutorAndProgress(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/ask-tutor-ai/":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "what is x?", body["question"])
			_, _ = w.Write([]byte(`{"answer":"a variable"}`))
		case "/api/dashboard/progress/":
			_, _ = w.Write([]byte(`{"progress_percentage":42.5,"progress_text":"Great!","ai_prediction":"Good Track!","pass_probability":61}`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	})

	answer, err := client.AskTutor(context.Background(), "what is x?")
	require.NoError(t, err)
	assert.Equal(t, "a variable", answer)

	progress, err := client.DashboardProgress(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 42.5, progress.ProgressPercentage, 0.001)
	assert.Equal(t, "Good Track!", progress.AIPrediction)
}

type failingCreds struct{}

func (failingCreds) Token(context.Context) (string, error) { return "", errors.New("no session") }

func TestClient_CredentialFailureSkipsNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client := tutorapi.New(srv.URL).ForUser(failingCreds{})
	_, err := client.Lessons(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session")
	assert.False(t, called)
}

func TestClient_UpdateProfile(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/auth/user/", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"profile": map[string]any{"college": "UTM"}}, body,
			"only the changed field is sent")
		_, _ = w.Write([]byte(`{"id":3,"username":"ali","email":"ali@example.com","profile":{"college":"UTM","year":"2"}}`))
	})

	p, err := client.UpdateProfile(context.Background(), tutorapi.ProfileUpdate{
		Details: &tutorapi.ProfileInfo{College: "UTM"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ali", p.Username)
	require.NotNil(t, p.Details)
	assert.Equal(t, "2", p.Details.Year)
}

func TestClient_UpdateProfile_Rejected(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"email":["Enter a valid email address."]}`))
	})

	_, err := client.UpdateProfile(context.Background(), tutorapi.ProfileUpdate{Email: "nope"})
	var apiErr *tutorapi.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "email: Enter a valid email address.", apiErr.Message)
}

func TestClient_CourseCatalog(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/api/available-lessons/":
			_, _ = w.Write([]byte(`[{"id":1,"title":"Algebra","category":"Math","description":"x","is_trending":true,"duration":"2 hours"}]`))
		case "/api/available-lessons/1/":
			_, _ = w.Write([]byte(`{"id":1,"title":"Algebra","category":"Math","description":"x","content":"Variables","video_url":"https://v.example/1","pdf_url":null}`))
		case "/api/my-lessons/":
			_, _ = w.Write([]byte(`[{"id":7,"lesson":{"id":1,"title":"Algebra","category":"Math","description":"x"},"status":"IN_PROGRESS","completed_at":null,"user":3}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	lessons, err := client.AvailableLessons(ctx)
	require.NoError(t, err)
	require.Len(t, lessons, 1)
	assert.True(t, lessons[0].IsTrending)
	assert.Equal(t, "2 hours", lessons[0].Duration)

	lesson, err := client.AvailableLesson(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Variables", lesson.Content)
	assert.Equal(t, "https://v.example/1", lesson.VideoURL)
	assert.Empty(t, lesson.PDFURL)

	mine, err := client.MyLessons(ctx)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, 1, mine[0].Lesson.ID)
	assert.Equal(t, tutorapi.EnrollmentInProgress, mine[0].Status)
	assert.Nil(t, mine[0].CompletedAt)

	_, err = client.AvailableLesson(ctx, 42)
	assert.ErrorIs(t, err, tutorapi.ErrNotFound)
}

func TestClient_StartLesson(t *testing.T) {
	var gotPath, gotMethod string
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		_, _ = w.Write([]byte(`{"status":"Lesson started"}`))
	})

	require.NoError(t, client.StartLesson(context.Background(), 5))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/lessons/start/5/", gotPath)
}
