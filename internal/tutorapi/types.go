package tutorapi

import "time"

// Lesson is a subject area offered by the quiz catalog. The course catalog fills the study
// material fields; the quiz endpoints leave them empty.
type Lesson struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url,omitempty"`
	IsTrending  bool   `json:"is_trending,omitempty"`
	Duration    string `json:"duration,omitempty"`
	Content     string `json:"content,omitempty"`
	VideoURL    string `json:"video_url,omitempty"`
	PDFURL      string `json:"pdf_url,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`
}

// Enrollment statuses.
const (
	EnrollmentInProgress = "IN_PROGRESS"
	EnrollmentCompleted  = "COMPLETED"
)

// Enrollment is a lesson the user has started.
type Enrollment struct {
	ID          int        `json:"id"`
	Lesson      Lesson     `json:"lesson"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at"`
}

// LevelStatus describes one difficulty tier of a lesson for the current user.
// Unlocking is decided by the backend; the client only displays it.
type LevelStatus struct {
	Level         string `json:"level"`
	DisplayName   string `json:"display_name"`
	IsUnlocked    bool   `json:"is_unlocked"`
	IsCompleted   bool   `json:"is_completed"`
	CorrectCount  int    `json:"correct_count"`
	RequiredCount int    `json:"required_count"`
}

// Choice is one selectable answer of a question.
type Choice struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// Question is a single multiple-choice question. Choice order is preserved as delivered.
type Question struct {
	ID          int      `json:"id"`
	Text        string   `json:"text"`
	Explanation string   `json:"explanation"`
	Level       string   `json:"level,omitempty"`
	Choices     []Choice `json:"choices"`
}

// ChoiceByID returns the choice with the given id.
func (q Question) ChoiceByID(id int) (Choice, bool) {
	for _, c := range q.Choices {
		if c.ID == id {
			return c, true
		}
	}
	return Choice{}, false
}

// AnswerRequest is the body of a submit-answer call.
type AnswerRequest struct {
	QuestionID int    `json:"question_id"`
	ChoiceID   int    `json:"choice_id"`
	Level      string `json:"level"`
}

// AnswerOutcome is the backend's verdict on one submitted answer.
// ChoiceID and CorrectChoiceID are not sent by the backend; Client.SubmitAnswer fills ChoiceID
// and the quiz controller resolves CorrectChoiceID against the question's choices.
type AnswerOutcome struct {
	ChoiceID          int    `json:"choice_id"`
	IsCorrect         bool   `json:"is_correct"`
	CorrectChoiceID   int    `json:"correct_choice_id"`
	CorrectAnswerText string `json:"correct_answer_text"`
	NewScore          int    `json:"new_score"`
	Message           string `json:"message,omitempty"`
	Explanation       string `json:"explanation,omitempty"`
}

// QuizResult summarizes a completed level.
type QuizResult struct {
	FinalScore     int     `json:"final_score"`
	TotalQuestions int     `json:"total_questions"`
	Percentage     float64 `json:"percentage"`
	Passed         bool    `json:"passed"`
	StatusMsg      string  `json:"status_msg"`
	StatusColor    string  `json:"status_color"`
	Feedback       string  `json:"feedback"`
	LevelUnlocked  bool    `json:"level_unlocked"`
}

// TokenPair holds the bearer credentials issued at login.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Profile is the authenticated user's account.
type Profile struct {
	ID             int          `json:"id"`
	Username       string       `json:"username"`
	Email          string       `json:"email"`
	ProfilePicture string       `json:"profile_picture,omitempty"`
	Details        *ProfileInfo `json:"profile,omitempty"`
}

// ProfileInfo holds the optional student details attached to a profile.
type ProfileInfo struct {
	DOB           string `json:"dob,omitempty"`
	College       string `json:"college,omitempty"`
	Qualification string `json:"qualification,omitempty"`
	RollNumber    string `json:"roll_number,omitempty"`
	Year          string `json:"year,omitempty"`
	Course        string `json:"course,omitempty"`
}

// ProfileUpdate is a partial profile change. Empty fields are left untouched.
type ProfileUpdate struct {
	Username string       `json:"username,omitempty"`
	Email    string       `json:"email,omitempty"`
	Details  *ProfileInfo `json:"profile,omitempty"`
}

// DashboardProgress is the overall learning progress with the backend's AI prediction.
type DashboardProgress struct {
	ProgressPercentage float64 `json:"progress_percentage"`
	ProgressText       string  `json:"progress_text"`
	AIPrediction       string  `json:"ai_prediction"`
	PassProbability    float64 `json:"pass_probability"`
}
