package models

// Topic is one entry in a learner's syllabus.
type Topic struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Tier string `json:"tier,omitempty"`
}

// Question is the active exercise presented to the learner.
// Set when a question is presented and cleared when the question is closed.
type Question struct {
	Text          string `json:"text"`
	CorrectAnswer string `json:"correct_answer"`
	Type          string `json:"type,omitempty"`
	Difficulty    string `json:"difficulty,omitempty"`
	Hint          string `json:"hint,omitempty"`
}

// AnswerData carries an evaluated answer into error diagnosis.
type AnswerData struct {
	StudentAnswer string `json:"student_answer"`
	CorrectAnswer string `json:"correct_answer"`
	IsCorrect     bool   `json:"is_correct"`
}
