package agent

// Usage accumulates model traffic for a session.
type Usage struct {
	Requests     int `json:"requests"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add folds one model call into u.
func (u *Usage) Add(input, output int) {
	u.Requests++
	u.InputTokens += input
	u.OutputTokens += output
}

// Total is input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}
