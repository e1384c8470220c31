package analysis

import (
	"fmt"
	"strings"
)

// StatusSuccess is the only status value a valid response may carry.
const StatusSuccess = "success"

// Request is the body of POST <base-url>/detect.
type Request struct {
	Text string `json:"text"`
}

// Response is a validated worker answer.
type Response struct {
	Status      string  `json:"status"`
	Score       float64 `json:"ai_score"`
	AIGenerated bool    `json:"ai_generated"`
}

// wireResponse keeps presence information for validation.
type wireResponse struct {
	Status      string   `json:"status"`
	Score       *float64 `json:"ai_score"`
	AIGenerated *bool    `json:"ai_generated"`
	Message     string   `json:"message"`
	Error       string   `json:"error"`
}

func (w wireResponse) validate() (*Response, error) {
	if w.Status != StatusSuccess {
		detail := strings.TrimSpace(w.Error + " " + w.Message)
		if detail != "" {
			return nil, fmt.Errorf("status %q: %s", w.Status, detail)
		}
		return nil, fmt.Errorf("status %q", w.Status)
	}
	if w.Score == nil {
		return nil, fmt.Errorf("missing ai_score")
	}
	if *w.Score < 0 || *w.Score > 1 {
		return nil, fmt.Errorf("ai_score %v outside [0,1]", *w.Score)
	}
	if w.AIGenerated == nil {
		return nil, fmt.Errorf("missing ai_generated")
	}
	return &Response{Status: w.Status, Score: *w.Score, AIGenerated: *w.AIGenerated}, nil
}
