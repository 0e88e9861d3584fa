package dto

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
	// Strategies lists the strategies tried when an optimization failed.
	Strategies []string `json:"strategies,omitempty"`
	Index      *int     `json:"index,omitempty"`
	Field      string   `json:"field,omitempty"`
}

func NewErrorResponse(kind, message string, code int) *ErrorResponse {
	return &ErrorResponse{
		Error:   kind,
		Message: message,
		Code:    code,
	}
}

// AtExample points the error at one training example. A negative index
// means the payload as a whole.
func (e *ErrorResponse) AtExample(index int, field string) *ErrorResponse {
	if index >= 0 {
		e.Index = &index
	}
	e.Field = field
	return e
}
