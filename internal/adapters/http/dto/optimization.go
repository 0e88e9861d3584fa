package dto

type OptimizeRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

func (r *OptimizeRequest) Validate() error {
	return validate.Struct(r)
}
