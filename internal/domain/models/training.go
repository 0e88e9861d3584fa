package models

// TrainingExample is an (input, desired output) pair used as optimization
// evidence. Critique optionally explains what was wrong with a previous output.
type TrainingExample struct {
	Input    string `json:"input" msgpack:"input"`
	Output   string `json:"output" msgpack:"output"`
	Critique string `json:"critique,omitempty" msgpack:"critique,omitempty"`
}

// HasCritique reports whether the example carries user critique
func (e TrainingExample) HasCritique() bool {
	return e.Critique != ""
}
