package model

// ReportModel is one entry of the engine's getReportModels answer.
type ReportModel struct {
	ID    string `json:"id,omitempty"`
	Label string `json:"label"`
}

// Key returns the identifier of a model, the label when the engine
// provides no id.
func (m ReportModel) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.Label
}
