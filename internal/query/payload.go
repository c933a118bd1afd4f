package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/CZERTAINLY/reportd/internal/model"
)

// Payload is a decoded engine reply. Exactly one field is set, except for an
// empty array which sets both Models and Templates to empty slices.
type Payload struct {
	Models    []model.ReportModel
	Templates []string
	Err       *model.EngineError
}

// ParsePayload decodes an engine reply. The engine answers with one of
//
//	[{"id": "...", "label": "..."}, ...]   report models
//	["name", ...]                          report templates
//	{"message": "..."}                     error, empty message on a crash
func ParsePayload(body []byte) (Payload, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Payload{}, errors.New("empty reply")
	}

	switch body[0] {
	case '{':
		var reply struct {
			Message *string `json:"message"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return Payload{}, fmt.Errorf("decoding error reply: %w", err)
		}
		if reply.Message == nil {
			return Payload{}, errors.New("object reply without message")
		}
		return Payload{Err: &model.EngineError{Message: *reply.Message}}, nil
	case '[':
		return parseArray(body)
	default:
		return Payload{}, fmt.Errorf("unexpected reply starting with %q", body[0])
	}
}

func parseArray(body []byte) (Payload, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return Payload{}, fmt.Errorf("decoding array reply: %w", err)
	}
	if len(items) == 0 {
		return Payload{Models: []model.ReportModel{}, Templates: []string{}}, nil
	}

	first := bytes.TrimSpace(items[0])
	switch {
	case len(first) > 0 && first[0] == '"':
		var templates []string
		if err := json.Unmarshal(body, &templates); err != nil {
			return Payload{}, fmt.Errorf("decoding templates: %w", err)
		}
		return Payload{Templates: templates}, nil
	case len(first) > 0 && first[0] == '{':
		var models []model.ReportModel
		if err := json.Unmarshal(body, &models); err != nil {
			return Payload{}, fmt.Errorf("decoding report models: %w", err)
		}
		for i, m := range models {
			if m.Label == "" {
				return Payload{}, fmt.Errorf("report model %d: missing label", i)
			}
		}
		return Payload{Models: models}, nil
	default:
		return Payload{}, fmt.Errorf("unexpected array item %s", first)
	}
}
