// Package flow provides rendering of state definitions to outbound messages.
package flow

import (
	"github.com/clinicdesk/careline/internal/models"
)

// Fixed user-facing strings shared by the formatter and the engine.
const (
	// InvalidInputNotice prefixes the repeated prompt after a rejected message.
	InvalidInputNotice = "Sorry, I didn't understand that."
	// DateFormatHint is appended to every date prompt.
	DateFormatHint = "Please enter it as DD/MM/YYYY."
	// DefaultListButton labels the list-open button when a flow does not set one.
	DefaultListButton = "Choose"
)

// Render produces the outbound message for a definition and user state. It is
// a pure function: the engine calls it both for the normal response and for
// the repair response after invalid input, and the result never carries
// hooks, validators, aliases, or transition targets.
func Render(def Definition, st models.UserState) models.OutboundMessage {
	body := def.prompt(st)

	switch def.Kind {
	case KindSelect:
		return models.OutboundMessage{
			Type:    models.MessageTypeButtons,
			Body:    body,
			Options: publicOptions(def.Options),
		}

	case KindAction:
		return renderList(def.Action(st), body)

	case KindExpectMedia:
		if len(def.Options) > 0 {
			return models.OutboundMessage{
				Type:    models.MessageTypeButtons,
				Body:    body,
				Options: publicOptions(def.Options),
			}
		}
		return models.OutboundMessage{Type: models.MessageTypeText, Body: body}

	case KindDate:
		return models.OutboundMessage{
			Type: models.MessageTypeText,
			Body: body + "\n" + DateFormatHint,
		}

	case KindLocation:
		return models.OutboundMessage{
			Type: models.MessageTypeLocationRequest,
			Body: body,
		}

	default:
		// KindString, KindEnd, KindInitial.
		if def.FileRef != "" {
			return models.OutboundMessage{
				Type:    models.MessageTypeDocument,
				Body:    body,
				FileRef: def.FileRef,
			}
		}
		return models.OutboundMessage{Type: models.MessageTypeText, Body: body}
	}
}

// RenderRejection produces the repair message for a rejected inbound message:
// the fixed notice plus the unchanged prompt.
func RenderRejection(def Definition, st models.UserState) models.OutboundMessage {
	out := Render(def, st)
	out.Body = InvalidInputNotice + "\n\n" + out.Body
	return out
}

// renderList renders a recomputed action. A spec without sections degrades to
// a button menu over its fallback options.
func renderList(spec ListSpec, body string) models.OutboundMessage {
	if len(spec.Sections) == 0 {
		return models.OutboundMessage{
			Type:    models.MessageTypeButtons,
			Body:    body,
			Options: publicOptions(spec.Fallback),
		}
	}

	button := spec.Button
	if button == "" {
		button = DefaultListButton
	}

	sections := make([]models.ListSection, 0, len(spec.Sections))
	for _, sec := range spec.Sections {
		rows := make([]models.ListRow, 0, len(sec.Rows))
		for _, row := range sec.Rows {
			rows = append(rows, models.ListRow{ID: row.ID, Title: row.Title, Description: row.Description})
		}
		sections = append(sections, models.ListSection{Title: sec.Title, Rows: rows})
	}

	return models.OutboundMessage{
		Type:     models.MessageTypeList,
		Body:     body,
		Header:   spec.Header,
		Button:   button,
		Sections: sections,
	}
}

// publicOptions strips internal option fields before exposure to transports.
func publicOptions(options []Option) []models.ButtonOption {
	out := make([]models.ButtonOption, 0, len(options))
	for _, opt := range options {
		out = append(out, models.ButtonOption{ID: opt.ID, Title: opt.Title})
	}
	return out
}
