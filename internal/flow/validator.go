// Package flow provides inbound message validation against state definitions.
package flow

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/clinicdesk/careline/internal/models"
)

// Match is the validator's positive outcome. For choice-based states it
// carries the resolved option or row; for the other kinds both are nil.
type Match struct {
	Option *Option
	Row    *Row
}

// ValidateInput decides whether an inbound message is acceptable for the
// given definition, and which choice it selects. Action states recompute
// their list from the current user state, which must not mutate anything.
// The function has no side effects and may be called repeatedly.
func ValidateInput(def Definition, st models.UserState, msg models.InboundMessage) (Match, error) {
	switch def.Kind {
	case KindSelect:
		opt := matchOption(def.Options, msg)
		if opt == nil {
			return Match{}, models.ErrInvalidInput
		}
		return Match{Option: opt}, nil

	case KindAction:
		spec := def.Action(st)
		if row := matchRow(spec.Sections, msg); row != nil {
			return Match{Row: row}, nil
		}
		if opt := matchOption(spec.Fallback, msg); opt != nil {
			return Match{Option: opt}, nil
		}
		return Match{}, models.ErrInvalidInput

	case KindString:
		text := msg.TrimmedText()
		if text == "" {
			return Match{}, models.ErrInvalidInput
		}
		if def.Validate != nil && !def.Validate(text) {
			return Match{}, models.ErrInvalidInput
		}
		return Match{}, nil

	case KindDate:
		if _, err := ParseUserDate(msg.TrimmedText()); err != nil {
			return Match{}, models.ErrInvalidInput
		}
		return Match{}, nil

	case KindLocation:
		if _, err := ParseLocation(msg); err != nil {
			return Match{}, models.ErrInvalidInput
		}
		return Match{}, nil

	case KindExpectMedia:
		if msg.HasMedia {
			return Match{}, nil
		}
		if opt := matchOption(def.Options, msg); opt != nil {
			return Match{Option: opt}, nil
		}
		return Match{}, models.ErrInvalidInput

	default:
		// KindInitial and KindEnd accept anything.
		return Match{}, nil
	}
}

// matchOption resolves a selection against an option list. Priority order:
// structured reply id, exact id match on the folded text, alias token match,
// 1-based numeric index. First rule that matches wins.
func matchOption(options []Option, msg models.InboundMessage) *Option {
	if len(options) == 0 {
		return nil
	}

	if reply := msg.ReplyID(); reply != "" {
		for i := range options {
			if options[i].ID == reply {
				return &options[i]
			}
		}
		return nil
	}

	folded := strings.ToLower(msg.TrimmedText())
	if folded == "" {
		return nil
	}

	for i := range options {
		if strings.ToLower(options[i].ID) == folded {
			return &options[i]
		}
	}

	tokens := strings.Fields(folded)
	for i := range options {
		for _, alias := range options[i].Aliases {
			for _, tok := range tokens {
				if tok == strings.ToLower(alias) {
					return &options[i]
				}
			}
		}
	}

	if idx, err := strconv.Atoi(folded); err == nil {
		if idx >= 1 && idx <= len(options) {
			return &options[idx-1]
		}
	}

	return nil
}

// matchRow resolves a selection against the recomputed list by row id only.
func matchRow(sections []Section, msg models.InboundMessage) *Row {
	id := msg.ReplyID()
	if id == "" {
		id = msg.TrimmedText()
	}
	if id == "" {
		return nil
	}
	for s := range sections {
		for r := range sections[s].Rows {
			if sections[s].Rows[r].ID == id {
				return &sections[s].Rows[r]
			}
		}
	}
	return nil
}

// ParseUserDate parses a DD/MM/YYYY date strictly: the shape must match and
// the calendar date must be well-formed, so 32/13/2020 is rejected.
func ParseUserDate(text string) (time.Time, error) {
	return time.Parse(models.DateOfBirthLayout, text)
}

// ParseLocation extracts a location from the structured payload if the
// platform provided one, falling back to parsing the raw text as JSON with
// numeric latitude and longitude fields.
func ParseLocation(msg models.InboundMessage) (models.Location, error) {
	if msg.Location != nil {
		return *msg.Location, nil
	}
	var loc struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal([]byte(msg.TrimmedText()), &loc); err != nil {
		return models.Location{}, models.ErrInvalidInput
	}
	if loc.Latitude == nil || loc.Longitude == nil {
		return models.Location{}, models.ErrInvalidInput
	}
	return models.Location{Latitude: *loc.Latitude, Longitude: *loc.Longitude}, nil
}
