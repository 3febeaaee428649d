// Package models defines the core data structures for CareLine.
//
// It includes the inbound/outbound message shapes exchanged with the
// messaging transport, which are shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// MessageType discriminates the outbound message variants a transport can deliver.
type MessageType string

const (
	// MessageTypeText is a plain text message.
	MessageTypeText MessageType = "text"
	// MessageTypeButtons is a prompt with a small button menu.
	MessageTypeButtons MessageType = "buttons"
	// MessageTypeList is a prompt with an interactive section/row list.
	MessageTypeList MessageType = "list"
	// MessageTypeLocationRequest asks the user to share a location.
	MessageTypeLocationRequest MessageType = "location_request"
	// MessageTypeDocument carries a file attachment alongside the body.
	MessageTypeDocument MessageType = "document"
)

// Validation constants for outbound message shapes
const (
	// MaxBodyLength defines the maximum allowed length for message body content
	MaxBodyLength = 4096
	// MaxButtonOptionsCount defines the maximum number of button options WhatsApp accepts
	MaxButtonOptionsCount = 3
	// MaxListRowsCount defines the maximum total number of list rows WhatsApp accepts
	MaxListRowsCount = 10
	// MaxTitleLength defines the maximum allowed length for option/row titles
	MaxTitleLength = 24
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrEmptyBody          = errors.New("message body cannot be empty")
	ErrNoOptions          = errors.New("button message requires at least one option")
	ErrTooManyOptions     = errors.New("button message exceeds maximum option count")
	ErrNoSections         = errors.New("list message requires at least one section")
	ErrTooManyRows        = errors.New("list message exceeds maximum row count")
	ErrEmptyOptionID      = errors.New("option id cannot be empty")
	ErrTitleTooLong       = errors.New("option title exceeds maximum length")
	ErrEmptyFileRef       = errors.New("document message requires a file reference")

	// ErrInvalidInput marks an inbound message rejected by the input validator.
	ErrInvalidInput = errors.New("inbound message not acceptable in current state")
	// ErrUnknownState marks a conversation state with no registry definition.
	ErrUnknownState = errors.New("conversation state has no definition")
	// ErrRegistryIntegrity marks a registry whose transition graph is not closed.
	ErrRegistryIntegrity = errors.New("state registry transition graph is not closed")
	// ErrHookFailure marks a turn whose transition committed but whose exit or
	// entry hook failed. The triggering message is spent; recovery happens on
	// the next turn.
	ErrHookFailure = errors.New("state hook failed after transition commit")
)

// IsValidMessageType checks if the given message type is supported.
func IsValidMessageType(mt MessageType) bool {
	switch mt {
	case MessageTypeText, MessageTypeButtons, MessageTypeList, MessageTypeLocationRequest, MessageTypeDocument:
		return true
	default:
		return false
	}
}

// ButtonOption is a single selectable button exposed to the transport.
// It intentionally carries no routing or hook metadata.
type ButtonOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListRow is a single selectable row inside a list section.
type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ListSection groups rows under a section title in a list message.
type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

// OutboundMessage is the platform-agnostic message shape handed to a transport.
type OutboundMessage struct {
	Type     MessageType    `json:"type"`
	Body     string         `json:"body"`
	Header   string         `json:"header,omitempty"`
	Button   string         `json:"button,omitempty"`
	Options  []ButtonOption `json:"options,omitempty"`
	Sections []ListSection  `json:"sections,omitempty"`
	FileRef  string         `json:"file_ref,omitempty"`
}

// Validate performs comprehensive validation on an OutboundMessage structure.
func (m *OutboundMessage) Validate() error {
	if !IsValidMessageType(m.Type) {
		return ErrInvalidMessageType
	}
	if m.Body == "" {
		return ErrEmptyBody
	}
	if len(m.Body) > MaxBodyLength {
		return errors.New("message body exceeds maximum length")
	}

	switch m.Type {
	case MessageTypeButtons:
		return m.validateButtons()
	case MessageTypeList:
		return m.validateList()
	case MessageTypeDocument:
		if m.FileRef == "" {
			return ErrEmptyFileRef
		}
	}
	return nil
}

// validateButtons validates button menu requirements.
func (m *OutboundMessage) validateButtons() error {
	if len(m.Options) == 0 {
		return ErrNoOptions
	}
	if len(m.Options) > MaxButtonOptionsCount {
		return ErrTooManyOptions
	}
	for _, opt := range m.Options {
		if opt.ID == "" {
			return ErrEmptyOptionID
		}
		if len(opt.Title) > MaxTitleLength {
			return ErrTitleTooLong
		}
	}
	return nil
}

// validateList validates interactive list requirements.
func (m *OutboundMessage) validateList() error {
	if len(m.Sections) == 0 {
		return ErrNoSections
	}
	rows := 0
	for _, sec := range m.Sections {
		for _, row := range sec.Rows {
			if row.ID == "" {
				return ErrEmptyOptionID
			}
			if len(row.Title) > MaxTitleLength {
				return ErrTitleTooLong
			}
			rows++
		}
	}
	if rows == 0 {
		return ErrNoSections
	}
	if rows > MaxListRowsCount {
		return ErrTooManyRows
	}
	return nil
}

// CanonicalJSON returns a deterministic encoding of the message, used for
// outbound dedup hashing. Struct field order makes encoding/json stable here.
func (m *OutboundMessage) CanonicalJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Location is a structured geographic payload attached to an inbound message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// InboundMessage is the shape of a user message consumed by the dialogue engine.
type InboundMessage struct {
	ID            string    `json:"id"`
	From          string    `json:"from"`
	FlowType      FlowType  `json:"flow_type"`
	RawText       string    `json:"raw_text"`
	HasMedia      bool      `json:"has_media"`
	MediaRef      string    `json:"media_ref,omitempty"`
	ButtonReplyID string    `json:"button_reply_id,omitempty"`
	ListReplyID   string    `json:"list_reply_id,omitempty"`
	Location      *Location `json:"location,omitempty"`
	Handled       bool      `json:"handled"`
	ReceivedAt    time.Time `json:"received_at"`
}

// TrimmedText returns the raw text with surrounding whitespace removed.
func (m InboundMessage) TrimmedText() string {
	return strings.TrimSpace(m.RawText)
}

// ReplyID returns the structured reply identifier if the platform provided one,
// preferring button replies over list replies.
func (m InboundMessage) ReplyID() string {
	if m.ButtonReplyID != "" {
		return m.ButtonReplyID
	}
	return m.ListReplyID
}
