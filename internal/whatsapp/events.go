// Package whatsapp provides decoding of incoming Whatsmeow events into the
// inbound message shape the dialogue engine consumes.
package whatsapp

import (
	"time"

	"github.com/clinicdesk/careline/internal/models"

	"go.mau.fi/whatsmeow/types/events"
)

// DecodeMessageEvent extracts the engine-facing inbound message from a
// Whatsmeow message event: text, structured button/list replies, location
// payloads, and a media flag for attachments.
func DecodeMessageEvent(evt *events.Message) models.InboundMessage {
	msg := evt.Message
	out := models.InboundMessage{
		From:       evt.Info.Sender.User,
		ReceivedAt: evt.Info.Timestamp,
	}
	if out.ReceivedAt.IsZero() {
		out.ReceivedAt = time.Now()
	}

	switch {
	case msg.GetConversation() != "":
		out.RawText = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		out.RawText = msg.GetExtendedTextMessage().GetText()
	}

	if br := msg.GetButtonsResponseMessage(); br != nil {
		out.ButtonReplyID = br.GetSelectedButtonID()
		if out.RawText == "" {
			out.RawText = br.GetSelectedDisplayText()
		}
	}
	if lr := msg.GetListResponseMessage(); lr != nil {
		out.ListReplyID = lr.GetSingleSelectReply().GetSelectedRowID()
		if out.RawText == "" {
			out.RawText = lr.GetTitle()
		}
	}
	if loc := msg.GetLocationMessage(); loc != nil {
		out.Location = &models.Location{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
		}
	}

	switch {
	case msg.GetImageMessage() != nil:
		out.HasMedia = true
		out.MediaRef = msg.GetImageMessage().GetURL()
	case msg.GetDocumentMessage() != nil:
		out.HasMedia = true
		out.MediaRef = msg.GetDocumentMessage().GetURL()
	}

	return out
}
