// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in CareLine.
//
// It provides login handling, rendering of outbound message shapes to wire
// messages, and decoding of incoming events.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/clinicdesk/careline/internal/models"
	"github.com/clinicdesk/careline/internal/store"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/careline/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// Sender is the interface for delivering WhatsApp messages (for production and testing).
type Sender interface {
	DeliverMessage(ctx context.Context, to string, msg models.OutboundMessage) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the client to use a numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client for modular use.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient creates a new WhatsApp client, applying any provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
				"The whatsmeow library strongly recommends enabling foreign keys for data integrity.",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}

	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// DeliverMessage renders an outbound message to its wire shape and sends it.
func (c *Client) DeliverMessage(ctx context.Context, to string, msg models.OutboundMessage) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return models.ErrEmptyRecipient
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid outbound message for %s: %w", to, err)
	}

	jid := types.NewJID(to, JIDSuffix)
	wire := renderWire(msg)

	slog.Debug("Sending WhatsApp message", "to", to, "type", msg.Type)
	if _, err := c.waClient.SendMessage(ctx, jid, wire); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to, "type", msg.Type)
		return fmt.Errorf("failed to send %s message to %s: %w", msg.Type, to, err)
	}
	return nil
}

// renderWire maps the platform-agnostic shape to a whatsmeow proto message.
func renderWire(msg models.OutboundMessage) *waE2E.Message {
	switch msg.Type {
	case models.MessageTypeButtons:
		buttons := make([]*waE2E.ButtonsMessage_Button, 0, len(msg.Options))
		for _, opt := range msg.Options {
			buttons = append(buttons, &waE2E.ButtonsMessage_Button{
				ButtonID:   proto.String(opt.ID),
				ButtonText: &waE2E.ButtonsMessage_Button_ButtonText{DisplayText: proto.String(opt.Title)},
				Type:       waE2E.ButtonsMessage_Button_RESPONSE.Enum(),
			})
		}
		return &waE2E.Message{ButtonsMessage: &waE2E.ButtonsMessage{
			ContentText: proto.String(msg.Body),
			Buttons:     buttons,
			HeaderType:  waE2E.ButtonsMessage_EMPTY.Enum(),
		}}

	case models.MessageTypeList:
		sections := make([]*waE2E.ListMessage_Section, 0, len(msg.Sections))
		for _, sec := range msg.Sections {
			rows := make([]*waE2E.ListMessage_Row, 0, len(sec.Rows))
			for _, row := range sec.Rows {
				rows = append(rows, &waE2E.ListMessage_Row{
					RowID:       proto.String(row.ID),
					Title:       proto.String(row.Title),
					Description: proto.String(row.Description),
				})
			}
			sections = append(sections, &waE2E.ListMessage_Section{
				Title: proto.String(sec.Title),
				Rows:  rows,
			})
		}
		return &waE2E.Message{ListMessage: &waE2E.ListMessage{
			Title:       proto.String(msg.Header),
			Description: proto.String(msg.Body),
			ButtonText:  proto.String(msg.Button),
			ListType:    waE2E.ListMessage_SINGLE_SELECT.Enum(),
			Sections:    sections,
		}}

	case models.MessageTypeDocument:
		// Media upload is out of band; the file reference travels as a link.
		return &waE2E.Message{Conversation: proto.String(msg.Body + "\n" + msg.FileRef)}

	default:
		// Text and location requests travel as plain conversation text.
		return &waE2E.Message{Conversation: proto.String(msg.Body)}
	}
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the connection to WhatsApp.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient implements Sender but records instead of sending (for tests).
type MockClient struct {
	Delivered []models.OutboundMessage
	Err       error
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// DeliverMessage records the message and returns the configured error.
func (m *MockClient) DeliverMessage(ctx context.Context, to string, msg models.OutboundMessage) error {
	if m.Err != nil {
		return m.Err
	}
	m.Delivered = append(m.Delivered, msg)
	return nil
}
