package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is reported by Conn.Err after Close.
	ErrClosed = errors.New("connection closed")
	// ErrTooLarge is returned by Download when a document exceeds the limit.
	ErrTooLarge = errors.New("document exceeds size limit")
)

// SourceID identifies an event origin: a numeric chat id ("-1001279597711")
// or a public channel username ("@bwenews").
type SourceID string

// Destination identifies where outbound content goes. Same format as SourceID.
type Destination string

// Document is a file attached to an inbound post. Only metadata travels with
// the event; bytes are fetched lazily through Conn.Download.
type Document struct {
	FileID   string
	FileName string
	MIMEType string
	Size     int64
}

// IsPDF reports whether the document looks like a PDF.
func (d *Document) IsPDF() bool {
	if d == nil {
		return false
	}
	return strings.EqualFold(d.MIMEType, "application/pdf") || strings.HasSuffix(strings.ToLower(d.FileName), ".pdf")
}

// InboundEvent is one unit of work from the event source. It is immutable once
// constructed and consumed exactly once by the dispatcher.
type InboundEvent struct {
	ID             string
	Source         SourceID
	SourceUsername string
	SourceTitle    string
	MessageID      int
	Text           string
	Document       *Document
	PostedAt       time.Time
	ReceivedAt     time.Time
}

// NewEvent stamps a fresh correlation id and arrival time.
func NewEvent(source SourceID, messageID int, text string) InboundEvent {
	return InboundEvent{
		ID:         uuid.NewString(),
		Source:     source,
		MessageID:  messageID,
		Text:       text,
		ReceivedAt: time.Now(),
	}
}

// HasContent reports whether there is anything to process.
func (e InboundEvent) HasContent() bool {
	return strings.TrimSpace(e.Text) != "" || e.Document != nil
}

// Keys returns the identifiers the event can be matched against: the numeric
// source id and, when known, the lowercased "@username".
func (e InboundEvent) Keys() []SourceID {
	keys := []SourceID{e.Source}
	if u := strings.TrimPrefix(strings.TrimSpace(e.SourceUsername), "@"); u != "" {
		keys = append(keys, SourceID("@"+strings.ToLower(u)))
	}
	return keys
}

// Link returns a t.me permalink to the original post, or "" if unknown.
func (e InboundEvent) Link() string {
	if e.MessageID <= 0 {
		return ""
	}
	if u := strings.TrimPrefix(strings.TrimSpace(e.SourceUsername), "@"); u != "" {
		return fmt.Sprintf("https://t.me/%s/%d", u, e.MessageID)
	}
	id := strings.TrimSpace(string(e.Source))
	if strings.HasPrefix(id, "-100") {
		return fmt.Sprintf("https://t.me/c/%s/%d", strings.TrimPrefix(id, "-100"), e.MessageID)
	}
	return ""
}

// DisplayName is a human label for the source.
func (e InboundEvent) DisplayName() string {
	switch {
	case strings.TrimSpace(e.SourceTitle) != "":
		return e.SourceTitle
	case strings.TrimSpace(e.SourceUsername) != "":
		return "@" + strings.TrimPrefix(e.SourceUsername, "@")
	default:
		return "Channel " + string(e.Source)
	}
}

// NormalizeSource canonicalizes a configured source or destination key:
// numeric ids are kept as-is, usernames are lowercased with a leading "@".
func NormalizeSource(raw string) SourceID {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return SourceID(s)
	}
	return SourceID("@" + strings.ToLower(strings.TrimPrefix(s, "@")))
}

// Attachment is a file sent along with outbound text.
type Attachment struct {
	FileName string
	MIMEType string
	Data     []byte
}

// Outbound is content to deliver to a Destination.
type Outbound struct {
	Text           string
	ParseMode      string // "", "HTML", "Markdown"
	DisablePreview bool
	Attachment     *Attachment
}

// MessageRef points at the first delivered message.
type MessageRef struct {
	Destination Destination
	MessageID   int
}

// Identity is the authenticated account the connection operates as.
type Identity struct {
	ID       int64
	Username string
	Name     string
}

func (i Identity) String() string {
	if i.Username != "" {
		return "@" + i.Username
	}
	if i.Name != "" {
		return i.Name
	}
	return strconv.FormatInt(i.ID, 10)
}

// Credential is the persisted secret that opens a session.
type Credential struct {
	Token string
}

// Dialer opens authenticated connections to the event source.
type Dialer interface {
	// Dial connects and authenticates. Authentication failures must be
	// returned as non-retryable (retry.Permanent).
	Dial(ctx context.Context, cred Credential) (Conn, error)
}

// Conn is one live, authenticated link to the event source. It is owned by the
// connection supervisor; other components reach it only through the
// supervisor's Send/Download.
type Conn interface {
	Identity() Identity

	// Subscribe starts delivering events for the given sources. deliver must
	// not block for long; the dispatcher entry point schedules and returns.
	Subscribe(ctx context.Context, sources []SourceID, deliver func(InboundEvent)) error
	Unsubscribe(ctx context.Context) error

	// Ping is a cheap keepalive round-trip.
	Ping(ctx context.Context) error

	Send(ctx context.Context, to Destination, out Outbound) (MessageRef, error)
	Download(ctx context.Context, doc Document, maxBytes int64) ([]byte, error)

	// Done is closed when the link drops; Err then reports why.
	Done() <-chan struct{}
	Err() error

	Close(ctx context.Context) error
}
