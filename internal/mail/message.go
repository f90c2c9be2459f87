package mail

import "time"

// Address is a parsed mailbox address with an optional display name.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Attachment describes an attachment without its content. The content is
// fetched on demand through the provider using AttachmentID.
type Attachment struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachment_id"`
}

// ParsedEmail is the normalizer's canonical output. Immutable once produced;
// persistence is the caller's concern.
type ParsedEmail struct {
	MessageID   string       `json:"message_id"`
	ThreadID    string       `json:"thread_id"`
	From        Address      `json:"from"`
	To          []Address    `json:"to"`
	Cc          []Address    `json:"cc"`
	Bcc         []Address    `json:"bcc"`
	Date        time.Time    `json:"date"`
	Subject     string       `json:"subject"`
	Snippet     string       `json:"snippet"`
	BodyText    string       `json:"body_text"`
	BodyHTML    string       `json:"body_html"`
	Labels      []string     `json:"labels"`
	Attachments []Attachment `json:"attachments"`
}

// HasAttachments reports whether any attachment descriptors were collected.
func (p *ParsedEmail) HasAttachments() bool {
	return len(p.Attachments) > 0
}

// RawHeader is a single wire header as delivered by the provider.
type RawHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RawBody carries part content. Data is base64url-encoded; parts whose
// content lives provider-side carry an AttachmentID instead.
type RawBody struct {
	Data         string `json:"data,omitempty"`
	Size         int64  `json:"size"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// RawPart is one node of the provider's MIME part tree.
type RawPart struct {
	MimeType string     `json:"mime_type"`
	Filename string     `json:"filename,omitempty"`
	Headers  []RawHeader `json:"headers,omitempty"`
	Body     RawBody    `json:"body"`
	Parts    []*RawPart `json:"parts,omitempty"`
}

// RawMessage is the provider-neutral raw payload handed to Parse.
type RawMessage struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"thread_id"`
	Snippet      string   `json:"snippet,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	InternalDate int64    `json:"internal_date"` // epoch millis, provider clock
	Payload      *RawPart `json:"payload"`
}
