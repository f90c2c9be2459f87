package mail

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// ErrEmptyPayload is returned for messages with no MIME tree at all.
var ErrEmptyPayload = errors.New("mail: message has no payload")

// addrPattern tolerates both `"Name" <addr>` and bare-address forms.
var addrPattern = regexp.MustCompile(`^(?:"?([^"]*)"?\s)?<?([^>\s]+@[^>\s]+)>?$`)

// Parse normalizes a raw provider message into a ParsedEmail. It is a pure
// function: no I/O, no mutation of the input.
func Parse(raw *RawMessage) (*ParsedEmail, error) {
	if raw == nil || raw.Payload == nil {
		return nil, ErrEmptyPayload
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("mail: message missing id")
	}

	headers := headerMap(raw.Payload.Headers)

	parsed := &ParsedEmail{
		MessageID: raw.ID,
		ThreadID:  raw.ThreadID,
		Snippet:   raw.Snippet,
		Labels:    raw.Labels,
		Subject:   headers["subject"],
		From:      ParseAddress(headers["from"]),
		To:        ParseAddressList(headers["to"]),
		Cc:        ParseAddressList(headers["cc"]),
		Bcc:       ParseAddressList(headers["bcc"]),
		Date:      resolveDate(headers["date"], raw.InternalDate),
	}

	bodyText, bodyHTML := extractBody(raw.Payload)
	if bodyText == "" && bodyHTML != "" {
		bodyText = HTMLToText(bodyHTML)
	}
	parsed.BodyText = bodyText
	parsed.BodyHTML = bodyHTML
	parsed.Attachments = collectAttachments(raw.Payload)

	return parsed, nil
}

// headerMap flattens the header list with case-insensitive names. First
// occurrence wins.
func headerMap(hs []RawHeader) map[string]string {
	m := make(map[string]string, len(hs))
	for _, h := range hs {
		key := strings.ToLower(h.Name)
		if _, ok := m[key]; !ok {
			m[key] = h.Value
		}
	}
	return m
}

// ParseAddress extracts an address + optional display name from a header
// value. Unrecognized input is kept verbatim as the email to avoid dropping
// information.
func ParseAddress(value string) Address {
	value = strings.TrimSpace(value)
	if value == "" {
		return Address{}
	}
	if m := addrPattern.FindStringSubmatch(value); m != nil {
		return Address{Email: m[2], Name: strings.TrimSpace(m[1])}
	}
	return Address{Email: value}
}

// ParseAddressList splits a comma-separated header value into addresses.
func ParseAddressList(value string) []Address {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	addrs := make([]Address, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		addrs = append(addrs, ParseAddress(p))
	}
	return addrs
}

// resolveDate prefers the Date header, falling back to the provider's
// internal timestamp when absent or unparsable.
func resolveDate(dateHeader string, internalMillis int64) time.Time {
	if dateHeader != "" {
		if t, err := mail.ParseDate(dateHeader); err == nil {
			return t
		}
	}
	return time.UnixMilli(internalMillis)
}

// extractBody walks the part tree depth-first, capturing the first
// text/plain and first text/html parts. Later duplicates are ignored.
func extractBody(part *RawPart) (bodyText, bodyHTML string) {
	var walk func(p *RawPart)
	walk = func(p *RawPart) {
		if p == nil {
			return
		}
		if p.Body.Data != "" {
			decoded := decodeBody(p.Body.Data)
			switch p.MimeType {
			case "text/plain":
				if bodyText == "" {
					bodyText = decoded
				}
			case "text/html":
				if bodyHTML == "" {
					bodyHTML = decoded
				}
			}
		}
		for _, sub := range p.Parts {
			walk(sub)
		}
	}
	walk(part)
	return bodyText, bodyHTML
}

// collectAttachments gathers every part carrying both a filename and a
// provider-side content reference. Metadata only.
func collectAttachments(part *RawPart) []Attachment {
	var atts []Attachment
	var walk func(p *RawPart)
	walk = func(p *RawPart) {
		if p == nil {
			return
		}
		if p.Filename != "" && p.Body.AttachmentID != "" {
			mime := p.MimeType
			if mime == "" {
				mime = "application/octet-stream"
			}
			atts = append(atts, Attachment{
				Filename:     p.Filename,
				MimeType:     mime,
				Size:         p.Body.Size,
				AttachmentID: p.Body.AttachmentID,
			})
		}
		for _, sub := range p.Parts {
			walk(sub)
		}
	}
	walk(part)
	return atts
}

func decodeBody(data string) string {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(decoded)
}

var (
	scriptPattern  = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	stylePattern   = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	brPattern      = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockEnds      = regexp.MustCompile(`(?i)</(p|div|li|tr)>`)
	tagPattern     = regexp.MustCompile(`<[^>]+>`)
	blankCollapser = regexp.MustCompile(`\n\s*\n\s*\n`)
)

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
)

// HTMLToText derives a plaintext rendering from an HTML body: scripts and
// styles removed, block-level closers become newlines, remaining tags
// stripped, a fixed entity set decoded.
func HTMLToText(html string) string {
	text := scriptPattern.ReplaceAllString(html, "")
	text = stylePattern.ReplaceAllString(text, "")
	text = brPattern.ReplaceAllString(text, "\n")
	text = blockEnds.ReplaceAllString(text, "\n")
	text = tagPattern.ReplaceAllString(text, "")
	text = entityReplacer.Replace(text)
	text = blankCollapser.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
