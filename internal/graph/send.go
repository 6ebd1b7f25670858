package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// largeMessageThreshold is the serialized size above which submission
// switches from the raw sendMail endpoint to the draft/upload path.
const largeMessageThreshold = 3 << 20

// uploadRangeSize is the chunk size for attachment upload sessions.
const uploadRangeSize = 4 << 20

// largeAttachmentThreshold is the size above which a single attachment
// goes through an upload session instead of a direct attach.
const largeAttachmentThreshold = 3 << 20

// uploadRangeTimeout bounds each upload-session PUT.
const uploadRangeTimeout = 60 * time.Second

// SendMail submits a message as the given principal. Messages at or below
// the large-message threshold post the raw MIME directly; larger ones go
// through a draft with chunked attachment upload. rcpts is the envelope
// recipient list in RCPT order.
func (c *Client) SendMail(ctx context.Context, from string, rcpts []string, raw []byte) error {
	if len(raw) > largeMessageThreshold {
		return c.SendMailLarge(ctx, from, rcpts, raw)
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(encoded, raw)

	header := http.Header{"Content-Type": {"text/plain"}}
	_, _, err := c.request(ctx, "sendMail", http.MethodPost, c.userURL(from, "sendMail"), encoded, header)
	if err != nil {
		return fmt.Errorf("sending mail as %s: %w", from, err)
	}
	c.logger.Info("message sent", "from", from, "size", len(raw))
	return nil
}

// SendMailLarge submits a message through the draft path: create a draft,
// attach each part (small parts directly, large ones through an upload
// session in 4 MiB ranges), then send the draft.
func (c *Client) SendMailLarge(ctx context.Context, from string, rcpts []string, raw []byte) error {
	parsed, err := parseMessage(raw, rcpts)
	if err != nil {
		return &Error{Class: ClassPermanent, Op: "createDraft", Message: fmt.Sprintf("parsing message: %v", err)}
	}

	draftID, err := c.createDraft(ctx, from, parsed)
	if err != nil {
		return fmt.Errorf("creating draft as %s: %w", from, err)
	}

	for _, att := range parsed.attachments {
		if len(att.content) > largeAttachmentThreshold {
			err = c.uploadAttachment(ctx, from, draftID, att)
		} else {
			err = c.attachDirect(ctx, from, draftID, att)
		}
		if err != nil {
			return fmt.Errorf("attaching %s: %w", att.name, err)
		}
	}

	if _, _, err := c.request(ctx, "sendDraft", http.MethodPost, c.userURL(from, "messages", draftID, "send"), nil, nil); err != nil {
		return fmt.Errorf("sending draft as %s: %w", from, err)
	}
	c.logger.Info("large message sent", "from", from, "size", len(raw),
		"attachments", len(parsed.attachments))
	return nil
}

// Graph message JSON shapes.

type emailAddress struct {
	Address string `json:"address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type draftMessage struct {
	Subject       string      `json:"subject"`
	Body          itemBody    `json:"body"`
	ToRecipients  []recipient `json:"toRecipients"`
	CcRecipients  []recipient `json:"ccRecipients,omitempty"`
	BccRecipients []recipient `json:"bccRecipients,omitempty"`
}

type fileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentBytes string `json:"contentBytes"`
	IsInline     bool   `json:"isInline,omitempty"`
	ContentID    string `json:"contentId,omitempty"`
}

// parsedMessage is the draft-path view of a MIME message.
type parsedMessage struct {
	subject     string
	bodyType    string // "Text" or "HTML"
	body        string
	to, cc, bcc []string
	attachments []attachment
}

type attachment struct {
	name      string
	contentID string
	content   []byte
}

// parseMessage breaks raw MIME into the pieces a Graph draft needs. The
// envelope recipients are split into To/Cc/Bcc by the header address
// counts; on a mismatch all recipients are treated as To so nobody is
// dropped.
func parseMessage(raw []byte, rcpts []string) (*parsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	p := &parsedMessage{bodyType: "Text"}
	p.subject, _ = mr.Header.Subject()
	p.to, p.cc, p.bcc = splitRecipients(&mr.Header, rcpts)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("reading part body: %w", err)
			}
			switch {
			case ct == "text/html":
				p.bodyType = "HTML"
				p.body = string(content)
			case ct == "text/plain" && p.bodyType != "HTML":
				p.body = string(content)
			case !strings.HasPrefix(ct, "text/"):
				// Inline non-text content (embedded images) rides along
				// as an inline attachment referenced by Content-ID.
				p.attachments = append(p.attachments, attachment{
					name:      inlineName(h, ct),
					contentID: strings.Trim(h.Get("Content-Id"), "<>"),
					content:   content,
				})
			}
		case *mail.AttachmentHeader:
			name, _ := h.Filename()
			if name == "" {
				name = "attachment"
			}
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("reading attachment %s: %w", name, err)
			}
			p.attachments = append(p.attachments, attachment{
				name:      name,
				contentID: strings.Trim(h.Get("Content-Id"), "<>"),
				content:   content,
			})
		}
	}
	return p, nil
}

// inlineName derives a display name for an inline part without a filename.
func inlineName(h *mail.InlineHeader, ct string) string {
	if cid := strings.Trim(h.Get("Content-Id"), "<>"); cid != "" {
		return cid
	}
	if exts, err := mime.ExtensionsByType(ct); err == nil && len(exts) > 0 {
		return "inline" + exts[0]
	}
	return "inline"
}

// splitRecipients assigns the envelope recipients to To/Cc/Bcc slots by
// the message's own header counts.
func splitRecipients(h *mail.Header, rcpts []string) (to, cc, bcc []string) {
	toN := addressCount(h, "To")
	ccN := addressCount(h, "Cc")
	bccN := addressCount(h, "Bcc")

	if toN+ccN+bccN != len(rcpts) {
		return rcpts, nil, nil
	}
	return rcpts[:toN], rcpts[toN : toN+ccN], rcpts[toN+ccN:]
}

func addressCount(h *mail.Header, field string) int {
	addrs, err := h.AddressList(field)
	if err != nil {
		return 0
	}
	return len(addrs)
}

func formatRecipients(addrs []string) []recipient {
	out := make([]recipient, len(addrs))
	for i, a := range addrs {
		out[i] = recipient{EmailAddress: emailAddress{Address: strings.TrimSpace(a)}}
	}
	return out
}

// createDraft creates the draft message and returns its id.
func (c *Client) createDraft(ctx context.Context, from string, p *parsedMessage) (string, error) {
	draft := draftMessage{
		Subject:       p.subject,
		Body:          itemBody{ContentType: p.bodyType, Content: p.body},
		ToRecipients:  formatRecipients(p.to),
		CcRecipients:  formatRecipients(p.cc),
		BccRecipients: formatRecipients(p.bcc),
	}
	body, err := json.Marshal(draft)
	if err != nil {
		return "", fmt.Errorf("encoding draft: %w", err)
	}

	data, _, err := c.request(ctx, "createDraft", http.MethodPost, c.userURL(from, "messages"), body, nil)
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil || created.ID == "" {
		return "", &Error{Class: ClassRetryable, Op: "createDraft", Message: "draft response missing id"}
	}
	return created.ID, nil
}

// attachDirect adds a small attachment in a single call.
func (c *Client) attachDirect(ctx context.Context, from, draftID string, att attachment) error {
	body, err := json.Marshal(fileAttachment{
		ODataType:    "#microsoft.graph.fileAttachment",
		Name:         att.name,
		ContentBytes: base64.StdEncoding.EncodeToString(att.content),
		IsInline:     att.contentID != "",
		ContentID:    att.contentID,
	})
	if err != nil {
		return fmt.Errorf("encoding attachment: %w", err)
	}

	_, _, err = c.request(ctx, "attach", http.MethodPost, c.userURL(from, "messages", draftID, "attachments"), body, nil)
	return err
}

// uploadAttachment streams a large attachment through an upload session
// in fixed-size ranges.
func (c *Client) uploadAttachment(ctx context.Context, from, draftID string, att attachment) error {
	session, err := json.Marshal(map[string]any{
		"AttachmentItem": map[string]any{
			"attachmentType": "file",
			"name":           att.name,
			"size":           len(att.content),
		},
	})
	if err != nil {
		return fmt.Errorf("encoding upload session request: %w", err)
	}

	data, _, err := c.request(ctx, "createUploadSession", http.MethodPost,
		c.userURL(from, "messages", draftID, "attachments", "createUploadSession"), session, nil)
	if err != nil {
		return err
	}

	var us struct {
		UploadURL string `json:"uploadUrl"`
	}
	if err := json.Unmarshal(data, &us); err != nil || us.UploadURL == "" {
		return &Error{Class: ClassRetryable, Op: "createUploadSession", Message: "upload session response missing url"}
	}

	total := len(att.content)
	for start := 0; start < total; start += uploadRangeSize {
		end := start + uploadRangeSize
		if end > total {
			end = total
		}
		if err := c.uploadRange(ctx, us.UploadURL, att.content[start:end], start, end, total); err != nil {
			return err
		}
	}
	return nil
}

// uploadRange PUTs one range to the pre-authorized session URL. The
// session URL carries its own token, so no Authorization header is sent.
func (c *Client) uploadRange(ctx context.Context, uploadURL string, chunk []byte, start, end, total int) error {
	ctx, cancel := context.WithTimeout(ctx, uploadRangeTimeout)
	defer cancel()

	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(chunk))
	if err != nil {
		return &Error{Class: ClassPermanent, Op: "uploadRange", Message: fmt.Sprintf("creating request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, total))
	req.ContentLength = int64(len(chunk))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.collector.GraphRequest("uploadRange", string(ClassRetryable), time.Since(started).Seconds())
		return &Error{Class: ClassRetryable, Op: "uploadRange", Message: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= 400 {
		e := c.classify("uploadRange", resp.StatusCode, body)
		c.collector.GraphRequest("uploadRange", string(e.Class), time.Since(started).Seconds())
		return e
	}
	c.collector.GraphRequest("uploadRange", "ok", time.Since(started).Seconds())
	return nil
}
