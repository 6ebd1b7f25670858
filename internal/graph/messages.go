package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// listPageSize is the Graph page size for message listing.
const listPageSize = 50

// MessageInfo describes one mailbox message as POP3 sees it: the Graph
// message id doubles as the UIDL, the etag guards deletion against
// concurrent modification.
type MessageInfo struct {
	ID   string
	Size int64
	Etag string
}

// listPage is one page of the folder listing.
type listPage struct {
	Value []struct {
		ID             string `json:"id"`
		Etag           string `json:"@odata.etag"`
		HasAttachments bool   `json:"hasAttachments"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// ListMessages enumerates the messages in a mailbox folder, oldest page
// first, following server paging. A non-zero since restricts the listing
// to messages received at or after that time. Sizes are estimated from
// the message resource plus attachment sizes; Graph does not expose an
// exact RFC 5322 octet count.
func (c *Client) ListMessages(ctx context.Context, mailbox, folder string, since time.Time) ([]MessageInfo, error) {
	query := url.Values{
		"$top":    {fmt.Sprint(listPageSize)},
		"$select": {"id,hasAttachments"},
	}
	if !since.IsZero() {
		query.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	}
	next := c.userURL(mailbox, "mailFolders", folder, "messages") + "?" + query.Encode()

	var messages []MessageInfo
	for next != "" {
		data, _, err := c.request(ctx, "listMessages", http.MethodGet, next, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("listing %s/%s: %w", mailbox, folder, err)
		}

		var page listPage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, &Error{Class: ClassRetryable, Op: "listMessages", Message: fmt.Sprintf("decoding page: %v", err)}
		}

		for _, m := range page.Value {
			if m.ID == "" {
				continue
			}
			size, err := c.messageSize(ctx, mailbox, m.ID, m.HasAttachments)
			if err != nil {
				return nil, err
			}
			messages = append(messages, MessageInfo{ID: m.ID, Size: size, Etag: m.Etag})
		}
		next = page.NextLink
	}
	return messages, nil
}

// messageSize estimates a message's size from its resource representation
// plus the declared attachment sizes.
func (c *Client) messageSize(ctx context.Context, mailbox, id string, hasAttachments bool) (int64, error) {
	data, _, err := c.request(ctx, "getMessage", http.MethodGet, c.userURL(mailbox, "messages", id), nil, nil)
	if err != nil {
		return 0, fmt.Errorf("fetching message %s: %w", id, err)
	}
	size := int64(len(data))

	if !hasAttachments {
		return size, nil
	}

	attData, _, err := c.request(ctx, "listAttachments", http.MethodGet,
		c.userURL(mailbox, "messages", id, "attachments")+"?$select=id,size", nil, nil)
	if err != nil {
		return 0, fmt.Errorf("listing attachments of %s: %w", id, err)
	}
	var atts struct {
		Value []struct {
			Size int64 `json:"size"`
		} `json:"value"`
	}
	if err := json.Unmarshal(attData, &atts); err != nil {
		return size, nil
	}
	for _, a := range atts.Value {
		size += a.Size
	}
	return size, nil
}

// FetchMIME retrieves the full raw RFC 5322 bytes of a message.
func (c *Client) FetchMIME(ctx context.Context, mailbox, id string) ([]byte, error) {
	data, _, err := c.request(ctx, "fetchMIME", http.MethodGet, c.userURL(mailbox, "messages", id, "$value"), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching MIME of %s: %w", id, err)
	}
	return data, nil
}

// MarkRead flags a message as read.
func (c *Client) MarkRead(ctx context.Context, mailbox, id string) error {
	body := []byte(`{"isRead":true}`)
	if _, _, err := c.request(ctx, "markRead", http.MethodPatch, c.userURL(mailbox, "messages", id), body, nil); err != nil {
		return fmt.Errorf("marking %s read: %w", id, err)
	}
	return nil
}

// Delete removes a message. The etag from the listing is passed as
// If-Match so a message modified since the session listed it survives;
// that case comes back as a permanent error with status 412.
func (c *Client) Delete(ctx context.Context, mailbox, id, etag string) error {
	var header http.Header
	if etag != "" {
		header = http.Header{"If-Match": {etag}}
	}
	if _, _, err := c.request(ctx, "deleteMessage", http.MethodDelete, c.userURL(mailbox, "messages", id), nil, header); err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}
