package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"testing"
)

// buildMultipart assembles a multipart/mixed message with a text body and
// one binary attachment of the given size.
func buildMultipart(t *testing.T, attachmentSize int) []byte {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: a@example.com\r\n")
	fmt.Fprintf(&msg, "To: b@example.com, c@example.com\r\n")
	fmt.Fprintf(&msg, "Cc: d@example.com\r\n")
	fmt.Fprintf(&msg, "Subject: report\r\n")
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mw.Boundary())

	tw, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(tw, "see attached\r\n")

	aw, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":        {"application/octet-stream"},
		"Content-Disposition": {`attachment; filename="data.bin"`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := aw.Write(bytes.Repeat([]byte{0x42}, attachmentSize)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	msg.Write(buf.Bytes())
	return msg.Bytes()
}

func TestSendMailLargeDraftPath(t *testing.T) {
	raw := buildMultipart(t, 64)

	var steps []string
	var draft draftMessage
	var attached fileAttachment

	mux := http.NewServeMux()
	mux.HandleFunc("/users/a@example.com/messages", func(w http.ResponseWriter, r *http.Request) {
		steps = append(steps, "draft")
		if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
			t.Errorf("decoding draft: %v", err)
		}
		fmt.Fprint(w, `{"id":"d1"}`)
	})
	mux.HandleFunc("/users/a@example.com/messages/d1/attachments", func(w http.ResponseWriter, r *http.Request) {
		steps = append(steps, "attach")
		if err := json.NewDecoder(r.Body).Decode(&attached); err != nil {
			t.Errorf("decoding attachment: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/users/a@example.com/messages/d1/send", func(w http.ResponseWriter, r *http.Request) {
		steps = append(steps, "send")
		w.WriteHeader(http.StatusAccepted)
	})

	c, _ := newTestClient(t, mux)

	rcpts := []string{"b@example.com", "c@example.com", "d@example.com"}
	if err := c.SendMailLarge(context.Background(), "a@example.com", rcpts, raw); err != nil {
		t.Fatalf("SendMailLarge() error = %v", err)
	}

	if got := strings.Join(steps, ","); got != "draft,attach,send" {
		t.Errorf("call sequence = %s", got)
	}
	if draft.Subject != "report" {
		t.Errorf("draft subject = %q", draft.Subject)
	}
	if len(draft.ToRecipients) != 2 || len(draft.CcRecipients) != 1 {
		t.Errorf("recipient split: to=%d cc=%d", len(draft.ToRecipients), len(draft.CcRecipients))
	}
	if draft.ToRecipients[0].EmailAddress.Address != "b@example.com" {
		t.Errorf("to[0] = %q", draft.ToRecipients[0].EmailAddress.Address)
	}
	if attached.Name != "data.bin" {
		t.Errorf("attachment name = %q", attached.Name)
	}
	if attached.ODataType != "#microsoft.graph.fileAttachment" {
		t.Errorf("attachment type = %q", attached.ODataType)
	}
}

func TestSendMailLargeUploadSession(t *testing.T) {
	// Attachment above the direct-attach threshold forces an upload
	// session; client.rawLimit and chunking use 4 MiB ranges.
	attSize := largeAttachmentThreshold + uploadRangeSize/2
	raw := buildMultipart(t, attSize)

	var ranges []string
	var received int

	mux := http.NewServeMux()
	var baseURL string
	mux.HandleFunc("/users/a@example.com/messages", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"d1"}`)
	})
	mux.HandleFunc("/users/a@example.com/messages/d1/attachments/createUploadSession", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AttachmentItem struct {
				Name string `json:"name"`
				Size int    `json:"size"`
			} `json:"AttachmentItem"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding session request: %v", err)
		}
		if req.AttachmentItem.Size != attSize {
			t.Errorf("session size = %d, want %d", req.AttachmentItem.Size, attSize)
		}
		fmt.Fprintf(w, `{"uploadUrl":"%s/upload"}`, baseURL)
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("upload sent Authorization = %q, want none", got)
		}
		ranges = append(ranges, r.Header.Get("Content-Range"))
		n, _ := io.Copy(io.Discard, r.Body)
		received += int(n)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/users/a@example.com/messages/d1/send", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	c, srv := newTestClient(t, mux)
	baseURL = srv.URL

	rcpts := []string{"b@example.com", "c@example.com", "d@example.com"}
	if err := c.SendMailLarge(context.Background(), "a@example.com", rcpts, raw); err != nil {
		t.Fatalf("SendMailLarge() error = %v", err)
	}

	if len(ranges) != 2 {
		t.Fatalf("upload ranges = %d, want 2: %v", len(ranges), ranges)
	}
	wantFirst := fmt.Sprintf("bytes 0-%d/%d", uploadRangeSize-1, attSize)
	if ranges[0] != wantFirst {
		t.Errorf("first range = %q, want %q", ranges[0], wantFirst)
	}
	if received != attSize {
		t.Errorf("uploaded bytes = %d, want %d", received, attSize)
	}
}

func TestSendMailSwitchesToLargePath(t *testing.T) {
	raw := buildMultipart(t, largeMessageThreshold+1024)

	var sawDraft, sawRawSend bool
	mux := http.NewServeMux()
	mux.HandleFunc("/users/a@example.com/sendMail", func(w http.ResponseWriter, r *http.Request) {
		sawRawSend = true
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/messages") {
			sawDraft = true
			fmt.Fprint(w, `{"id":"d1"}`)
			return
		}
		if strings.Contains(r.URL.Path, "createUploadSession") {
			fmt.Fprintf(w, `{"uploadUrl":"http://%s/upload"}`, r.Host)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	c, _ := newTestClient(t, mux)

	err := c.SendMail(context.Background(), "a@example.com", []string{"b@example.com", "c@example.com", "d@example.com"}, raw)
	if err != nil {
		t.Fatalf("SendMail() error = %v", err)
	}
	if sawRawSend {
		t.Error("oversize message used the raw sendMail endpoint")
	}
	if !sawDraft {
		t.Error("oversize message never created a draft")
	}
}

func TestSplitRecipientsMismatchFallsBackToTo(t *testing.T) {
	raw := []byte("From: a@example.com\r\nTo: b@example.com\r\nSubject: x\r\n\r\nbody\r\n")
	p, err := parseMessage(raw, []string{"b@example.com", "hidden@example.com"})
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	if len(p.to) != 2 || len(p.cc) != 0 || len(p.bcc) != 0 {
		t.Errorf("mismatched counts should put everyone in To: to=%v cc=%v bcc=%v", p.to, p.cc, p.bcc)
	}
}

func TestParseMessagePlainBody(t *testing.T) {
	raw := []byte("From: a@example.com\r\nTo: b@example.com\r\nSubject: hello\r\nContent-Type: text/plain\r\n\r\nplain body\r\n")
	p, err := parseMessage(raw, []string{"b@example.com"})
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	if p.subject != "hello" {
		t.Errorf("subject = %q", p.subject)
	}
	if p.bodyType != "Text" || !strings.Contains(p.body, "plain body") {
		t.Errorf("body = %q (%s)", p.body, p.bodyType)
	}
}
