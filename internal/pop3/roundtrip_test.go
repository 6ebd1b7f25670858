package pop3

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/m365gw/internal/config"
	"github.com/infodancer/m365gw/internal/mailbox"
	"github.com/infodancer/m365gw/internal/server"
)

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "gw.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"gw.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

// testRegistry builds a mailbox registry with one account,
// alice@example.com / secret.
func testRegistry(t *testing.T) *mailbox.Registry {
	t.Helper()
	hash, err := mailbox.HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}
	return mailbox.NewRegistry([]config.MailboxConfig{
		{Username: "alice@example.com", Password: hash, DeleteAfterFetch: true},
	})
}

// startListener claims a port, starts a listener of the given mode on it,
// and returns the address.
func startListener(t *testing.T, mode config.ListenerMode, tlsCfg *tls.Config, store *mockStore) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	handler := Handler(HandlerConfig{
		Hostname:  "gw.test",
		Auth:      testRegistry(t),
		Store:     store,
		TLSConfig: tlsCfg,
	})

	l := server.NewListener(server.ListenerConfig{
		Address:   addr,
		Mode:      mode,
		TLSConfig: tlsCfg,
		Logger:    slog.Default(),
		Handler:   handler,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Start(ctx) }()
	t.Cleanup(cancel)

	// Wait for the accept loop to come up
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener at %s did not come up", addr)
	return ""
}

// pop3Client is a minimal test client over an established connection.
type pop3Client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newPop3Client(t *testing.T, conn net.Conn) *pop3Client {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &pop3Client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *pop3Client) send(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

func (c *pop3Client) readLine() string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *pop3Client) expectOK() string {
	c.t.Helper()
	line := c.readLine()
	if !strings.HasPrefix(line, "+OK") {
		c.t.Fatalf("expected +OK, got %q", line)
	}
	return line
}

func (c *pop3Client) expectErr() string {
	c.t.Helper()
	line := c.readLine()
	if !strings.HasPrefix(line, "-ERR") {
		c.t.Fatalf("expected -ERR, got %q", line)
	}
	return line
}

// readMultiline reads dot-terminated lines, without de-stuffing.
func (c *pop3Client) readMultiline() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		if line == "." {
			return lines
		}
		lines = append(lines, line)
	}
}

func TestRoundTripPop3sSession(t *testing.T) {
	store := newMockStore()
	tlsCfg := selfSignedTLS(t)
	addr := startListener(t, config.ModePop3s, tlsCfg, store)

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	c := newPop3Client(t, conn)

	c.expectOK() // greeting

	c.send("CAPA")
	c.expectOK()
	caps := strings.Join(c.readMultiline(), "\n")
	if !strings.Contains(caps, "USER") || !strings.Contains(caps, "UIDL") {
		t.Errorf("capabilities missing USER/UIDL:\n%s", caps)
	}

	c.send("USER alice@example.com")
	c.expectOK()
	c.send("PASS secret")
	c.expectOK()

	c.send("STAT")
	if line := c.expectOK(); line != "+OK 3 600" {
		t.Errorf("STAT = %q, want +OK 3 600", line)
	}

	c.send("UIDL")
	c.expectOK()
	uidls := c.readMultiline()
	if len(uidls) != 3 || uidls[0] != "1 msg1" {
		t.Errorf("UIDL = %v", uidls)
	}

	c.send("RETR 2")
	c.expectOK()
	body := c.readMultiline()
	joined := strings.Join(body, "\n")
	if !strings.Contains(joined, "..starts with a dot") {
		t.Errorf("RETR body not dot-stuffed on the wire:\n%s", joined)
	}

	c.send("DELE 1")
	c.expectOK()

	c.send("QUIT")
	c.expectOK()

	// Allow the handler to commit the update phase
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		done := len(store.deleted) > 0
		store.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.read) != 1 || store.read[0] != "msg1" {
		t.Errorf("marked read = %v, want [msg1]", store.read)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "msg1" {
		t.Errorf("deleted = %v, want [msg1]", store.deleted)
	}
}

func TestRoundTripStls(t *testing.T) {
	store := newMockStore()
	tlsCfg := selfSignedTLS(t)
	addr := startListener(t, config.ModePop3, tlsCfg, store)

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = raw.Close() }()
	c := newPop3Client(t, raw)

	c.expectOK() // greeting

	// Cleartext: authentication refused, STLS offered
	c.send("USER alice@example.com")
	c.expectErr()

	c.send("CAPA")
	c.expectOK()
	caps := strings.Join(c.readMultiline(), "\n")
	if !strings.Contains(caps, "STLS") {
		t.Fatalf("STLS not advertised:\n%s", caps)
	}
	if strings.Contains(caps, "USER") {
		t.Errorf("USER advertised before TLS:\n%s", caps)
	}

	c.send("STLS")
	c.expectOK()

	tlsConn := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	c = newPop3Client(t, tlsConn)

	c.send("USER alice@example.com")
	c.expectOK()
	c.send("PASS secret")
	c.expectOK()

	c.send("STAT")
	if line := c.expectOK(); line != "+OK 3 600" {
		t.Errorf("STAT = %q, want +OK 3 600", line)
	}

	c.send("QUIT")
	c.expectOK()
}

func TestRoundTripCleartextOnlyListener(t *testing.T) {
	store := newMockStore()
	addr := startListener(t, config.ModePop3, nil, store)

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = raw.Close() }()
	c := newPop3Client(t, raw)

	c.expectOK() // greeting

	// No TLS material configured: authentication works in cleartext and
	// STLS is not on offer.
	c.send("CAPA")
	c.expectOK()
	caps := strings.Join(c.readMultiline(), "\n")
	if !strings.Contains(caps, "USER") {
		t.Fatalf("USER not advertised on cleartext-only listener:\n%s", caps)
	}
	if strings.Contains(caps, "STLS") {
		t.Errorf("STLS advertised without TLS material:\n%s", caps)
	}

	c.send("USER alice@example.com")
	c.expectOK()
	c.send("PASS secret")
	c.expectOK()

	c.send("STAT")
	if line := c.expectOK(); line != "+OK 3 600" {
		t.Errorf("STAT = %q, want +OK 3 600", line)
	}

	c.send("QUIT")
	c.expectOK()
}

func TestRoundTripAuthPlain(t *testing.T) {
	store := newMockStore()
	tlsCfg := selfSignedTLS(t)
	addr := startListener(t, config.ModePop3s, tlsCfg, store)

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	c := newPop3Client(t, conn)

	c.expectOK() // greeting

	c.send("AUTH PLAIN")
	if line := c.readLine(); !strings.HasPrefix(line, "+ ") {
		t.Fatalf("expected SASL continuation, got %q", line)
	}
	c.send(EncodeSASLChallenge([]byte("\x00alice@example.com\x00secret")))
	c.expectOK()

	c.send("STAT")
	if line := c.expectOK(); line != "+OK 3 600" {
		t.Errorf("STAT = %q, want +OK 3 600", line)
	}

	c.send("QUIT")
	c.expectOK()
}

func TestRoundTripAuthFailuresDropConnection(t *testing.T) {
	store := newMockStore()
	tlsCfg := selfSignedTLS(t)
	addr := startListener(t, config.ModePop3s, tlsCfg, store)

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	c := newPop3Client(t, conn)

	c.expectOK() // greeting

	for i := 0; i < 3; i++ {
		c.send("USER alice@example.com")
		c.expectOK()
		c.send("PASS wrong")
		c.expectErr()
	}

	// Fourth attempt should hit a closed connection.
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	closed := false
	for i := 0; i < 10; i++ {
		if _, err := conn.Write([]byte("NOOP\r\n")); err != nil {
			closed = true
			break
		}
		if _, err := c.r.ReadString('\n'); err != nil {
			closed = true
			break
		}
	}
	if !closed {
		t.Error("connection still open after three authentication failures")
	}
}
