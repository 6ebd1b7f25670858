package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/infodancer/m365gw/internal/config"
	"github.com/infodancer/m365gw/internal/gateway"
	"github.com/infodancer/m365gw/internal/logging"
	"github.com/infodancer/m365gw/internal/mailbox"
)

func runCheckConfig() {
	cfg, flags := loadConfig()

	path := flags.ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	fmt.Printf("config file:      %s\n", path)
	fmt.Printf("upstream user:    %s\n", cfg.User)
	fmt.Printf("client id:        %s\n", cfg.ClientID)
	fmt.Printf("tenant id:        %s\n", cfg.TenantID)

	proxy, err := cfg.ProxyURL()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid proxy configuration: %v\n", err)
		os.Exit(exitConfigError)
	}
	if proxy != nil {
		fmt.Printf("https proxy:      %s\n", config.SanitizeURL(proxy))
	} else {
		fmt.Printf("https proxy:      (direct)\n")
	}

	var listeners []string
	for _, l := range cfg.Listeners() {
		listeners = append(listeners, fmt.Sprintf("%s/%s", l.Address, l.Mode))
	}
	fmt.Printf("listeners:        %s\n", strings.Join(listeners, ", "))
	fmt.Printf("tls:              %v\n", cfg.TLSEnabled())
	fmt.Printf("attachment limit: %d MB\n", cfg.AttachmentLimitMB)
	fmt.Printf("queue dir:        %s\n", cfg.QueueDir)
	fmt.Printf("token store:      %s\n", cfg.TokenPath)
	fmt.Printf("metrics:          %v\n", cfg.Metrics.Enabled)

	fmt.Printf("mailboxes:        %d\n", len(cfg.Mailboxes))
	for _, m := range cfg.Mailboxes {
		fmt.Printf("  %s (folder %s, mark-read %v, delete %v)\n",
			m.Username, m.Folder(), m.MarkReadEnabled(), m.DeleteAfterFetch)
	}

	fmt.Println("configuration OK")
}

func runHash() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: m365gw hash PASSWORD")
		os.Exit(exitConfigError)
	}

	hash, err := mailbox.HashPassword(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error hashing password: %v\n", err)
		os.Exit(exitConfigError)
	}
	fmt.Println(hash)
}

func runTest() {
	cfg, _ := loadConfig()
	logger := logging.NewLogger(cfg.Logging.LogLevel)

	if len(cfg.Mailboxes) == 0 {
		fmt.Fprintln(os.Stderr, "no mailboxes configured; nothing to send from")
		os.Exit(exitConfigError)
	}
	from := cfg.Mailboxes[0].Username
	to := cfg.User

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error building gateway: %v\n", err)
		os.Exit(exitConfigError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := gw.CheckStartup(ctx); err != nil {
		if errors.Is(err, gateway.ErrAuthRequired) {
			fmt.Fprintf(os.Stderr, "%v\nrun 'm365gw login' to sign in\n", err)
			os.Exit(exitAuthRequired)
		}
		fmt.Fprintf(os.Stderr, "startup check failed: %v\n", err)
		os.Exit(exitGraphError)
	}

	raw := testMessage(from, to)
	fmt.Printf("sending test message from %s to %s...\n", from, to)

	if err := gw.Graph().SendMail(ctx, from, []string{to}, raw); err != nil {
		fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		os.Exit(exitGraphError)
	}
	fmt.Println("test message accepted by the upstream endpoint")
}

// testMessage builds a minimal RFC 5322 message for the test send.
func testMessage(from, to string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: <%s>\r\n", from)
	fmt.Fprintf(&b, "To: <%s>\r\n", to)
	fmt.Fprintf(&b, "Subject: m365gw test message\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@m365gw>\r\n", uuid.NewString())
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "\r\n")
	fmt.Fprintf(&b, "This is a test message sent through the gateway at %s.\r\n",
		time.Now().Format(time.RFC1123Z))
	return []byte(b.String())
}
