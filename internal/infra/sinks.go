package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eliteGoblin/focusd/actmon/internal/domain"
)

// alertMessage is the wire form shared by the webhook and redis sinks.
type alertMessage struct {
	Timestamp string         `json:"timestamp"`
	Module    string         `json:"module"`
	Severity  string         `json:"severity"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func encodeAlert(a domain.Alert) ([]byte, error) {
	return json.Marshal(alertMessage{
		Timestamp: a.Timestamp.UTC().Format(time.RFC3339Nano),
		Module:    string(a.Module),
		Severity:  string(a.Severity),
		Kind:      a.AlertKind,
		Message:   a.Message,
		Payload:   a.Payload,
	})
}

// ExpandArgv substitutes {kind}, {message}, {severity}, {module} and
// {timestamp} in every argument. Arguments are never passed through a shell.
func ExpandArgv(argv []string, a domain.Alert) []string {
	r := strings.NewReplacer(
		"{kind}", a.AlertKind,
		"{message}", a.Message,
		"{severity}", string(a.Severity),
		"{module}", string(a.Module),
		"{timestamp}", strconv.FormatInt(a.Timestamp.Unix(), 10),
	)
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = r.Replace(arg)
	}
	return out
}

// CommandSink runs a local command per alert, e.g. termux-notification.
type CommandSink struct {
	argv []string
}

// NewCommandSink creates a sink running argv (after placeholder expansion).
func NewCommandSink(argv []string) *CommandSink {
	return &CommandSink{argv: argv}
}

func (s *CommandSink) Name() string { return "command" }

// Deliver runs the command and waits for it.
func (s *CommandSink) Deliver(ctx context.Context, a domain.Alert) error {
	if len(s.argv) == 0 {
		return fmt.Errorf("command sink has no argv")
	}
	argv := ExpandArgv(s.argv, a)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// WebhookSink POSTs the alert as JSON.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink creates a webhook sink. A nil client uses a client with a
// 10s timeout.
func NewWebhookSink(url string, headers map[string]string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: url, headers: headers, client: client}
}

func (s *WebhookSink) Name() string { return "webhook" }

// Deliver posts the alert. Any non-2xx response is an error.
func (s *WebhookSink) Deliver(ctx context.Context, a domain.Alert) error {
	body, err := encodeAlert(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSink sends a plain-text mail per alert over SMTP.
type EmailSink struct {
	addr     string
	auth     smtp.Auth
	from     string
	to       []string
	sendMail SendMailFunc
}

// NewEmailSink creates an email sink. Username empty disables AUTH.
func NewEmailSink(host string, port int, username, password, from string, to []string, send SendMailFunc) *EmailSink {
	if send == nil {
		send = smtp.SendMail
	}
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &EmailSink{
		addr:     fmt.Sprintf("%s:%d", host, port),
		auth:     auth,
		from:     from,
		to:       to,
		sendMail: send,
	}
}

func (s *EmailSink) Name() string { return "email" }

// Deliver sends the mail. smtp.SendMail has no context; the caller's deadline
// only bounds the wait, the send itself may outlive it.
func (s *EmailSink) Deliver(ctx context.Context, a domain.Alert) error {
	msg := s.compose(a)
	done := make(chan error, 1)
	go func() { done <- s.sendMail(s.addr, s.auth, s.from, s.to, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EmailSink) compose(a domain.Alert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] Monitor Alert: %s\r\n", a.Severity, a.AlertKind)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", a.Message)
	fmt.Fprintf(&b, "Module:   %s\r\n", a.Module)
	fmt.Fprintf(&b, "Time:     %s\r\n", a.Timestamp.Format(time.RFC3339))
	if len(a.Payload) > 0 {
		data, _ := json.MarshalIndent(a.Payload, "", "  ")
		fmt.Fprintf(&b, "\r\n%s\r\n", data)
	}
	return []byte(b.String())
}

// redisClient is the subset of *redis.Client the sink uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// RedisSink publishes alerts on a channel and/or keeps the most recent ones in
// a capped list, for dashboards running elsewhere.
type RedisSink struct {
	client  redisClient
	channel string
	listKey string
	maxLen  int64
}

// NewRedisSink connects to url (redis://...).
func NewRedisSink(url, channel, listKey string, maxLen int64) (*RedisSink, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return newRedisSinkWithClient(redis.NewClient(opt), channel, listKey, maxLen), nil
}

func newRedisSinkWithClient(c redisClient, channel, listKey string, maxLen int64) *RedisSink {
	return &RedisSink{client: c, channel: channel, listKey: listKey, maxLen: maxLen}
}

func (s *RedisSink) Name() string { return "redis" }

// Deliver publishes and/or pushes the alert.
func (s *RedisSink) Deliver(ctx context.Context, a domain.Alert) error {
	body, err := encodeAlert(a)
	if err != nil {
		return err
	}
	if s.channel != "" {
		if err := s.client.Publish(ctx, s.channel, body).Err(); err != nil {
			return fmt.Errorf("redis publish failed: %w", err)
		}
	}
	if s.listKey != "" {
		if err := s.client.LPush(ctx, s.listKey, body).Err(); err != nil {
			return fmt.Errorf("redis lpush failed: %w", err)
		}
		if s.maxLen > 0 {
			if err := s.client.LTrim(ctx, s.listKey, 0, s.maxLen-1).Err(); err != nil {
				return fmt.Errorf("redis ltrim failed: %w", err)
			}
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

var (
	_ domain.ActionSink = (*CommandSink)(nil)
	_ domain.ActionSink = (*WebhookSink)(nil)
	_ domain.ActionSink = (*EmailSink)(nil)
	_ domain.ActionSink = (*RedisSink)(nil)
)
