package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sample(to protocol.State) protocol.Transition {
	return protocol.Transition{
		ThreadID:    "<m1@mail>",
		TicketID:    "TICKET-20261005-001",
		Title:       "Blue login button",
		From:        protocol.StateSanitizing,
		To:          to,
		RequestedBy: "alice@example.com",
		Reason:      "Secret detected (password)",
		Plan:        "1. a\n2. b\n3. c\n4. d\n5. e\n6. f",
	}
}

func TestSummary(t *testing.T) {
	s := Summary(sample(protocol.StateBlocked))
	if !strings.HasPrefix(s, "**TICKET-20261005-001** Blue login button: `SANITIZING` → `BLOCKED` (from alice@example.com)") {
		t.Errorf("summary = %q", s)
	}
	if !strings.Contains(s, "Secret detected") {
		t.Error("blocked summary should carry the reason")
	}

	plan := Summary(sample(protocol.StateAwaitingApproval))
	if !strings.Contains(plan, "5. e\n…") || strings.Contains(plan, "6. f") {
		t.Errorf("plan excerpt = %q", plan)
	}

	tr := sample(protocol.StateCompleted)
	tr.TicketID = ""
	tr.PRURL = "https://example.com/pr/1"
	done := Summary(tr)
	if !strings.HasPrefix(done, "**<m1@mail>**") || !strings.Contains(done, "[Pull request](https://example.com/pr/1)") {
		t.Errorf("completed summary = %q", done)
	}
}

type countingNotifier struct {
	n   int
	err error
}

func (c *countingNotifier) Notify(context.Context, protocol.Transition) error {
	c.n++
	return c.err
}

func TestMultiAndFilter(t *testing.T) {
	a := &countingNotifier{}
	b := &countingNotifier{err: errors.New("down")}
	m := Multi{a, b}
	if err := m.Notify(context.Background(), sample(protocol.StateCoding)); err == nil {
		t.Error("expected joined error")
	}
	if a.n != 1 || b.n != 1 {
		t.Errorf("calls a=%d b=%d", a.n, b.n)
	}

	f := Filter{Next: a, States: []protocol.State{protocol.StateBlocked, protocol.StateCompleted}}
	f.Notify(context.Background(), sample(protocol.StateCoding))
	f.Notify(context.Background(), sample(protocol.StateBlocked))
	if a.n != 2 {
		t.Errorf("filter passed %d notices, want 1", a.n-1)
	}
}

func TestMarkdownToMrkdwn(t *testing.T) {
	tests := []struct{ in, want string }{
		{"**bold** and *it*", "*bold* and _it_"},
		{"`a*b` *x*", "`a*b` _x_"},
		{"~~gone~~", "~gone~"},
		{"see [PR](https://x/1)", "see <https://x/1|PR>"},
	}
	for _, tt := range tests {
		if got := MarkdownToMrkdwn(tt.in); got != tt.want {
			t.Errorf("MarkdownToMrkdwn(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMarkdownToTelegramHTML(t *testing.T) {
	tests := []struct{ in, want string }{
		{"**T-1** a < b", "<b>T-1</b> a &lt; b"},
		{"`<x>` *i*", "<code>&lt;x&gt;</code> <i>i</i>"},
		{"```\n**not bold**\n```", "<pre>**not bold**</pre>"},
		{"[PR](https://x/1)", `<a href="https://x/1">PR</a>`},
	}
	for _, tt := range tests {
		if got := MarkdownToTelegramHTML(tt.in); got != tt.want {
			t.Errorf("MarkdownToTelegramHTML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := StripMarkdown("**a** `b` [c](d)"); got != "a b c (d)" {
		t.Errorf("StripMarkdown = %q", got)
	}
}

func TestSlack_Notify(t *testing.T) {
	var mu sync.Mutex
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat.postMessage") {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		mu.Lock()
		form = map[string]string{"channel": r.FormValue("channel"), "text": r.FormValue("text")}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true,"channel":"C123","ts":"1700000000.000100"}`)
	}))
	defer srv.Close()

	s, err := NewSlack(SlackConfig{BotToken: "xoxb-test", Channel: "C123", APIURL: srv.URL + "/api"}, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Notify(context.Background(), sample(protocol.StateBlocked)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if form["channel"] != "C123" || !strings.HasPrefix(form["text"], "*TICKET-20261005-001*") {
		t.Errorf("posted %+v", form)
	}
}

func TestSlack_Validation(t *testing.T) {
	if _, err := NewSlack(SlackConfig{Channel: "C1"}, nil); err == nil {
		t.Error("expected missing token error")
	}
	if _, err := NewSlack(SlackConfig{BotToken: "x"}, nil); err == nil {
		t.Error("expected missing channel error")
	}
}

func TestTelegram_Notify(t *testing.T) {
	var sent []map[string]string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"crafter","username":"crafter_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			r.ParseForm()
			mu.Lock()
			sent = append(sent, map[string]string{
				"chat_id":    r.FormValue("chat_id"),
				"text":       r.FormValue("text"),
				"parse_mode": r.FormValue("parse_mode"),
			})
			first := len(sent) == 1
			mu.Unlock()
			if first {
				// Reject the HTML attempt to exercise the plain-text fallback.
				json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: can't parse entities"})
				return
			}
			io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"group"}}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", ChatID: 42, APIEndpoint: srv.URL + "/bot%s/%s"}, srv.Client(), quiet())
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	if err := tg.Notify(context.Background(), sample(protocol.StateBlocked)); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 2 {
		t.Fatalf("sendMessage calls = %d, want 2", len(sent))
	}
	if sent[0]["parse_mode"] != "HTML" || !strings.Contains(sent[0]["text"], "<b>TICKET-20261005-001</b>") {
		t.Errorf("html attempt = %+v", sent[0])
	}
	if sent[1]["parse_mode"] != "" || strings.Contains(sent[1]["text"], "**") || sent[1]["chat_id"] != "42" {
		t.Errorf("plain fallback = %+v", sent[1])
	}
}

func TestTelegram_RequiresChat(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{Token: "x"}, nil, nil); err == nil {
		t.Error("expected error")
	}
}
