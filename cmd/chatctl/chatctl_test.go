package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/session"
)

func TestWSURL(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/ws"},
		{in: "https://chat.example.com/", want: "wss://chat.example.com/ws"},
		{in: "http://host/prefix?x=1", want: "ws://host/prefix/ws"},
		{in: "ftp://host", wantErr: true},
		{in: "http://", wantErr: true},
	}
	for _, tc := range cases {
		got, err := wsURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("wsURL(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("wsURL(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestParseLine(t *testing.T) {
	cases := []struct {
		in   string
		name string
		args []string
	}{
		{in: "   ", name: ""},
		{in: "hello there", name: "say", args: []string{"hello there"}},
		{in: "/React m1 👍", name: "react", args: []string{"m1", "👍"}},
		{in: "//not a command", name: "say", args: []string{"/not a command"}},
		{in: "/", name: ""},
	}
	for _, tc := range cases {
		got := parseLine(tc.in)
		if got.name != tc.name || len(got.args) != len(tc.args) {
			t.Fatalf("parseLine(%q) = %+v", tc.in, got)
		}
		for i := range tc.args {
			if got.arg(i) != tc.args[i] {
				t.Fatalf("parseLine(%q) arg %d = %q", tc.in, i, got.arg(i))
			}
		}
	}
	if (command{}).arg(3) != "" {
		t.Fatalf("missing arg should be empty")
	}
}

func TestFormatters(t *testing.T) {
	m := &domain.Message{
		ID: "m1", ChatID: "room1", Sender: "a", Content: "hi",
		Timestamp: time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC),
		Status:    domain.StatusDelivered,
		Reactions: map[string][]string{"👍": {"b", "c"}},
		Edited:    true,
	}
	if got := formatMessage(m); got != "[room1] 12:00:05 a: hi (delivered) edited 👍2" {
		t.Fatalf("formatMessage = %q", got)
	}
	if got := formatDelivery(session.Delivery{Op: domain.OpInsert, Source: session.SourceFeed, Message: m}); !strings.HasSuffix(got, "via feed") {
		t.Fatalf("insert delivery = %q", got)
	}
	if got := formatDelivery(session.Delivery{Op: domain.OpDelete, Message: m}); got != "- [room1] m1 deleted" {
		t.Fatalf("delete delivery = %q", got)
	}
	if got := formatTyping(session.TypingChange{ChatID: "room1", Typers: []string{"b", "c"}}); got != "  [room1] b, c are typing" {
		t.Fatalf("typing = %q", got)
	}
	if got := formatTyping(session.TypingChange{ChatID: "room1"}); !strings.Contains(got, "nobody") {
		t.Fatalf("typing empty = %q", got)
	}
}

func TestPrintPresence(t *testing.T) {
	var buf bytes.Buffer
	printPresence(&buf, []domain.Presence{
		{UserID: "a", Status: domain.PresenceOnline, LastSeen: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
	})
	if !strings.Contains(buf.String(), "online") || !strings.Contains(buf.String(), "2024-01-01T12:00:00Z") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestRootCmd_RequiresUserForSend(t *testing.T) {
	t.Setenv("CHAT_USER", "")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"send", "--chat", "room1", "hello"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "--user") {
		t.Fatalf("expected missing user error, got %v", err)
	}
}

func TestGlobals_APIURL(t *testing.T) {
	g := &globals{server: "http://h:1", basePath: "/api/v1"}
	if got := g.apiURL(); got != "http://h:1/api/v1" {
		t.Fatalf("apiURL = %q", got)
	}
	g.basePath = "/"
	if got := g.apiURL(); got != "http://h:1" {
		t.Fatalf("root apiURL = %q", got)
	}
}
