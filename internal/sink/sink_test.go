package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devblac/chain-feed/internal/config"
)

func TestSlackSenderRendersTemplate(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		got = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewSlackSender(server.URL, "{{.Icon}} {{.Summary}} {{short_addr .Content}}")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	err = sender.Send(context.Background(), EntryPayload{
		FeedID: "local", Icon: "bell", Summary: "erc20:Transfer (block: 11)", Content: "0x1234567890abcdef",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(got), &body); err != nil {
		t.Fatalf("decode body %q: %v", got, err)
	}
	if body["text"] != "bell erc20:Transfer (block: 11) 0x1234...cdef" {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestDefaultTemplate(t *testing.T) {
	tmpl, err := parseTemplate("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := executeTemplate(tmpl, EntryPayload{FeedID: "local", Summary: "a:b (block: 1)", Content: "[]"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "[local] a:b (block: 1) []" {
		t.Fatalf("unexpected render %q", out)
	}
}

func TestIndentJSON(t *testing.T) {
	tmpl, err := parseTemplate("{{indent_json .Content}}")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out, err := executeTemplate(tmpl, EntryPayload{Content: `{"a":1}`})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "{\n  \"a\": 1\n}" {
		t.Fatalf("unexpected render %q", out)
	}
}

func TestWebhookStatusFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, http.MethodPost, "msg", nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	err = sender.Send(context.Background(), EntryPayload{FeedID: "f"})
	if err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestBuild(t *testing.T) {
	cases := []struct {
		name    string
		sink    config.Sink
		wantErr bool
	}{
		{name: "log", sink: config.Sink{ID: "console", Type: "log"}},
		{name: "slack", sink: config.Sink{ID: "ops", Type: "slack", WebhookURL: "http://example.invalid"}},
		{name: "webhook missing url", sink: config.Sink{ID: "hook", Type: "webhook"}, wantErr: true},
		{name: "mqtt", sink: config.Sink{ID: "broker", Type: "mqtt", Broker: "tcp://localhost:1883", Topic: "chain-feed/entries"}},
		{name: "mqtt missing topic", sink: config.Sink{ID: "broker", Type: "mqtt", Broker: "tcp://localhost:1883"}, wantErr: true},
		{name: "bad template", sink: config.Sink{ID: "t", Type: "teams", WebhookURL: "http://x", Template: "{{"}, wantErr: true},
		{name: "unknown", sink: config.Sink{ID: "x", Type: "pager"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.sink, nil)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestLogSender(t *testing.T) {
	var buf strings.Builder
	log := newTestLogger(&buf)
	if err := NewLogSender(log).Send(context.Background(), EntryPayload{FeedID: "local", Summary: "a:b (block: 2)"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(buf.String(), `"summary":"a:b (block: 2)"`) {
		t.Fatalf("unexpected log output %s", buf.String())
	}
}
