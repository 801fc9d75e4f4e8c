package client

import (
	"strings"
	"testing"
)

func TestDialURLAppendsToken(t *testing.T) {
	tests := []struct {
		name   string
		target StreamTarget
		want   string
	}{
		{
			name:   "existing query",
			target: StreamTarget{URL: "ws://h/ws/pod-logs?podName=vm-42", Token: "a b&c"},
			want:   "ws://h/ws/pod-logs?podName=vm-42&token=a+b%26c",
		},
		{
			name:   "no query",
			target: StreamTarget{URL: "wss://h/ws/terminal/7", Token: "tok"},
			want:   "wss://h/ws/terminal/7?token=tok",
		},
		{
			name:   "no token",
			target: StreamTarget{URL: "ws://h/ws/terminal/7"},
			want:   "ws://h/ws/terminal/7",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.target.DialURL()
			if err != nil {
				t.Fatalf("DialURL() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("DialURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDialURLRejectsHTTP(t *testing.T) {
	if _, err := (StreamTarget{URL: "http://h/ws"}).DialURL(); err == nil {
		t.Fatal("expected error for http scheme")
	}
}

func TestTerminalTarget(t *testing.T) {
	tests := []struct {
		in   string
		id   int64
		want string
	}{
		{"ws://h/ws/pod-logs?podName=vm-42", 0, "ws://h/ws/terminal/42"},
		{"wss://h:9998/lab/ws/pod-logs?podName=vm-42&token=x", 42, "wss://h:9998/lab/ws/terminal/42"},
		{"ws://h", 42, "ws://h/ws/terminal/42"},
	}
	for _, tt := range tests {
		got, err := StreamTarget{URL: tt.in, Token: "t", SessionID: tt.id}.TerminalTarget()
		if err != nil {
			t.Fatalf("TerminalTarget(%q) error: %v", tt.in, err)
		}
		if got.URL != tt.want {
			t.Errorf("TerminalTarget(%q) = %q, want %q", tt.in, got.URL, tt.want)
		}
		if got.Token != "t" || got.SessionID != 42 {
			t.Errorf("target not carried over: %+v", got)
		}
	}
}

func TestTerminalTargetWithoutSessionID(t *testing.T) {
	if _, err := (StreamTarget{URL: "ws://h/ws/pod-logs"}).TerminalTarget(); err == nil {
		t.Fatal("expected error when no session id is known")
	}
}

func TestPodLogsURL(t *testing.T) {
	got, err := PodLogsURL("http://localhost:9998/", 42)
	if err != nil {
		t.Fatal(err)
	}
	if got != "ws://localhost:9998/ws/pod-logs?podName=vm-42" {
		t.Errorf("PodLogsURL() = %q", got)
	}
}

func TestRedacted(t *testing.T) {
	got := StreamTarget{URL: "ws://h/ws/terminal/1?token=secret"}.Redacted()
	if strings.Contains(got, "secret") {
		t.Errorf("Redacted() leaked token: %q", got)
	}
}
