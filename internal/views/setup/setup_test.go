package setup

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func settle(t *testing.T, m Model) Model {
	t.Helper()
	for i := 0; i < 10*fps && m.animating; i++ {
		prev := m.shown
		m, _ = m.Update(FrameMsg{})
		if m.shown < prev {
			t.Fatalf("bar moved backwards: %.2f -> %.2f", prev, m.shown)
		}
		if m.shown > float64(m.Target) {
			t.Fatalf("bar overshot target: %.2f > %d", m.shown, m.Target)
		}
	}
	return m
}

func TestProgressAnimatesToTarget(t *testing.T) {
	m := New()
	if cmd := m.SetProgress(35, "Compute allocated", "VM resources created"); cmd == nil {
		t.Fatal("expected animation command")
	}
	m = settle(t, m)
	if m.Shown() != 35 {
		t.Errorf("Shown() = %.2f, want 35", m.Shown())
	}
	if m.animating {
		t.Error("animation did not stop")
	}
}

func TestProgressNeverLowered(t *testing.T) {
	m := New()
	m.SetProgress(85, "Environment configured", "")
	m = settle(t, m)
	m.SetProgress(20, "Provisioning compute", "Creating VM")
	if m.Target != 85 {
		t.Errorf("Target = %d, want 85", m.Target)
	}
	if m.LastMessage != "Creating VM" {
		t.Errorf("LastMessage = %q", m.LastMessage)
	}
}

func TestResetStartsOver(t *testing.T) {
	m := New()
	m.SetProgress(100, "Ready", "")
	m = settle(t, m)
	m.Reset()
	if m.Target != 0 || m.Shown() != 0 {
		t.Errorf("after Reset target=%d shown=%.2f", m.Target, m.Shown())
	}
}

func TestQuoteRotates(t *testing.T) {
	m := New()
	m, _ = m.Update(QuoteMsg{})
	if m.quote != 1 {
		t.Errorf("quote = %d, want 1", m.quote)
	}
	for i := 0; i < len(quotes); i++ {
		m, _ = m.Update(QuoteMsg{})
	}
	if m.quote != 1 {
		t.Errorf("quote did not wrap: %d", m.quote)
	}
}

func TestView(t *testing.T) {
	m := New()
	m.Width = 80
	m.SetProgress(55, "Runtime started", "VM is now running")
	m = settle(t, m)
	v := m.View()
	for _, want := range []string{"55%", "Runtime started", "VM is now running"} {
		if !strings.Contains(v, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"Setup completed", 40, "Setup completed"},
		{"Installing packages", 10, "Install..."},
		{"line one\nline two", 40, "line one line two"},
		{"Môi trường sẵn sàng", 9, "Môi tr..."},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.n)
		}
	}
}
