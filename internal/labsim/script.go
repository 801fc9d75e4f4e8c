package labsim

import "fmt"

// Provisioning scenarios.
const (
	ScenarioSteady = "steady"
	ScenarioError  = "error"
	ScenarioFlaky  = "flaky"
	ScenarioDrop   = "drop"
)

// Frame is one provisioning log message.
type Frame struct {
	Type     string         `json:"type"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Data is the legacy metadata field some deployments still send.
	Data map[string]any `json:"data,omitempty"`
}

// Step is one scripted action on the provisioning stream.
type Step struct {
	Frame *Frame
	// Raw is sent verbatim instead of a Frame.
	Raw string
	// Drop closes the connection without a close handshake.
	Drop bool
}

func frame(kind, format string, args ...any) Step {
	return Step{Frame: &Frame{Type: kind, Message: fmt.Sprintf(format, args...)}}
}

func percent(kind, msg string, pct float64) Step {
	return Step{Frame: &Frame{Type: kind, Message: msg, Metadata: map[string]any{"percentage": pct}}}
}

var scripts = map[string]func(pod string) []Step{
	ScenarioSteady: func(pod string) []Step {
		return []Step{
			frame("info", "Creating VM %s", pod),
			frame("success", "VM resources created"),
			frame("info", "Waiting for VM %s to start", pod),
			frame("success", "VM is now running: %s", pod),
			percent("progress", "Installing packages", 70),
			frame("info", "Starting setup: installing lab tools"),
			frame("success", "Setup completed"),
			frame("terminal_ready", "Terminal ready"),
		}
	},
	ScenarioError: func(pod string) []Step {
		return []Step{
			frame("info", "Creating VM %s", pod),
			frame("warning", "Scheduling delayed: cluster busy"),
			frame("error", "Provisioning failed: quota exceeded"),
		}
	},
	ScenarioFlaky: func(pod string) []Step {
		return []Step{
			frame("info", "Creating VM %s", pod),
			{Raw: "<<garbled frame>>"},
			frame("warning", "Image pull slow, retrying"),
			{Frame: &Frame{Type: "progress", Message: "Configuring network", Data: map[string]any{"percentage": 45}}},
			percent("progress", "Installing packages", 80),
			frame("success", "Setup completed"),
			frame("terminal_ready", "Terminal ready"),
		}
	},
	ScenarioDrop: func(pod string) []Step {
		return []Step{
			frame("info", "Creating VM %s", pod),
			frame("success", "VM resources created"),
			{Drop: true},
		}
	},
}

// Script returns the steps of scenario for pod. Unknown scenarios fall back
// to steady.
func Script(scenario, pod string) []Step {
	fn, ok := scripts[scenario]
	if !ok {
		fn = scripts[ScenarioSteady]
	}
	return fn(pod)
}

// KnownScenario reports whether name selects a provisioning script.
func KnownScenario(name string) bool {
	_, ok := scripts[name]
	return ok
}
