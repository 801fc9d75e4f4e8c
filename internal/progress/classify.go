// Package progress maps free-text provisioning log lines to a normalized
// completion percentage and a human-readable phase label.
//
// Classification is a pure function of its inputs; no state is kept between
// calls.
package progress

import "strings"

// Kind is the type tag carried by a provisioning frame.
type Kind string

const (
	KindConnection    Kind = "connection"
	KindInfo          Kind = "info"
	KindSuccess       Kind = "success"
	KindWarning       Kind = "warning"
	KindError         Kind = "error"
	KindProgress      Kind = "progress"
	KindTerminalReady Kind = "terminal_ready"
)

// Phase labels, in pipeline order.
const (
	PhasePending      = "Preparing"
	PhaseConnecting   = "Connecting"
	PhaseProvisioning = "Provisioning compute"
	PhaseAllocated    = "Compute allocated"
	PhaseWaiting      = "Waiting for runtime"
	PhaseStarted      = "Runtime started"
	PhaseInstalling   = "Installing environment"
	PhaseConfigured   = "Environment configured"
	PhaseReady        = "Ready"
)

// Complete is the percentage at which provisioning is finished.
const Complete = 100

// Result is the outcome of classifying one message.
type Result struct {
	Percentage int
	Phase      string
}

type band struct {
	keywords   []string
	percentage int
	phase      string
}

// bands is matched in order; the first band with a matching keyword wins.
// The ready band is checked first so that any message announcing readiness
// completes the pipeline.
var bands = []band{
	{[]string{"ready", "sẵn sàng", "environment is ready", "lab is ready"}, 100, PhaseReady},
	{[]string{"connected", "kết nối"}, 10, PhaseConnecting},
	{[]string{"creating vm", "creating resources", "đang tạo vm", "tạo vm"}, 20, PhaseProvisioning},
	{[]string{"vm resources created", "resources created", "tạo thành công"}, 35, PhaseAllocated},
	{[]string{"waiting for vm", "waiting for pod", "đang chờ vm"}, 45, PhaseWaiting},
	{[]string{"vm is now running", "pod is running", "vm đang chạy", "running:"}, 55, PhaseStarted},
	{[]string{"starting setup", "executing setup", "setup steps execution", "đang cài đặt"}, 65, PhaseInstalling},
	{[]string{"setup completed", "setup successfully", "hoàn tất cài đặt"}, 85, PhaseConfigured},
}

// Classify returns the percentage and phase label for message.
//
// The returned percentage is never lower than previous: warning and error
// events, and messages matching no band, leave it unchanged, and a match
// against an earlier band than the one already reached is ignored.
func Classify(message string, kind Kind, previous int) Result {
	previous = Clamp(previous)
	switch kind {
	case KindWarning, KindError:
		return Result{Percentage: previous, Phase: PhaseFor(previous)}
	case KindTerminalReady:
		return Result{Percentage: Complete, Phase: PhaseReady}
	}

	lower := strings.ToLower(message)
	pct := -1
	for _, b := range bands {
		if containsAny(lower, b.keywords) {
			pct = b.percentage
			break
		}
	}
	if pct < 0 && kind == KindConnection {
		pct = 10
	}
	if pct < previous {
		pct = previous
	}
	return Result{Percentage: pct, Phase: PhaseFor(pct)}
}

// PhaseFor returns the label of the highest band at or below pct.
func PhaseFor(pct int) string {
	label := PhasePending
	best := 0
	for _, b := range bands {
		if b.percentage <= pct && b.percentage > best {
			best = b.percentage
			label = b.phase
		}
	}
	return label
}

// Clamp bounds pct to the 0..100 range.
func Clamp(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > Complete {
		return Complete
	}
	return pct
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
