package progress

import "testing"

func TestClassifyBands(t *testing.T) {
	tests := []struct {
		message string
		kind    Kind
		want    int
		phase   string
	}{
		{"Connected to log stream", KindInfo, 10, PhaseConnecting},
		{"Creating VM vm-42", KindProgress, 20, PhaseProvisioning},
		{"Đang tạo VM", KindInfo, 20, PhaseProvisioning},
		{"VM resources created successfully", KindSuccess, 35, PhaseAllocated},
		{"Waiting for VM to boot", KindInfo, 45, PhaseWaiting},
		{"Pod is running on node-3", KindInfo, 55, PhaseStarted},
		{"Executing setup step 2/5", KindInfo, 65, PhaseInstalling},
		{"Setup completed", KindSuccess, 85, PhaseConfigured},
		{"Environment is ready", KindSuccess, 100, PhaseReady},
		{"Lab sẵn sàng", KindInfo, 100, PhaseReady},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			got := Classify(tt.message, tt.kind, 0)
			if got.Percentage != tt.want {
				t.Errorf("Classify(%q).Percentage = %d, want %d", tt.message, got.Percentage, tt.want)
			}
			if got.Phase != tt.phase {
				t.Errorf("Classify(%q).Phase = %q, want %q", tt.message, got.Phase, tt.phase)
			}
		})
	}
}

func TestClassifyReadyAlwaysComplete(t *testing.T) {
	messages := []string{"ready", "READY", "Your lab is ready!", "Môi trường đã sẵn sàng", "pod ready, waiting"}
	for _, msg := range messages {
		for _, prev := range []int{0, 10, 55, 99, 100} {
			got := Classify(msg, KindInfo, prev)
			if got.Percentage != 100 {
				t.Errorf("Classify(%q, prev=%d) = %d, want 100", msg, prev, got.Percentage)
			}
		}
	}
}

func TestClassifyUnmatchedKeepsPrevious(t *testing.T) {
	messages := []string{"", "pulling image layer 3/7", "apt-get install curl", "???"}
	for _, msg := range messages {
		for _, prev := range []int{0, 20, 45, 85, 100} {
			got := Classify(msg, KindInfo, prev)
			if got.Percentage != prev {
				t.Errorf("Classify(%q, prev=%d) = %d, want unchanged", msg, prev, got.Percentage)
			}
		}
	}
}

func TestClassifyNeverGoesBackward(t *testing.T) {
	got := Classify("Creating VM", KindInfo, 65)
	if got.Percentage != 65 {
		t.Errorf("earlier band after later one: got %d, want 65", got.Percentage)
	}
	if got.Phase != PhaseInstalling {
		t.Errorf("Phase = %q, want %q", got.Phase, PhaseInstalling)
	}
}

func TestClassifyWarningAndErrorFreeze(t *testing.T) {
	for _, kind := range []Kind{KindWarning, KindError} {
		got := Classify("setup completed, lab is ready", kind, 45)
		if got.Percentage != 45 {
			t.Errorf("kind %s: Percentage = %d, want 45", kind, got.Percentage)
		}
	}
}

func TestClassifyConnectionKind(t *testing.T) {
	got := Classify("hello", KindConnection, 0)
	if got.Percentage != 10 {
		t.Errorf("connection kind: got %d, want 10", got.Percentage)
	}
	got = Classify("hello", KindConnection, 35)
	if got.Percentage != 35 {
		t.Errorf("connection kind after progress: got %d, want 35", got.Percentage)
	}
}

func TestClassifyTerminalReadyKind(t *testing.T) {
	got := Classify("switching to shell", KindTerminalReady, 20)
	if got.Percentage != 100 || got.Phase != PhaseReady {
		t.Errorf("terminal_ready: got %+v", got)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	a := Classify("Waiting for pod", KindInfo, 20)
	b := Classify("Waiting for pod", KindInfo, 20)
	if a != b {
		t.Errorf("same inputs gave %+v and %+v", a, b)
	}
}

func TestPhaseFor(t *testing.T) {
	tests := []struct {
		pct  int
		want string
	}{
		{0, PhasePending},
		{5, PhasePending},
		{10, PhaseConnecting},
		{30, PhaseProvisioning},
		{60, PhaseStarted},
		{100, PhaseReady},
	}
	for _, tt := range tests {
		if got := PhaseFor(tt.pct); got != tt.want {
			t.Errorf("PhaseFor(%d) = %q, want %q", tt.pct, got, tt.want)
		}
	}
}

func TestClamp(t *testing.T) {
	if Clamp(-5) != 0 || Clamp(150) != 100 || Clamp(42) != 42 {
		t.Error("Clamp out of range")
	}
}
