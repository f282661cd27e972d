package tasks

import (
	"testing"

	"fleetd/internal/model"
)

func TestIsTerminal(t *testing.T) {
	terminal := []model.TaskStatus{
		model.TaskStatusCompleted,
		model.TaskStatusFailed,
		model.TaskStatusTimeout,
		model.TaskStatusCancelled,
	}
	for _, status := range terminal {
		if !IsTerminal(status) {
			t.Errorf("Expected %s to be terminal", status)
		}
	}

	live := []model.TaskStatus{
		model.TaskStatusPending,
		model.TaskStatusInProgress,
		model.TaskStatusRunning,
	}
	for _, status := range live {
		if IsTerminal(status) {
			t.Errorf("Expected %s to be non-terminal", status)
		}
	}
}

func TestDeploymentOutcome(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		allowed  []int
		want     model.TaskStatus
	}{
		{
			name:     "exit 0 with default allow-list",
			exitCode: 0,
			allowed:  nil,
			want:     model.TaskStatusCompleted,
		},
		{
			name:     "exit 1 with default allow-list",
			exitCode: 1,
			allowed:  nil,
			want:     model.TaskStatusFailed,
		},
		{
			name:     "reboot-pending installer exit 3010 when allowed",
			exitCode: 3010,
			allowed:  []int{0, 3010},
			want:     model.TaskStatusCompleted,
		},
		{
			name:     "reboot-initiated installer exit 1641 when allowed",
			exitCode: 1641,
			allowed:  []int{0, 3010, 1641},
			want:     model.TaskStatusCompleted,
		},
		{
			name:     "exit 3010 without allow-list entry",
			exitCode: 3010,
			allowed:  []int{0},
			want:     model.TaskStatusFailed,
		},
		{
			name:     "empty allow-list falls back to [0]",
			exitCode: 0,
			allowed:  []int{},
			want:     model.TaskStatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeploymentOutcome(tt.exitCode, tt.allowed); got != tt.want {
				t.Errorf("DeploymentOutcome(%d, %v) = %v, want %v", tt.exitCode, tt.allowed, got, tt.want)
			}
		})
	}
}

func TestCommandOutcome(t *testing.T) {
	if got := CommandOutcome(0); got != model.TaskStatusCompleted {
		t.Errorf("CommandOutcome(0) = %v, want completed", got)
	}
	if got := CommandOutcome(1); got != model.TaskStatusFailed {
		t.Errorf("CommandOutcome(1) = %v, want failed", got)
	}
	// Commands have no allow-list; 3010 is a failure here.
	if got := CommandOutcome(3010); got != model.TaskStatusFailed {
		t.Errorf("CommandOutcome(3010) = %v, want failed", got)
	}
}

func TestReportableStatus(t *testing.T) {
	reportable := []model.TaskStatus{
		model.TaskStatusInProgress,
		model.TaskStatusRunning,
		model.TaskStatusCompleted,
		model.TaskStatusFailed,
		model.TaskStatusTimeout,
		model.TaskStatusCancelled,
	}
	for _, status := range reportable {
		if !ReportableStatus(status) {
			t.Errorf("Expected %s to be reportable", status)
		}
	}

	if ReportableStatus(model.TaskStatusPending) {
		t.Error("Pending must not be reportable; rows only enter it at creation")
	}
	if ReportableStatus(model.TaskStatus("exploded")) {
		t.Error("Unknown status strings must not be reportable")
	}
}

func TestTransition(t *testing.T) {
	exitOK := 0
	exitBad := 1

	tests := []struct {
		name     string
		current  model.TaskStatus
		reported model.TaskStatus
		exitCode *int
		want     model.TaskStatus
		wantNoop bool
		wantErr  error
	}{
		{
			name:     "claimed row completes",
			current:  model.TaskStatusRunning,
			reported: model.TaskStatusCompleted,
			exitCode: &exitOK,
			want:     model.TaskStatusCompleted,
		},
		{
			name:     "completed claim contradicted by exit code",
			current:  model.TaskStatusInProgress,
			reported: model.TaskStatusCompleted,
			exitCode: &exitBad,
			want:     model.TaskStatusFailed,
		},
		{
			name:     "pending report never claws a claimed row back",
			current:  model.TaskStatusInProgress,
			reported: model.TaskStatusPending,
			wantErr:  ErrStatusInvalid,
		},
		{
			name:     "junk status rejected before it reaches storage",
			current:  model.TaskStatusRunning,
			reported: model.TaskStatus("exploded"),
			wantErr:  ErrStatusInvalid,
		},
		{
			name:     "duplicate terminal report is a no-op",
			current:  model.TaskStatusCompleted,
			reported: model.TaskStatusCompleted,
			exitCode: &exitOK,
			want:     model.TaskStatusCompleted,
			wantNoop: true,
		},
		{
			name:     "conflicting report against a terminal row",
			current:  model.TaskStatusCompleted,
			reported: model.TaskStatusFailed,
			exitCode: &exitBad,
			wantErr:  ErrTerminalState,
		},
		{
			name:     "late success against a swept-out timeout",
			current:  model.TaskStatusTimeout,
			reported: model.TaskStatusCompleted,
			exitCode: &exitOK,
			wantErr:  ErrTerminalState,
		},
		{
			name:     "duplicate after server-side recompute is still a no-op",
			current:  model.TaskStatusFailed,
			reported: model.TaskStatusCompleted,
			exitCode: &exitBad,
			want:     model.TaskStatusFailed,
			wantNoop: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, noop, err := Transition(tt.current, tt.reported, tt.exitCode, CommandOutcome)
			if err != tt.wantErr {
				t.Fatalf("Transition() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if got != tt.want {
				t.Errorf("Transition() status = %v, want %v", got, tt.want)
			}
			if noop != tt.wantNoop {
				t.Errorf("Transition() noop = %v, want %v", noop, tt.wantNoop)
			}
		})
	}
}

func TestResolveReported(t *testing.T) {
	exitOK := 0
	exitBad := 1

	outcome := func(code int) model.TaskStatus { return CommandOutcome(code) }

	tests := []struct {
		name     string
		reported model.TaskStatus
		exitCode *int
		want     model.TaskStatus
	}{
		{
			name:     "completed report with matching exit code",
			reported: model.TaskStatusCompleted,
			exitCode: &exitOK,
			want:     model.TaskStatusCompleted,
		},
		{
			name:     "completed report contradicted by exit code",
			reported: model.TaskStatusCompleted,
			exitCode: &exitBad,
			want:     model.TaskStatusFailed,
		},
		{
			name:     "failed report contradicted by exit code",
			reported: model.TaskStatusFailed,
			exitCode: &exitOK,
			want:     model.TaskStatusCompleted,
		},
		{
			name:     "timeout passes through",
			reported: model.TaskStatusTimeout,
			exitCode: &exitBad,
			want:     model.TaskStatusTimeout,
		},
		{
			name:     "cancelled passes through",
			reported: model.TaskStatusCancelled,
			exitCode: nil,
			want:     model.TaskStatusCancelled,
		},
		{
			name:     "no exit code keeps reported status",
			reported: model.TaskStatusFailed,
			exitCode: nil,
			want:     model.TaskStatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveReported(tt.reported, tt.exitCode, outcome); got != tt.want {
				t.Errorf("resolveReported() = %v, want %v", got, tt.want)
			}
		})
	}
}
