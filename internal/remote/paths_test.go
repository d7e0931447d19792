package remote

import "testing"

func TestControlDirConvention(t *testing.T) {
	t.Parallel()

	got := ControlDir("/home/agent/work", "agent-1", "/home/agent/work/agent-1/src/billing-api-j-1a2b3c4d")
	want := "/home/agent/work/agent-1/.runs/billing-api-j-1a2b3c4d"
	if got != want {
		t.Errorf("ControlDir = %q, want %q", got, want)
	}
}

func TestEngineDBPathPrefersSpecID(t *testing.T) {
	t.Parallel()

	ctl := "/home/agent/work/agent-1/.runs/billing-api-j-1a2b3c4d"
	if got := EngineDBPath(ctl, "billing-api", "j-1a2b3c4d"); got != ctl+"/.smithers/billing-api.db" {
		t.Errorf("with spec id: %q", got)
	}
	if got := EngineDBPath(ctl, "", "j-1a2b3c4d"); got != ctl+"/.smithers/j-1a2b3c4d.db" {
		t.Errorf("without spec id: %q", got)
	}
}

func TestArtifactPaths(t *testing.T) {
	t.Parallel()

	ctl := "/w/agent-1/.runs/job"
	cases := map[string]string{
		PidPath(ctl):       ctl + "/smithers.pid",
		HeartbeatPath(ctl): ctl + "/heartbeat.json",
		ExitCodePath(ctl):  ctl + "/exit_code",
		LockPath(ctl):      ctl + "/resume.lock",
		FeedbackPath(ctl):  ctl + "/reports/human-feedback.json",
		GatePath(ctl):      ctl + "/reports/human-gate.json",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}
