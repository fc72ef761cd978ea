package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/zulandar/teamyard/internal/config"
	"github.com/zulandar/teamyard/internal/llm"
	"github.com/zulandar/teamyard/internal/metrics"
	"github.com/zulandar/teamyard/internal/orchestration"
)

type scriptedFactory struct{}

func (scriptedFactory) New(provider, model string) (llm.Model, error) {
	return llm.NewScripted(), nil
}

func useScriptedModels(t *testing.T) {
	t.Helper()
	orig := newModelFactory
	newModelFactory = func(*config.Config, *metrics.Collector, *zap.Logger) orchestration.ModelFactory {
		return scriptedFactory{}
	}
	t.Cleanup(func() { newModelFactory = orig })
}

func writeTeam(t *testing.T, prompt string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "team.yaml")
	body := `agents:
  - name: lead
    role: leader
    provider: anthropic
    model: claude-sonnet-4-20250514
  - name: dev
    role: teammate
    provider: anthropic
    model: claude-sonnet-4-20250514
    connections: [lead]
`
	if prompt != "" {
		body += "prompt: " + prompt + "\n"
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write team: %v", err)
	}
	return path
}

const fastOrchestration = `orchestration:
  poll_interval: 5ms
  nudge_interval: 30ms
  session_timeout: 300ms
history:
  enabled: true
  database: true
`

func TestRunCmd_RunsUntilTimeout(t *testing.T) {
	useScriptedModels(t)
	cfgPath := writeConfig(t, fastOrchestration)

	out, err := runCmd(t, "run", writeTeam(t, "plan the release"), "-c", cfgPath)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	for _, want := range []string{
		"started (top leader lead, 2 agents)",
		"user -> lead: plan the release",
		"lead says: ok",
		"nudge:",
		"session stopped (session timeout)",
		"stopped: session timeout",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, "sessions", "-c", cfgPath)
	if err != nil {
		t.Fatalf("sessions failed: %v", err)
	}
	if !strings.Contains(out, "stopped") || !strings.Contains(out, "lead,dev") {
		t.Errorf("run not persisted:\n%s", out)
	}
}

func TestRunCmd_NeedsPrompt(t *testing.T) {
	useScriptedModels(t)
	_, err := runCmd(t, "run", writeTeam(t, ""), "-c", writeConfig(t, fastOrchestration))
	if err == nil || !strings.Contains(err.Error(), "--prompt") {
		t.Fatalf("expected prompt error, got %v", err)
	}
}

func TestRunCmd_PromptFlagOverrides(t *testing.T) {
	useScriptedModels(t)
	out, err := runCmd(t, "run", writeTeam(t, "from file"), "--prompt", "from flag", "-c", writeConfig(t, fastOrchestration))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out, "user -> lead: from flag") || strings.Contains(out, "from file") {
		t.Errorf("prompt not overridden:\n%s", out)
	}
}

func TestRunCmd_BadTeam(t *testing.T) {
	useScriptedModels(t)
	path := filepath.Join(t.TempDir(), "team.yaml")
	os.WriteFile(path, []byte("agents: []\n"), 0o644)
	if _, err := runCmd(t, "run", path, "--prompt", "x", "-c", writeConfig(t, fastOrchestration)); err == nil {
		t.Fatal("expected error for empty team")
	}
}
