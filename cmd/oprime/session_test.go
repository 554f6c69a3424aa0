package main

import (
	"strings"
	"testing"

	"oprime/cmd/oprime/ui"
	"oprime/internal/engine"
	"oprime/internal/types"

	"github.com/charmbracelet/bubbles/textinput"
)

func TestStateLabel(t *testing.T) {
	if got := stateLabel(types.StateWaitingResult); !strings.Contains(got, "Worker") {
		t.Fatalf("unexpected label for waiting state: %s", got)
	}
	if got := stateLabel(types.StateCallingBackend); !strings.Contains(got, "Manager") {
		t.Fatalf("unexpected label for backend state: %s", got)
	}
	if got := stateLabel(types.StateProjectSelected); got != "Ready" {
		t.Fatalf("expected Ready, got: %s", got)
	}
}

func TestSenderHeading(t *testing.T) {
	if got := senderHeading(types.SenderUser); got != "You" {
		t.Fatalf("unexpected user heading: %s", got)
	}
	if got := senderHeading(types.SenderManagerClarification); !strings.Contains(got, "asks") {
		t.Fatalf("expected question heading, got: %s", got)
	}
	if got := senderHeading(types.SenderWorkerLog); !strings.Contains(got, "Worker") {
		t.Fatalf("expected worker heading, got: %s", got)
	}
}

func TestRenderHistoryLabelsSenders(t *testing.T) {
	m := sessionModel{styles: ui.NewStyles(ui.LightTheme())}
	m.history = []types.Turn{
		types.NewTurn(types.SenderUser, "start the migration"),
		types.NewTurn(types.SenderManager, "Run the schema diff first."),
		types.NewTurn(types.SenderSystem, "Task started."),
	}

	out := m.renderHistory()
	for _, want := range []string{"You", "Manager", "start the migration", "Run the schema diff first."} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in transcript, got: %s", want, out)
		}
	}
}

func TestSafeRenderMarkdownWithoutRenderer(t *testing.T) {
	m := sessionModel{}
	if got := m.safeRenderMarkdown("## heading"); got != "## heading" {
		t.Fatalf("expected plain fallback without renderer, got: %s", got)
	}
}

func TestHandleCommandHelp(t *testing.T) {
	m := sessionModel{styles: ui.NewStyles(ui.LightTheme()), textinput: textinput.New()}

	model, _ := m.handleCommand("/help")
	got := model.(sessionModel)
	if len(got.history) != 1 {
		t.Fatalf("expected help appended to transcript, got %d turns", len(got.history))
	}
	if !strings.Contains(got.history[0].Message, "/pause") {
		t.Fatalf("expected command table in help, got: %s", got.history[0].Message)
	}
}

func TestHandleCommandUnknown(t *testing.T) {
	m := sessionModel{styles: ui.NewStyles(ui.LightTheme()), textinput: textinput.New()}

	model, _ := m.handleCommand("/frobnicate")
	got := model.(sessionModel)
	if !strings.Contains(got.statusLine, "Unknown command") {
		t.Fatalf("expected unknown-command notice, got: %s", got.statusLine)
	}
}

func TestHandleSubmitRejectsWhileRunning(t *testing.T) {
	ti := textinput.New()
	ti.SetValue("deploy the service")
	m := sessionModel{
		styles:    ui.NewStyles(ui.LightTheme()),
		textinput: ti,
		state:     types.StateWaitingResult,
	}

	model, cmd := m.handleSubmit()
	got := model.(sessionModel)
	if cmd != nil {
		t.Fatal("expected no engine call while running")
	}
	if !strings.Contains(got.statusLine, "busy") {
		t.Fatalf("expected busy notice, got: %s", got.statusLine)
	}
}

func TestEngineEventsUpdateMirror(t *testing.T) {
	m := sessionModel{styles: ui.NewStyles(ui.LightTheme()), textinput: textinput.New()}

	model, _ := m.handleEngineEvent(engine.Event{
		Type:  engine.EventStateChange,
		State: types.StateWaitingResult,
	})
	got := model.(sessionModel)
	if got.state != types.StateWaitingResult {
		t.Fatalf("expected mirrored state, got %s", got.state)
	}

	model, _ = got.handleEngineEvent(engine.Event{
		Type:    engine.EventUserInputNeeded,
		Message: "Which environment?",
	})
	got = model.(sessionModel)
	if got.question != "Which environment?" {
		t.Fatalf("expected pending question, got: %s", got.question)
	}
	if got.textinput.Placeholder != questionPlaceholder {
		t.Fatalf("expected question placeholder, got: %s", got.textinput.Placeholder)
	}

	// Leaving the paused state clears the question
	model, _ = got.handleEngineEvent(engine.Event{
		Type:  engine.EventStateChange,
		State: types.StateCallingBackend,
	})
	got = model.(sessionModel)
	if got.question != "" {
		t.Fatalf("expected question cleared, got: %s", got.question)
	}
}

func TestEngineErrorEventAnnotatesAuth(t *testing.T) {
	m := sessionModel{styles: ui.NewStyles(ui.LightTheme())}

	model, _ := m.handleEngineEvent(engine.Event{
		Type:      engine.EventError,
		Message:   "Manager backend failure: 401",
		ErrorKind: types.ErrBackendAuth,
	})
	got := model.(sessionModel)
	if !strings.Contains(got.lastErr, "GEMINI_API_KEY") {
		t.Fatalf("expected auth hint, got: %s", got.lastErr)
	}
}
