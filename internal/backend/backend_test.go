package backend

import (
	"strings"
	"testing"

	"oprime/internal/types"
)

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantKind    DirectiveKind
		wantContent string
	}{
		{
			name:        "plain instruction",
			raw:         "Create a file named main.go with a hello world program.",
			wantKind:    DirectiveInstruction,
			wantContent: "Create a file named main.go with a hello world program.",
		},
		{
			name:        "instruction with surrounding whitespace",
			raw:         "\n  Run the test suite.  \n",
			wantKind:    DirectiveInstruction,
			wantContent: "Run the test suite.",
		},
		{
			name:        "need user input",
			raw:         "NEED_USER_INPUT: Which Python version should I target?",
			wantKind:    DirectiveNeedInput,
			wantContent: "Which Python version should I target?",
		},
		{
			name:        "task complete with message",
			raw:         "TASK_COMPLETE The utility script is finished and tested.",
			wantKind:    DirectiveComplete,
			wantContent: "The utility script is finished and tested.",
		},
		{
			name:        "task complete bare",
			raw:         "TASK_COMPLETE",
			wantKind:    DirectiveComplete,
			wantContent: "",
		},
		{
			name:        "system error",
			raw:         "SYSTEM_ERROR: Conflicting information in the history.",
			wantKind:    DirectiveError,
			wantContent: "Conflicting information in the history.",
		},
		{
			name:        "marker not at start is an instruction",
			raw:         "The previous step said TASK_COMPLETE but verify anyway.",
			wantKind:    DirectiveInstruction,
			wantContent: "The previous step said TASK_COMPLETE but verify anyway.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ParseResponse(tt.raw)
			if d.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", d.Kind, tt.wantKind)
			}
			if d.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", d.Content, tt.wantContent)
			}
			if d.Raw != strings.TrimSpace(tt.raw) {
				t.Errorf("Raw = %q, want trimmed input", d.Raw)
			}
		})
	}
}

func TestBuildNextStepPromptSections(t *testing.T) {
	out := "compiled ok"
	req := NextStepRequest{
		Goal:            "Build a CLI calculator",
		ContextSummary:  "We chose Go and set up the module.",
		WorkerOutput:    &out,
		MaxHistoryTurns: 2,
		History: []types.Turn{
			{Sender: types.SenderUser, Message: "first"},
			{Sender: types.SenderManager, Message: "second"},
			{Sender: types.SenderWorkerLog, Message: "third"},
		},
	}

	prompt := BuildNextStepPrompt(req)

	if !strings.Contains(prompt, "User's Overall Project Goal: Build a CLI calculator") {
		t.Error("Missing goal line")
	}
	if !strings.Contains(prompt, "--- Summary of Earlier Conversation ---") {
		t.Error("Missing summary section")
	}
	if !strings.Contains(prompt, "We chose Go and set up the module.") {
		t.Error("Missing summary content")
	}
	if !strings.Contains(prompt, "--- Output from Last Cursor Tool Execution ---") {
		t.Error("Missing worker output section")
	}
	if !strings.Contains(prompt, "compiled ok") {
		t.Error("Missing worker output content")
	}
	if !strings.Contains(prompt, "--- Your Next Step ---") {
		t.Error("Missing next step coda")
	}

	// With MaxHistoryTurns=2 the oldest turn must be dropped.
	if strings.Contains(prompt, "User: first") {
		t.Error("History tail should not include the oldest turn")
	}
	if !strings.Contains(prompt, "Your Previous Instruction/Response: second") {
		t.Error("Missing manager turn")
	}
	if !strings.Contains(prompt, "Cursor Tool Output: third") {
		t.Error("Missing worker log turn")
	}
}

func TestBuildNextStepPromptOptionalSections(t *testing.T) {
	req := NextStepRequest{Goal: "g", MaxHistoryTurns: 10}
	prompt := BuildNextStepPrompt(req)

	if strings.Contains(prompt, "--- Summary of Earlier Conversation ---") {
		t.Error("Summary section present without a summary")
	}
	if strings.Contains(prompt, "--- Initial Project Structure Overview ---") {
		t.Error("Structure section present without an overview")
	}
	if strings.Contains(prompt, "--- Output from Last Cursor Tool Execution ---") {
		t.Error("Worker output section present on first call")
	}
}

func TestBuildNextStepPromptEmptyWorkerOutput(t *testing.T) {
	empty := ""
	req := NextStepRequest{Goal: "g", WorkerOutput: &empty, MaxHistoryTurns: 10}
	prompt := BuildNextStepPrompt(req)

	if !strings.Contains(prompt, "[No output from Cursor tool]") {
		t.Error("Empty worker output should be shown explicitly")
	}
}

func TestBuildNextStepPromptRelabelsMarkers(t *testing.T) {
	req := NextStepRequest{
		Goal:            "g",
		MaxHistoryTurns: 10,
		History: []types.Turn{
			{Sender: types.SenderManagerClarification, Message: "NEED_USER_INPUT: Which port?"},
			{Sender: types.SenderManager, Message: "TASK_COMPLETE All done."},
		},
	}
	prompt := BuildNextStepPrompt(req)

	if !strings.Contains(prompt, "Your Previous Question to User: Which port?") {
		t.Error("NEED_USER_INPUT turn not relabeled")
	}
	if !strings.Contains(prompt, "Your Previous Task Completion Statement: All done.") {
		t.Error("TASK_COMPLETE turn not relabeled")
	}
	if strings.Contains(prompt, "Your Previous Question to User: NEED_USER_INPUT:") {
		t.Error("Marker leaked into relabeled history line")
	}
}

func TestBuildSummarizePrompt(t *testing.T) {
	req := SummarizeRequest{
		Goal:            "Ship the calculator",
		ExistingSummary: "We decided on Go.",
		MaxTokens:       500,
		Turns: []types.Turn{
			{Sender: types.SenderManager, Message: "Write main.go"},
			{Sender: types.SenderWorkerLog, Message: "done"},
		},
	}
	prompt := BuildSummarizePrompt(req)

	if !strings.Contains(prompt, "The overall project goal is: Ship the calculator") {
		t.Error("Missing goal line")
	}
	if !strings.Contains(prompt, "We decided on Go.") {
		t.Error("Missing existing summary")
	}
	if !strings.Contains(prompt, "incorporate the following new conversation turns") {
		t.Error("Missing merge instruction when a summary exists")
	}
	if !strings.Contains(prompt, "[manager]: Write main.go") {
		t.Error("Missing manager turn")
	}
	if !strings.Contains(prompt, "(max 500 tokens)") {
		t.Error("Missing token budget")
	}

	fresh := BuildSummarizePrompt(SummarizeRequest{Goal: "g", MaxTokens: 100,
		Turns: []types.Turn{{Sender: types.SenderUser, Message: "hi"}}})
	if !strings.Contains(fresh, "Please provide a concise summary of the following conversation:") {
		t.Error("Missing fresh summary instruction")
	}
	if strings.Contains(fresh, "existing summary") {
		t.Error("Fresh prompt should not mention an existing summary")
	}
}

func TestNewGeminiBackendRejectsBadKeys(t *testing.T) {
	if _, err := NewGeminiBackend("", "m"); err == nil {
		t.Error("Expected error for empty key")
	} else if types.KindOf(err) != types.ErrBackendAuth {
		t.Errorf("Expected BackendAuth kind, got %s", types.KindOf(err))
	}

	if _, err := NewGeminiBackend("YOUR_API_KEY_HERE", "m"); err == nil {
		t.Error("Expected error for placeholder key")
	} else if types.KindOf(err) != types.ErrBackendAuth {
		t.Errorf("Expected BackendAuth kind, got %s", types.KindOf(err))
	}
}
