// Package backend defines the Manager-side LLM contract: given the project
// goal and conversation so far, produce the next Worker instruction, ask the
// user a question, declare the task complete, or report an internal failure.
// The engine never talks to a model directly; it sees only Directive values.
package backend

import (
	"context"
	"strings"

	"oprime/internal/types"
)

// ===== RESPONSE MARKERS =====

// Markers the Manager model uses to signal a non-instruction response.
// They must appear at the very start of the response text.
const (
	MarkerNeedInput    = "NEED_USER_INPUT:"
	MarkerTaskComplete = "TASK_COMPLETE"
	MarkerSystemError  = "SYSTEM_ERROR:"
)

// DirectiveKind classifies a Manager response.
type DirectiveKind int

const (
	// DirectiveInstruction is the common case: text to hand to the Worker.
	DirectiveInstruction DirectiveKind = iota
	// DirectiveNeedInput pauses the task until the user answers a question.
	DirectiveNeedInput
	// DirectiveComplete ends the task.
	DirectiveComplete
	// DirectiveError reports a Manager-side failure it could not recover from.
	DirectiveError
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveInstruction:
		return "INSTRUCTION"
	case DirectiveNeedInput:
		return "NEED_INPUT"
	case DirectiveComplete:
		return "COMPLETE"
	case DirectiveError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Directive is a parsed Manager response. Content is the payload with any
// marker stripped; Raw keeps the full response text for the transcript.
type Directive struct {
	Kind    DirectiveKind
	Content string
	Raw     string
}

// NextStepRequest carries everything the Manager needs to decide the next
// Worker instruction.
type NextStepRequest struct {
	Goal              string
	History           []types.Turn
	ContextSummary    string
	StructureOverview string

	// WorkerOutput is nil on the first call of a task. After a handshake it
	// points at the result file contents, which may legitimately be empty.
	WorkerOutput *string

	MaxHistoryTurns  int
	MaxContextTokens int
}

// SummarizeRequest asks the Manager to fold new turns into a running summary.
type SummarizeRequest struct {
	Goal            string
	Turns           []types.Turn
	ExistingSummary string
	MaxTokens       int
}

// Backend is the Manager model behind the engine. Implementations must be
// safe for calls from multiple goroutines; the engine's dispatcher already
// guarantees at most one in-flight call per engine.
type Backend interface {
	// NextStep returns the Manager's next directive. An error means the call
	// itself failed (transport, auth, blocked content); a Manager-reported
	// problem comes back as DirectiveError with a nil error.
	NextStep(ctx context.Context, req NextStepRequest) (Directive, error)

	// Summarize condenses req.Turns into an updated summary. Callers treat a
	// failure as non-fatal and keep the existing summary.
	Summarize(ctx context.Context, req SummarizeRequest) (string, error)
}

// ParseResponse classifies raw Manager output by its leading marker.
// Anything without a marker is an instruction verbatim.
func ParseResponse(raw string) Directive {
	text := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(text, MarkerNeedInput):
		return Directive{
			Kind:    DirectiveNeedInput,
			Content: strings.TrimSpace(strings.TrimPrefix(text, MarkerNeedInput)),
			Raw:     text,
		}
	case strings.HasPrefix(text, MarkerTaskComplete):
		return Directive{
			Kind:    DirectiveComplete,
			Content: strings.TrimSpace(strings.TrimPrefix(text, MarkerTaskComplete)),
			Raw:     text,
		}
	case strings.HasPrefix(text, MarkerSystemError):
		return Directive{
			Kind:    DirectiveError,
			Content: strings.TrimSpace(strings.TrimPrefix(text, MarkerSystemError)),
			Raw:     text,
		}
	default:
		return Directive{Kind: DirectiveInstruction, Content: text, Raw: text}
	}
}
