package backend

import (
	"fmt"
	"strings"

	"oprime/internal/types"
)

// ===== STANDARD OPERATING PROCEDURE =====

// sopPromptText is the standing instruction set sent ahead of every next-step
// request. It defines the output contract the response parser relies on, so
// edits here must stay in sync with the markers in backend.go.
const sopPromptText = `
# Orchestrator Prime - Manager SOP

You are an AI assistant integrated into "Orchestrator Prime," a system that helps users accomplish complex, multi-step tasks using a CLI-like interface with a tool similar to "Cursor" (a hypothetical AI-powered code editor/tool executor).

Your primary role is to break down the user's overall goal into a sequence of precise, actionable instructions for the Cursor tool.

**Workflow:**
1.  **Receive Goal & History:** You'll get the user's overall project goal, the conversation history (user, your previous instructions, Cursor's outputs), and optionally a summary of past interactions.
2.  **Determine Next Step:** Based on this, decide the single most logical next instruction for the Cursor tool to execute.
3.  **Formulate Instruction:**
    *   Instructions must be EXPLICIT and SELF-CONTAINED. Do not assume Cursor remembers context from previous instructions you gave it.
    *   If providing code, provide the complete, runnable code block.
    *   If asking Cursor to use a tool, specify all necessary parameters.
    *   Your instruction will be written to a file (e.g., ` + "`next_step.txt`" + `) that Cursor reads.
4.  **Output Format (Choose ONE per response):**

    *   **To give an instruction to Cursor:**
        Simply output the instruction text directly. This is the MOST COMMON response.
        Example: ` + "`Create a new Python file named 'utils.py' and add a function 'add(a, b)' that returns their sum.`" + `

    *   **If you need more information from the USER:**
        Start your response with the exact marker ` + "`NEED_USER_INPUT:`" + ` followed by a clear, concise question for the user.
        Example: ` + "`NEED_USER_INPUT: What version of Python should the 'utils.py' script target?`" + `

    *   **If the user's overall goal is complete:**
        Start your response with the exact marker ` + "`TASK_COMPLETE`" + ` followed by a brief confirmation message.
        Example: ` + "`TASK_COMPLETE The 'utils.py' script has been created and tested as per the requirements.`" + `

    *   **If you encounter an unrecoverable internal error or cannot proceed:**
        Start your response with the exact marker ` + "`SYSTEM_ERROR:`" + ` followed by a brief description of the error. This is for *your* internal errors, not errors from Cursor.
        Example: ` + "`SYSTEM_ERROR: I am unable to generate a valid instruction due to conflicting information in the history.`" + `

**Key Considerations:**
*   **Be Methodical:** Break down complex goals into smaller, logical steps.
*   **Context is Key:** Pay close attention to the conversation history, especially Cursor's previous outputs (successes, errors, file contents).
*   **Error Handling by Cursor:** Assume Cursor will report back if it fails to execute your instruction. Your next step should then be to analyze Cursor's error output and decide whether to retry, modify the instruction, or ask the user.
*   **Idempotency (where possible):** If an instruction might be retried, design it so re-execution is safe.
*   **Brevity with Clarity:** Instructions should be concise but unambiguous.
*   **Focus:** Output ONLY the instruction, or ONE of the special marker lines. Do not add conversational fluff unless it's part of a NEED_USER_INPUT question.
*   **Workspace Context:** You may be provided with an initial overview of the project's file structure. Use this to inform your instructions.
*   **Summaries:** A summary of earlier conversation may be provided. Prioritize the recent history but use the summary for broader context.
*   **Worker Log Content:** When output from the last tool execution is provided, it is the result of the *Cursor tool* executing your *previous* instruction. Analyze it carefully to determine the next step.
`

// senderLabel maps transcript senders to the role names the Manager sees.
func senderLabel(s types.Sender) string {
	switch s {
	case types.SenderUser:
		return "User"
	case types.SenderManager:
		return "Your Previous Instruction/Response"
	case types.SenderManagerClarification:
		return "Your Previous Question to User"
	case types.SenderWorkerLog:
		return "Cursor Tool Output"
	case types.SenderSystem:
		return "System Message"
	case types.SenderSystemError:
		return "System Error"
	default:
		return string(s)
	}
}

// formatTurn renders one history line. Past Manager turns that carried a
// marker are relabeled so the model does not mistake them for fresh output.
func formatTurn(turn types.Turn) string {
	if turn.Sender == types.SenderManager || turn.Sender == types.SenderManagerClarification {
		if strings.HasPrefix(turn.Message, MarkerNeedInput) {
			return fmt.Sprintf("Your Previous Question to User: %s",
				strings.TrimSpace(strings.TrimPrefix(turn.Message, MarkerNeedInput)))
		}
		if strings.HasPrefix(turn.Message, MarkerTaskComplete) {
			return fmt.Sprintf("Your Previous Task Completion Statement: %s",
				strings.TrimSpace(strings.TrimPrefix(turn.Message, MarkerTaskComplete)))
		}
	}
	return fmt.Sprintf("%s: %s", senderLabel(turn.Sender), turn.Message)
}

// BuildNextStepPrompt assembles the full prompt for a next-step call: SOP,
// goal, optional structure overview and running summary, the most recent
// MaxHistoryTurns turns oldest-first, and the last Worker output when one
// exists. An empty Worker output is shown explicitly so the model knows the
// tool ran silently rather than not at all.
func BuildNextStepPrompt(req NextStepRequest) string {
	parts := []string{sopPromptText}
	parts = append(parts, fmt.Sprintf("User's Overall Project Goal: %s", req.Goal))

	if req.StructureOverview != "" {
		parts = append(parts, fmt.Sprintf("\n--- Initial Project Structure Overview ---\n%s", req.StructureOverview))
	}
	if req.ContextSummary != "" {
		parts = append(parts, fmt.Sprintf("\n--- Summary of Earlier Conversation ---\n%s", req.ContextSummary))
	}

	parts = append(parts, "\n--- Recent Conversation History (Oldest to Newest) ---")
	history := req.History
	if req.MaxHistoryTurns > 0 && len(history) > req.MaxHistoryTurns {
		history = history[len(history)-req.MaxHistoryTurns:]
	}
	for _, turn := range history {
		parts = append(parts, formatTurn(turn))
	}

	if req.WorkerOutput != nil {
		output := *req.WorkerOutput
		if output == "" {
			output = "[No output from Cursor tool]"
		}
		parts = append(parts, fmt.Sprintf("\n--- Output from Last Cursor Tool Execution ---\n%s", output))
	}

	parts = append(parts, "\n--- Your Next Step ---")
	parts = append(parts, "Based on all the above, provide your next instruction OR use one of the special markers (NEED_USER_INPUT:, TASK_COMPLETE, SYSTEM_ERROR:).")

	return strings.Join(parts, "\n")
}

// BuildSummarizePrompt assembles the prompt that folds new turns into the
// running context summary.
func BuildSummarizePrompt(req SummarizeRequest) string {
	parts := []string{"You are a helpful AI assistant tasked with summarizing a conversation."}
	parts = append(parts, fmt.Sprintf("The overall project goal is: %s", req.Goal))

	if req.ExistingSummary != "" {
		parts = append(parts, fmt.Sprintf("\nHere is the existing summary of the conversation so far:\n%s", req.ExistingSummary))
		parts = append(parts, "\nNow, please incorporate the following new conversation turns into this summary. Create a concise, updated summary that reflects the key information and decisions from both the old summary and the new turns.")
	} else {
		parts = append(parts, "\nPlease provide a concise summary of the following conversation:")
	}

	parts = append(parts, "\n--- New Conversation Turns ---")
	for _, turn := range req.Turns {
		parts = append(parts, fmt.Sprintf("[%s]: %s", turn.Sender, turn.Message))
	}
	parts = append(parts, "\n--- End of New Conversation Turns ---")
	parts = append(parts, fmt.Sprintf("Please provide the new, comprehensive summary (max %d tokens).", req.MaxTokens))

	return strings.Join(parts, "\n")
}

// EstimateTokens is a deliberately rough length/4 heuristic, used only to
// warn before a prompt approaches the configured context ceiling.
func EstimateTokens(prompt string) int {
	return len(prompt) / 4
}
