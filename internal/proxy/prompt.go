package proxy

import (
	"fmt"
	"strings"
)

// buildSystemPrompt assembles the per-turn system prompt. Section order is
// fixed; sections backed by empty data are omitted so prompt size tracks
// live information.
func buildSystemPrompt(st *State) string {
	var b strings.Builder

	b.WriteString("You are the voice proxy, a lightweight conversational interface.\n")
	b.WriteString("You bridge the user and the main autonomous agent.\n\n")
	b.WriteString("## Rules\n")
	b.WriteString("- Keep replies to 1-2 concise sentences (you are spoken aloud via TTS)\n")
	b.WriteString("- Use set_task_buffer / append_task_buffer / patch_task_buffer to maintain the task draft as the user describes work\n")
	b.WriteString("- Call queue_buffered_task ONLY when the user deliberately asks to send, queue or run the task\n")
	b.WriteString("- Call interrupt_agent when the user wants to stop/cancel/abort, including soft phrases like 'never mind' or 'forget it'\n")
	b.WriteString("- For greetings, questions and status queries: reply conversationally, no tools\n")
	b.WriteString("- After a stop, treat the next message independently\n")
	b.WriteString("- Be direct, efficient, slightly warm\n\n")

	if st.CompressedContext != "" {
		b.WriteString("## Background Context\n")
		b.WriteString(st.CompressedContext)
		b.WriteString("\n\n")
	}

	b.WriteString("## Agent Status\n")
	b.WriteString("- Status: " + strings.ToUpper(st.AgentStatus) + "\n")
	if st.AgentCurrentTask != "" {
		b.WriteString("- Current task: " + st.AgentCurrentTask + "\n")
	}
	b.WriteString("\n")

	if len(st.AgentTurns) > 0 {
		b.WriteString("## Live Agent Activity (recent turns)\n")
		turns := st.AgentTurns
		if len(turns) > 4 {
			turns = turns[len(turns)-4:]
		}
		for _, t := range turns {
			b.WriteString(fmt.Sprintf("[%s]: %s\n", t.Role, truncate(t.Content, 300)))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Task Buffer State\n")
	if st.ScratchpadTask != "" {
		b.WriteString(fmt.Sprintf("- Scratchpad draft: %q\n", st.ScratchpadTask))
	} else {
		b.WriteString("- Scratchpad draft: (empty)\n")
	}
	if st.QueuedTask != "" {
		b.WriteString(fmt.Sprintf("- Queued for dispatch: %q\n", st.QueuedTask))
	}
	b.WriteString(fmt.Sprintf(
		"A queued task is dispatched automatically once the agent is idle, any pending completion brief was delivered, and the user has been quiet for %.0f seconds.\n",
		st.DispatchDelay.Seconds()))

	return b.String()
}
