package dispatch

import (
	"fmt"
	"strings"
)

// WithContext prepends prior work to an instruction so a follow-up task can
// build on it.
func WithContext(instruction, prior string) string {
	prior = strings.TrimSpace(prior)
	if prior == "" {
		return instruction
	}
	return fmt.Sprintf("[Previous context]\n%s\n\n[Current task]\n%s", prior, instruction)
}

// contractBlock tells the worker where and how to report. The worker cannot
// be assumed to know anything about the mailbox beyond this text.
func contractBlock(taskID, resultPath string) string {
	var b strings.Builder
	b.WriteString("\n\n---\n")
	b.WriteString("[Result reporting]\n")
	fmt.Fprintf(&b, "When this task is finished, write the result as JSON to:\n%s\n", resultPath)
	b.WriteString("Write a temporary file in the same directory first, then rename it into place.\n")
	b.WriteString("Format:\n")
	fmt.Fprintf(&b, `{"task_id": %q, "status": "completed", "result": "<answer to this request only>", "completed_at": "<ISO-8601 timestamp>"}`, taskID)
	b.WriteString("\nIf the task cannot be done, use \"status\": \"failed\" and put the reason in \"error\".\n")
	b.WriteString("Do not include earlier work or commentary in \"result\".")
	return b.String()
}

// composeInstruction builds the full text typed into the session.
func composeInstruction(instruction, prior, taskID, resultPath string) string {
	return WithContext(instruction, prior) + contractBlock(taskID, resultPath)
}
