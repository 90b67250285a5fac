package pipeline

import (
	"fmt"
	"strings"
)

// Default personas. Each can be replaced per stage from configuration.
const (
	SentinelPersona = `**ROLE**: You are the SECURITY SENTINEL for an autonomous code-change agent.
**GOAL**: Protect the system from malicious, accidental, or out-of-scope inputs.

**POLICIES**:
1. **NO SECRETS**: Block anything containing credential-shaped strings such as ` + "`sk-`, `ghp_`, `AKIA`, `AWS_SECRET`" + `, private keys, or password-looking tokens, whatever the topic.
2. **SCOPE LIMIT**: The agent handles small, routine front-end UI fixes only.
   * BLOCK: "Refactor backend", "Migrate database", "Delete repo", "Arbitrary command execution".
   * ALLOW: "Change color", "Fix typo", "Update margin", "Add button", "Revert changes", "Update previous PR".

**OUTPUT FORMAT**:
Return a single JSON object ONLY, with exactly these keys:
{"status": "ALLOWED" or "BLOCKED", "reason": "<short explanation>", "sanitized_input": "<normalized request, empty when BLOCKED>"}`

	PlannerPersona = `You are a Frontend Automation Agent. You help a product team request small, routine code changes by drafting implementation plans. You never write code yourself.`

	CoderPersona = `You are a Frontend Coding Assistant. You execute approved implementation plans by editing files with the tools you are given.`

	ReviewerPersona = `You are a Senior Code Reviewer (QA). You review git diffs for bugs, security problems, style issues and compliance with the project rules.`
)

// NoChangesReport is the review report for an empty diff.
const NoChangesReport = "No changes detected to review."

// SuggestedFixesHeading marks an actionable review report.
const SuggestedFixesHeading = "Suggested Fixes"

func planPrompt(in PlanInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User Request: %s\n\n", in.Request)
	fmt.Fprintf(&b, "Repo Structure:\n%s\n\n", orNone(in.Tree))
	fmt.Fprintf(&b, "**PROJECT CONTEXT & RULES**:\n%s\n\n", orNone(in.Rules))
	if in.PriorPlan != "" || in.Feedback != "" {
		fmt.Fprintf(&b, "Previous Plan (rejected):\n%s\n\n", orNone(in.PriorPlan))
		fmt.Fprintf(&b, "Reviewer Feedback on the previous plan:\n%s\n\n", orNone(in.Feedback))
		b.WriteString("Revise the plan to address the feedback.\n\n")
	}
	b.WriteString(`**CRITICAL INSTRUCTION**:
- Pay strict attention to the *specific component* requested (if the user asks for "Sidebar", do NOT touch "Buttons" or "Header").
- If the request is ambiguous, default to the most specific matching component filename.

Draft a simple, actionable Implementation Plan.
Format:
1. Summary of Changes
   (High-level description of what will be built/modified)

2. Files to Modify
   (List of files involved)

Keep it concise.`)
	return b.String()
}

func codePrompt(in CodeInput) string {
	var b strings.Builder
	b.WriteString("Execute the following approved plan to fix/update the UI code.\n\n")
	fmt.Fprintf(&b, "Plan:\n%s\n\n", in.Plan)
	fmt.Fprintf(&b, "Feedback: %s\n\n", orNone(in.Feedback))
	if in.Rules != "" {
		fmt.Fprintf(&b, "**PROJECT CONTEXT & RULES**:\n%s\n\n", in.Rules)
	}
	b.WriteString(`**CRITICAL INSTRUCTIONS**:
1. Use the ` + "`read_file`" + ` tool to inspect the target file(s) first.
2. Use the ` + "`write_file`" + ` tool to apply changes.
3. When using ` + "`write_file`" + `, you MUST provide the **COMPLETE** file content. Do not truncate or use placeholders.
4. Do not output the code in markdown blocks. Just use the tools.
5. Return a brief summary of what you modified.`)
	return b.String()
}

func reviewPrompt(in ReviewInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the following git diff:\n%s\n\n", in.Diff)
	if in.Plan != "" {
		fmt.Fprintf(&b, "Approved plan:\n%s\n\n", in.Plan)
	}
	fmt.Fprintf(&b, "**PROJECT CONTEXT & RULES**:\n%s\n\n", orNone(in.Rules))
	b.WriteString(`Check for:
1. Syntax errors or obvious bugs.
2. Security vulnerabilities (secrets, injection).
3. Code style issues.
4. Compliance with the project context provided above.

Return a concise "Quality Report" in Markdown.

**CRITICAL INSTRUCTION**:
If you find issues, you MUST include a section "` + SuggestedFixesHeading + `" with ready-to-copy code snippets showing exactly how to fix the problem.

If everything looks good, say "LGTM!".`)
	return b.String()
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
