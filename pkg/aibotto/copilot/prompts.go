// Package copilot – prompts.go builds the system messages sent at the start
// of every conversation: the assistant rules, the tool guide with the turn
// budget, and the current date and time.
package copilot

import (
	"fmt"
	"time"
)

// Message roles in the OpenAI chat format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// systemPrompt holds the assistant's behaviour rules.
const systemPrompt = `You are a helpful AI assistant that uses CLI tools and web tools to get factual information.

When users ask for factual information like the date or time, weather, system information, news or web content, use the available tools instead of guessing.

You have three kinds of tools:
1. CLI commands for system information (date, weather, files, calculations)
2. Web search for finding information on the web
3. Web fetch for reading the full content of a specific URL

**CRITICAL BEHAVIOR RULES:**
- Execute each tool ONCE and give the best answer you can
- NEVER repeat a tool call with the same parameters to "verify" a result
- If results are incomplete, try a DIFFERENT tool or approach
- Run a calculation once, not several times
- Search once per topic
- Finalize your answer as soon as you have results

**Programming Language Access:**
You can run Python 3 code through the CLI tool, for example:
- python3 -c "print('Hello World')"
- python3 -c "import datetime; print(datetime.datetime.now())"

Python 3 is the ONLY interpreter available. JavaScript, Ruby, Java, C++ and other languages cannot be executed.

Answer from the information you actually received. Don't mention the tool commands or technical details.`

// toolInstructionsTemplate takes the turn budget as its only argument.
const toolInstructionsTemplate = `Available tools:

1. execute_cli_command, for system information:
   - date and time, system details, files, calculations
   - examples: date, uname -a, ls -la, python3 -c "print(2**10)"
   - Python 3 is available: python3 -c "import math; print(math.sqrt(16))"
   - no other language runtimes are installed

2. search_web, for finding information:
   - recent news, current events, weather and anything the CLI cannot answer
   - returns results with snippets; you may set the number of results and a time range

3. fetch_webpage, for reading a specific URL:
   - use it when you already have the URL and need its full text
   - returns readable text, not HTML

IMPORTANT GUIDELINES:
- **CRITICAL**: Do NOT call the same tool with the same parameters more than once
- **CRITICAL**: Do NOT fetch the same URL more than once
- If a result is not useful, change approach instead of repeating it
- For calculations, answer once you have a result
- For news, search first and fetch specific URLs only when needed
- Give your best answer from what you have, even if it is incomplete

You have a maximum of %d tool-calling turns to complete your task.
Use them wisely - each turn should provide new information, not repeat the same work.`

// MsgLLMError replaces the answer when the LLM cannot be reached.
const MsgLLMError = "I encountered an error communicating with the AI service. Please try again."

// ToolInstructions returns the tool guide including the turn budget.
func ToolInstructions(maxTurns int) string {
	return fmt.Sprintf(toolInstructionsTemplate, maxTurns)
}

// DateTimeMessage returns the system message that anchors "now" for the
// model. now is converted to UTC.
func DateTimeMessage(now time.Time) ChatMessage {
	now = now.UTC()
	return ChatMessage{
		Role:    RoleSystem,
		Content: fmt.Sprintf("Current date and time: %s (%s, UTC)", now.Format(time.RFC3339), now.Weekday()),
	}
}

// BaseMessages returns the system messages that open every conversation.
func BaseMessages(maxTurns int, now time.Time) []ChatMessage {
	return []ChatMessage{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleSystem, Content: ToolInstructions(maxTurns)},
		DateTimeMessage(now),
	}
}

// lowTurnsWarning is injected as a user message when the loop nears its
// iteration limit.
func lowTurnsWarning(remaining int) ChatMessage {
	return ChatMessage{
		Role:    RoleUser,
		Content: fmt.Sprintf("Warning: Only %d turn(s) remaining. Provide a final answer now.", remaining),
	}
}
