// Package termparse turns raw agent-CLI terminal output into structured
// events. The parser is a line-oriented state machine; callers feed it lines
// in pane order and drain the events each line produces.
package termparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// EventType tags a parsed event.
type EventType string

const (
	EventToolUse           EventType = "tool_use"
	EventToolResult        EventType = "tool_result"
	EventMessage           EventType = "message"
	EventStatus            EventType = "status"
	EventCostUpdate        EventType = "cost_update"
	EventPermissionRequest EventType = "permission_request"
	EventError             EventType = "error"
)

// Event is one parsed unit of agent output. Only the fields relevant to the
// Type are populated.
type Event struct {
	Type EventType `json:"type"`

	// tool_use
	Tool  string            `json:"tool,omitempty"`
	Input map[string]string `json:"input,omitempty"`

	// tool_result
	Output    string `json:"output,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`

	// message, error
	Content string `json:"content,omitempty"`

	// status
	State string `json:"state,omitempty"`

	// cost_update
	Cost   float64        `json:"cost,omitempty"`
	Tokens map[string]int `json:"tokens,omitempty"`

	// permission_request
	RequestID string `json:"requestId,omitempty"`
	Action    string `json:"action,omitempty"`
	Details   string `json:"details,omitempty"`
}

type segment int

const (
	segNone segment = iota
	segMessage
	segToolResult
)

// knownTools is the tool-name whitelist for the bullet recognizer. A bullet
// line whose head is not in this set is treated as assistant prose.
var knownTools = map[string]bool{
	"Read": true, "Edit": true, "Write": true, "Bash": true,
	"Glob": true, "Grep": true, "Task": true,
	"WebSearch": true, "WebFetch": true,
}

// toolInputKey maps a tool to the key its single argument is reported under.
var toolInputKey = map[string]string{
	"Read":      "file_path",
	"Edit":      "file_path",
	"Write":     "file_path",
	"Bash":      "command",
	"Glob":      "pattern",
	"Grep":      "pattern",
	"Task":      "description",
	"WebSearch": "query",
	"WebFetch":  "url",
}

var (
	toolCallRe   = regexp.MustCompile(`^(\w+)\s*(?:\((.*)\)|:\s*(.*))?\s*$`)
	permissionRe = regexp.MustCompile(`(?i)(?:do you want to allow\s+(.+?)\??$|^allow\s+(.+?)\??$|^approve\?$)`)
	costRe       = regexp.MustCompile(`(?i)(?:total\s+)?cost:\s*\$?([0-9]+(?:\.[0-9]+)?)`)
	tokenRe      = regexp.MustCompile(`(?i)(input|output|cache_read|cache_write)\s+tokens:\s*([0-9,]+)`)
	errorRe      = regexp.MustCompile(`^\s*(?:Error:|ERROR:|✗:)\s*(.*)$`)
	statusRe     = regexp.MustCompile(`(?i)^[^\w]*\b(thinking|working|processing)\b`)
)

// Parser decodes agent terminal output line by line. Not safe for concurrent
// use; the bridge owns one Parser per session and feeds it serially.
type Parser struct {
	seg         segment
	buf         []string
	lastTool    string
	truncated   bool
	permCounter int
}

// New returns a parser in the empty state.
func New() *Parser {
	return &Parser{}
}

// Reset discards any accumulating segment without emitting it. The permission
// counter is preserved so requestIds stay unique for the parser's lifetime.
func (p *Parser) Reset() {
	p.seg = segNone
	p.buf = nil
	p.lastTool = ""
	p.truncated = false
}

// Flush emits any pending message or tool_result and clears the segment.
func (p *Parser) Flush() []Event {
	ev := p.closeSegment()
	if ev == nil {
		return nil
	}
	return []Event{*ev}
}

// ParseLine scrubs ANSI escapes from line and runs it through the
// recognizers, returning the events the line produced (possibly none).
func (p *Parser) ParseLine(line string) []Event {
	line = StripANSI(line)
	trimmed := strings.TrimSpace(line)
	indented := line != "" && (line[0] == ' ' || line[0] == '\t')

	// Continuations extend a tool result before anything else gets a look.
	if p.seg == segToolResult {
		if strings.HasPrefix(trimmed, "⎿") || (indented && trimmed != "") {
			text := strings.TrimSpace(strings.TrimPrefix(trimmed, "⎿"))
			if strings.Contains(text, "(truncated)") {
				p.truncated = true
			}
			p.buf = append(p.buf, text)
			return nil
		}
		if trimmed == "" {
			p.buf = append(p.buf, "")
			return nil
		}
		// Non-continuation line closes the result, then parses normally.
		var out []Event
		if ev := p.closeSegment(); ev != nil {
			out = append(out, *ev)
		}
		return append(out, p.parseFresh(line, trimmed)...)
	}

	return p.parseFresh(line, trimmed)
}

func (p *Parser) parseFresh(line, trimmed string) []Event {
	switch {
	case strings.HasPrefix(trimmed, "⏺"):
		return p.parseBullet(strings.TrimSpace(strings.TrimPrefix(trimmed, "⏺")))

	case permissionRe.MatchString(trimmed):
		var out []Event
		if ev := p.closeSegment(); ev != nil {
			out = append(out, *ev)
		}
		p.permCounter++
		m := permissionRe.FindStringSubmatch(trimmed)
		action := m[1]
		if action == "" {
			action = m[2]
		}
		return append(out, Event{
			Type:      EventPermissionRequest,
			RequestID: fmt.Sprintf("perm-%d", p.permCounter),
			Action:    strings.TrimSpace(action),
			Details:   trimmed,
		})

	case isStatusLine(trimmed):
		var out []Event
		if ev := p.closeSegment(); ev != nil {
			out = append(out, *ev)
		}
		return append(out, Event{Type: EventStatus, State: statusState(trimmed)})

	case isCostLine(trimmed):
		var out []Event
		if ev := p.closeSegment(); ev != nil {
			out = append(out, *ev)
		}
		return append(out, parseCost(trimmed))

	case errorRe.MatchString(line):
		var out []Event
		if ev := p.closeSegment(); ev != nil {
			out = append(out, *ev)
		}
		m := errorRe.FindStringSubmatch(line)
		return append(out, Event{Type: EventError, Content: m[1]})

	case trimmed == "":
		if p.seg == segMessage {
			p.buf = append(p.buf, "")
		}
		return nil

	default:
		if p.seg != segMessage {
			p.seg = segMessage
			p.buf = nil
		}
		p.buf = append(p.buf, trimmed)
		return nil
	}
}

// parseBullet handles a ⏺-prefixed line: either a tool call or the start of
// an assistant message.
func (p *Parser) parseBullet(rest string) []Event {
	var out []Event
	if ev := p.closeSegment(); ev != nil {
		out = append(out, *ev)
	}

	if m := toolCallRe.FindStringSubmatch(rest); m != nil && knownTools[m[1]] {
		tool := m[1]
		arg := m[2]
		if arg == "" {
			arg = m[3]
		}
		input := map[string]string{}
		if arg != "" {
			input[toolInputKey[tool]] = strings.TrimSpace(arg)
		}
		p.seg = segToolResult
		p.buf = nil
		p.lastTool = tool
		p.truncated = false
		return append(out, Event{Type: EventToolUse, Tool: tool, Input: input})
	}

	p.seg = segMessage
	p.buf = []string{rest}
	return out
}

// closeSegment materializes the accumulating segment, if any.
func (p *Parser) closeSegment() *Event {
	switch p.seg {
	case segMessage:
		content := strings.TrimSpace(strings.Join(p.buf, "\n"))
		p.seg = segNone
		p.buf = nil
		if content == "" {
			return nil
		}
		return &Event{Type: EventMessage, Content: content}
	case segToolResult:
		output := strings.TrimRight(strings.Join(p.buf, "\n"), "\n")
		ev := &Event{
			Type:      EventToolResult,
			Tool:      p.lastTool,
			Output:    output,
			Truncated: p.truncated,
		}
		p.seg = segNone
		p.buf = nil
		p.lastTool = ""
		p.truncated = false
		if output == "" && !ev.Truncated {
			return nil
		}
		return ev
	}
	return nil
}

func isStatusLine(trimmed string) bool {
	if trimmed == ">" {
		return true
	}
	return statusRe.MatchString(trimmed) && len(trimmed) < 40
}

func statusState(trimmed string) string {
	if trimmed == ">" {
		return "idle"
	}
	m := statusRe.FindStringSubmatch(trimmed)
	state := strings.ToLower(m[1])
	if state == "processing" {
		state = "working"
	}
	return state
}

func isCostLine(trimmed string) bool {
	return costRe.MatchString(trimmed) || tokenRe.MatchString(trimmed)
}

func parseCost(trimmed string) Event {
	ev := Event{Type: EventCostUpdate}
	if m := costRe.FindStringSubmatch(trimmed); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			ev.Cost = v
		}
	}
	for _, m := range tokenRe.FindAllStringSubmatch(trimmed, -1) {
		n, err := strconv.Atoi(strings.ReplaceAll(m[2], ",", ""))
		if err != nil {
			continue
		}
		if ev.Tokens == nil {
			ev.Tokens = make(map[string]int)
		}
		ev.Tokens[strings.ToLower(m[1])] = n
	}
	return ev
}
