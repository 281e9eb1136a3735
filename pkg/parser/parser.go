// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package parser consumes the LLM port's event stream and emits a derived
// sequence of text/reasoning/tool-call events plus a terminal value. Two
// extraction paths feed the same output: structured tool calls the
// provider emits natively pass through verbatim, and inline tool calls
// encoded in free text as `<tool_name><param>value</param></tool_name>`
// tags are recognized by an explicit character-level state machine.
package parser

import (
	"strings"

	"github.com/kadirpekel/agentrtd/pkg/ports"
)

// EventKind discriminates a parser-emitted Event.
type EventKind int

const (
	EventText EventKind = iota
	EventReasoning
	EventToolCall
)

// Event is one unit of parser output.
type Event struct {
	Kind EventKind

	Text string // EventText / EventReasoning

	ToolCallName string // EventToolCall

	// Structured is true when this tool call came from the provider's
	// native function-calling path (EventToolCallStructured) rather than
	// the inline tag grammar. ToolCallID and ToolCallInput are only
	// populated in that case; ToolCallArgs (the raw string param values
	// captured by the tag-grammar FSM) is only populated otherwise.
	Structured    bool
	ToolCallID    string
	ToolCallInput map[string]any
	ToolCallArgs  map[string]string
}

// Terminal is the final value the parser produces once the input stream
// ends, is aborted, or errors.
type Terminal struct {
	MessageID string
	Aborted   bool
	Err       error
}

// fsmState is one state of the tag-grammar machine. The grammar supports
// one level of nesting: a tool tag containing zero or more param tags,
// each holding a raw value with no further tags inside.
type fsmState int

const (
	// stateText: plain text, watching for the start of a tool tag.
	stateText fsmState = iota
	// stateToolName: collecting the opening tool tag's name, up to '>'.
	stateToolName
	// stateBody: inside an open tool tag, between params, watching for
	// the start of either a param's opening tag or the tool's closing tag.
	stateBody
	// stateParamOrClose: just saw '<' inside the tool body; the next rune
	// decides between a param's opening tag and the tool's closing tag.
	stateParamOrClose
	// stateParamName: collecting an opening param tag's name, up to '>'.
	stateParamName
	// stateParamValue: collecting a param's raw value, watching for the
	// start of its closing tag.
	stateParamValue
	// stateParamClose: collecting a candidate closing tag name while
	// inside a param value, to decide whether it closes the param.
	stateParamClose
	// stateToolClose: collecting the tool's closing tag name, up to '>'.
	stateToolClose
)

// Parser drives the tag-grammar FSM over a character stream of text
// deltas, interleaved with provider-native structured tool calls, and
// emits Events in source order.
type Parser struct {
	state fsmState

	tagName   string // name of the tool tag currently open
	paramName string // name of the param tag currently open
	params    map[string]string

	buf strings.Builder // generic accumulator for the current token (name or value)

	// pending buffers raw characters belonging to an in-progress tag or
	// value so that, if the stream ends mid-tag, they can be discarded
	// rather than emitted as text (unclosed tags at stream end are
	// discarded per the tag grammar).
	pending strings.Builder

	events  chan Event
	aborted bool
}

// New creates a Parser. Call Feed for each structured/text event from the
// LLM port's stream, then Finish once the stream ends; Events() yields
// the derived sequence in order as Feed/Finish produce it.
func New() *Parser {
	return &Parser{
		state:  stateText,
		events: make(chan Event, 64),
	}
}

// Events returns the channel of emitted parser events. Closed after
// Finish returns.
func (p *Parser) Events() <-chan Event { return p.events }

// Abort marks the parser aborted: Feed becomes a no-op and any
// in-progress tag is discarded on the next Finish call.
func (p *Parser) Abort() { p.aborted = true }

// Feed processes one upstream stream event, emitting zero or more Events
// on the channel returned by Events. It must not be called concurrently
// with Finish or another Feed.
func (p *Parser) Feed(ev ports.StreamEvent) {
	if p.aborted {
		return
	}
	switch ev.Kind {
	case ports.EventTextDelta:
		p.feedText(ev.TextDelta)
	case ports.EventReasoningDelta:
		p.events <- Event{Kind: EventReasoning, Text: ev.TextDelta}
	case ports.EventToolCallStructured:
		p.events <- Event{
			Kind:          EventToolCall,
			Structured:    true,
			ToolCallID:    ev.ToolCall.ID,
			ToolCallName:  ev.ToolCall.Name,
			ToolCallInput: ev.ToolCall.Input,
		}
	}
}

// Finish signals the upstream stream has ended (or been aborted), closes
// the events channel, and returns the stream's Terminal value. Any
// partial tag buffered in the FSM is discarded, per the tag grammar's
// "unclosed tags at stream end are discarded" rule. messageID is the
// provider's id for the completed message (empty if the stream never
// produced one, e.g. on abort or transport error); transportErr carries a
// non-abort failure that ended the stream early.
func (p *Parser) Finish(messageID string, transportErr error) Terminal {
	close(p.events)
	return Terminal{MessageID: messageID, Aborted: p.aborted, Err: transportErr}
}

// feedText runs the tag-grammar FSM over one chunk of text, a rune at a
// time. Completed tool tags are emitted as EventToolCall; the enclosing
// text runs are emitted as EventText, preserving the ordering guarantee
// that every text chunk precedes any tool call whose opening tag began
// after it.
func (p *Parser) feedText(chunk string) {
	var textRun strings.Builder

	flushText := func() {
		if textRun.Len() > 0 {
			p.events <- Event{Kind: EventText, Text: textRun.String()}
			textRun.Reset()
		}
	}

	// abandon drops back to stateText, replaying everything buffered in
	// pending (plus the triggering rune, if any) as plain text. Used
	// whenever a candidate tag turns out not to be well-formed.
	abandon := func(extra string) {
		textRun.WriteString(p.pending.String())
		textRun.WriteString(extra)
		p.pending.Reset()
		p.buf.Reset()
		p.state = stateText
	}

	for _, r := range chunk {
		switch p.state {
		case stateText:
			if r == '<' {
				p.pending.Reset()
				p.pending.WriteRune(r)
				p.buf.Reset()
				p.state = stateToolName
				continue
			}
			textRun.WriteRune(r)

		case stateToolName:
			p.pending.WriteRune(r)
			switch {
			case r == '>':
				name := p.buf.String()
				if !isValidTagName(name) {
					abandon("")
					continue
				}
				flushText()
				p.tagName = name
				p.params = map[string]string{}
				p.pending.Reset()
				p.state = stateBody
			case isTagNameRune(r):
				p.buf.WriteRune(r)
			default:
				abandon("")
			}

		case stateBody:
			p.pending.WriteRune(r)
			switch {
			case r == '<':
				p.buf.Reset()
				p.state = stateParamOrClose
			case r == ' ' || r == '\t' || r == '\n' || r == '\r':
				// whitespace between tags; keep buffering into pending so
				// it can be replayed if the tool tag never closes, but
				// stay in stateBody.
			default:
				// Stray characters between tags that aren't whitespace:
				// not a well-formed tool invocation; bail out to text.
				abandon("")
			}

		case stateParamOrClose:
			p.pending.WriteRune(r)
			switch {
			case r == '/':
				p.state = stateToolClose
				p.buf.Reset()
			case isTagNameRune(r):
				p.buf.WriteRune(r)
				p.state = stateParamName
			default:
				abandon("")
			}

		case stateParamName:
			p.pending.WriteRune(r)
			switch {
			case r == '>':
				name := p.buf.String()
				if !isValidTagName(name) {
					abandon("")
					continue
				}
				p.paramName = name
				p.buf.Reset()
				p.pending.Reset()
				p.state = stateParamValue
			case isTagNameRune(r):
				p.buf.WriteRune(r)
			default:
				abandon("")
			}

		case stateParamValue:
			if r == '<' {
				p.pending.Reset()
				p.pending.WriteRune(r)
				p.state = stateParamClose
				continue
			}
			p.buf.WriteRune(r)

		case stateParamClose:
			p.pending.WriteRune(r)
			switch {
			case r == '/':
				// candidate closing tag; keep collecting its name in a
				// fresh scratch accumulator layered onto pending.
			case r == '>':
				closeName := paramCloseName(p.pending.String())
				if closeName == p.paramName {
					p.params[p.paramName] = p.buf.String()
					p.paramName = ""
					p.buf.Reset()
					p.pending.Reset()
					p.state = stateBody
				} else {
					// Not our param's closing tag: treat the whole
					// buffered "<...>" run as literal value content and
					// resume collecting the value.
					p.buf.WriteString(p.pending.String())
					p.pending.Reset()
					p.state = stateParamValue
				}
			default:
				if !isTagNameRune(r) {
					// Not a tag at all (e.g. "a < b"); fold back into the
					// value verbatim.
					p.buf.WriteString(p.pending.String())
					p.pending.Reset()
					p.state = stateParamValue
				}
			}

		case stateToolClose:
			p.pending.WriteRune(r)
			switch {
			case r == '>':
				name := p.buf.String()
				p.pending.Reset()
				if name == p.tagName {
					p.events <- Event{Kind: EventToolCall, ToolCallName: p.tagName, ToolCallArgs: p.params}
					p.tagName = ""
					p.params = nil
					p.state = stateText
				} else {
					// Mismatched close tag: not a well-formed invocation;
					// discard the malformed tail rather than misattribute
					// it, per "unclosed tags at stream end are discarded".
					p.tagName = ""
					p.params = nil
					p.state = stateText
				}
			case isTagNameRune(r):
				p.buf.WriteRune(r)
			default:
				abandon("")
			}
		}
	}

	flushText()
}

// paramCloseName extracts the tag name from a buffered "</name>" run.
func paramCloseName(s string) string {
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimPrefix(s, "/")
	s = strings.TrimSuffix(s, ">")
	return s
}

func isValidTagName(s string) bool {
	if s == "" {
		return false
	}
	if s[0] < 'a' || s[0] > 'z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}

func isTagNameRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_'
}
