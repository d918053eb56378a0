package provider

import (
	"fmt"
	"strings"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ParserState is the state of a ReasoningParser
type ParserState int

const (
	// StateContent is outside any reasoning block
	StateContent ParserState = iota
	// StateReasoning is inside an open reasoning block
	StateReasoning
	// StateComplete is terminal: input ended outside a reasoning block
	StateComplete
	// StateUnterminated is terminal: input ended inside a reasoning block
	// and the remainder was treated as reasoning
	StateUnterminated
)

func (s ParserState) String() string {
	switch s {
	case StateContent:
		return "content"
	case StateReasoning:
		return "reasoning"
	case StateComplete:
		return "complete"
	case StateUnterminated:
		return "unterminated"
	default:
		return "unknown"
	}
}

// ReasoningParseErrorKind classifies reasoning parse outcomes
type ReasoningParseErrorKind string

const KindUnterminated ReasoningParseErrorKind = "unterminated"

// ReasoningParseError describes a malformed reasoning block. It is reported
// as a value on the extraction, not returned as a call failure.
type ReasoningParseError struct {
	Kind ReasoningParseErrorKind
	// Offset is the byte offset in the content stream where the open marker
	// started
	Offset int
}

func (e *ReasoningParseError) Error() string {
	return fmt.Sprintf("reasoning %s: %s opened at offset %d was never closed", e.Kind, thinkOpen, e.Offset)
}

// Segment is the output of one parser step
type Segment struct {
	Content   string
	Reasoning string
}

// Empty reports whether the segment carries no text
func (s Segment) Empty() bool {
	return s.Content == "" && s.Reasoning == ""
}

// ReasoningParser incrementally splits streamed content into reasoning and
// answer text at <think>...</think> markers. Only a suffix that could still
// become a marker is held back, at most len("</think>")-1 bytes, so every
// Feed is linear in the chunk.
type ReasoningParser struct {
	pending  string
	state    ParserState
	consumed int
	openedAt int
	err      *ReasoningParseError
}

// NewReasoningParser returns a parser in the content state
func NewReasoningParser() *ReasoningParser {
	return &ReasoningParser{state: StateContent}
}

// State returns the current state
func (p *ReasoningParser) State() ParserState {
	return p.state
}

// Feed consumes a chunk and returns the text that is now unambiguous.
// Feeding after Finish is a no-op.
func (p *ReasoningParser) Feed(chunk string) Segment {
	if p.terminal() || chunk == "" {
		return Segment{}
	}

	var seg Segment
	data := p.pending + chunk
	base := p.consumed - len(p.pending)
	p.pending = ""

	for {
		tag := thinkOpen
		if p.state == StateReasoning {
			tag = thinkClose
		}

		if idx := strings.Index(data, tag); idx >= 0 {
			p.emit(&seg, data[:idx])
			if p.state == StateContent {
				p.state = StateReasoning
				p.openedAt = base + idx
			} else {
				p.state = StateContent
			}
			data = data[idx+len(tag):]
			base += idx + len(tag)
			continue
		}

		keep := partialSuffix(data, tag)
		p.emit(&seg, data[:len(data)-keep])
		p.pending = data[len(data)-keep:]
		break
	}

	p.consumed += len(chunk)
	return seg
}

// Finish flushes held-back bytes and moves the parser to a terminal state.
// A reasoning block that never closed yields StateUnterminated and a non-nil
// error value; everything after its open marker is reasoning.
func (p *ReasoningParser) Finish() (Segment, *ReasoningParseError) {
	if p.terminal() {
		return Segment{}, p.err
	}

	var seg Segment
	p.emit(&seg, p.pending)
	p.pending = ""

	if p.state == StateReasoning {
		p.state = StateUnterminated
		p.err = &ReasoningParseError{Kind: KindUnterminated, Offset: p.openedAt}
		return seg, p.err
	}
	p.state = StateComplete
	return seg, nil
}

func (p *ReasoningParser) terminal() bool {
	return p.state == StateComplete || p.state == StateUnterminated
}

func (p *ReasoningParser) emit(seg *Segment, text string) {
	if text == "" {
		return
	}
	if p.state == StateReasoning {
		seg.Reasoning += text
	} else {
		seg.Content += text
	}
}

// partialSuffix returns the length of the longest proper prefix of tag that
// data ends with
func partialSuffix(data, tag string) int {
	maxKeep := min(len(tag)-1, len(data))
	for k := maxKeep; k > 0; k-- {
		if strings.HasSuffix(data, tag[:k]) {
			return k
		}
	}
	return 0
}

// ReasoningSource tells where extracted reasoning came from
type ReasoningSource string

const (
	SourceNone   ReasoningSource = "none"
	SourceNative ReasoningSource = "native"
	SourceTagged ReasoningSource = "tagged"
)

// Extraction is a response split into answer and reasoning
type Extraction struct {
	Content   string
	Reasoning string
	Source    ReasoningSource
	State     ParserState
	Err       *ReasoningParseError
}

// ExtractReasoning prefers the provider's native reasoning field and falls
// back to parsing <think> markers out of the content.
func ExtractReasoning(resp *Response) Extraction {
	if resp == nil {
		return Extraction{Source: SourceNone, State: StateComplete}
	}
	if strings.TrimSpace(resp.Reasoning) != "" {
		return Extraction{
			Content:   resp.Content,
			Reasoning: resp.Reasoning,
			Source:    SourceNative,
			State:     StateComplete,
		}
	}

	p := NewReasoningParser()
	first := p.Feed(resp.Content)
	last, perr := p.Finish()

	ex := Extraction{
		Content:   first.Content + last.Content,
		Reasoning: first.Reasoning + last.Reasoning,
		Source:    SourceNone,
		State:     p.State(),
		Err:       perr,
	}
	if ex.Reasoning != "" || perr != nil || strings.Contains(resp.Content, thinkOpen) {
		ex.Source = SourceTagged
	}
	return ex
}
