package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError reports a model reply from which no usable JSON document could
// be recovered.
type ParseError struct {
	Raw string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("no JSON document found in model reply (%d chars)", len(e.Raw))
}

// ExtractJSON recovers a JSON document from a model reply and unmarshals it
// into v. Three passes: the whole reply, then the first fenced code block,
// then every balanced top-level object or array candidate. Returns
// *ParseError when nothing parses into v.
func ExtractJSON(reply string, v any) error {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return &ParseError{Raw: reply}
	}

	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}

	if block := extractFencedBlock(trimmed); block != "" {
		if err := json.Unmarshal([]byte(block), v); err == nil {
			return nil
		}
	}

	for _, candidate := range findJSONCandidates(trimmed) {
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			return nil
		}
	}

	return &ParseError{Raw: reply}
}

// extractFencedBlock returns the body of the first ``` fence, with an
// optional language tag stripped. Returns "" when no complete fence exists.
func extractFencedBlock(s string) string {
	start := strings.Index(s, "```")
	if start == -1 {
		return ""
	}
	rest := s[start+3:]
	end := strings.Index(rest, "```")
	if end == -1 {
		return ""
	}
	block := rest[:end]

	// Drop a language tag like "json" on the opening line.
	if nl := strings.IndexByte(block, '\n'); nl != -1 {
		firstLine := strings.TrimSpace(block[:nl])
		if firstLine != "" && !strings.ContainsAny(firstLine, "{}[]\"") {
			block = block[nl+1:]
		}
	}
	return strings.TrimSpace(block)
}

// findJSONCandidates scans for balanced top-level JSON objects and arrays.
// A byte-level state machine skips string contents and escapes; iterating
// bytes is safe because the delimiters are ASCII and UTF-8 guarantees ASCII
// bytes never occur inside a multi-byte sequence.
func findJSONCandidates(s string) []string {
	var candidates []string
	var depth int
	var start = -1
	var inString, escape bool

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			// Quotes outside a candidate are prose, not JSON strings.
			if depth > 0 {
				inString = true
			}
		case '{', '[':
			if depth == 0 {
				start = i
			}
			depth++
		case '}', ']':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					candidates = append(candidates, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return candidates
}
