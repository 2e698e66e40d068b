// Package footer implements the textual wire format of meta commits: a
// subject line, an optional free-text message, and a trailing paragraph of
// "Key: value" footer lines. It is the atomic unit shared by the delta
// builder (encode) and the history parser (decode).
package footer

import (
	"strings"
)

// Canonical footer keys, in the order the encoder emits them. Keys compare
// case-insensitively on read.
const (
	KeyPatchSet            = "Patch-set"
	KeyPatchSetDescription = "Patch-set-description"
	KeyCurrent             = "Current"
	KeyChangeID            = "Change-id"
	KeySubject             = "Subject"
	KeyBranch              = "Branch"
	KeyStatus              = "Status"
	KeyTopic               = "Topic"
	KeyCommit              = "Commit"
	KeyAssignee            = "Assignee"
	KeyHashtags            = "Hashtags"
	KeyTag                 = "Tag"
	KeyGroups              = "Groups"
	KeyLabel               = "Label"
	KeySubmissionID        = "Submission-id"
	KeySubmittedWith       = "Submitted-with"
	KeyRealUser            = "Real-user"
	KeyPrivate             = "Private"
	KeyWorkInProgress      = "Work-in-progress"
	KeyRevertOf            = "Revert-of"
	KeyCherryPickOf        = "Cherry-pick-of"
)

// Line is one decoded footer line.
type Line struct {
	Key   string
	Value string
}

// Message is a decoded meta commit message.
type Message struct {
	// Subject is the first paragraph.
	Subject string
	// Comment is the free text between the subject and the footer block; it
	// becomes a change message in the snapshot.
	Comment string
	// Lines are the footer lines of the final paragraph, in file order.
	Lines []Line
}

// Parse splits a raw commit message into subject, comment and footers. A
// final paragraph counts as the footer block only if every line in it has
// the "Key: value" shape; otherwise the message carries no footers, which
// the parser will reject through its mandatory-footer checks.
func Parse(raw string) Message {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	paragraphs := splitParagraphs(normalized)
	if len(paragraphs) == 0 {
		return Message{}
	}

	m := Message{Subject: paragraphs[0]}
	if len(paragraphs) == 1 {
		return m
	}

	last := paragraphs[len(paragraphs)-1]
	lines, ok := parseFooterLines(last)
	if !ok {
		m.Comment = strings.Join(paragraphs[1:], "\n\n")
		return m
	}
	m.Lines = lines
	m.Comment = strings.Join(paragraphs[1:len(paragraphs)-1], "\n\n")
	return m
}

// Values returns every value recorded under the given key, in file order.
// Key comparison is case-insensitive.
func (m Message) Values(key string) []string {
	var out []string
	for _, l := range m.Lines {
		if strings.EqualFold(l.Key, key) {
			out = append(out, l.Value)
		}
	}
	return out
}

func splitParagraphs(s string) []string {
	trimmed := strings.Trim(s, "\n")
	if trimmed == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(trimmed, "\n\n") {
		p = strings.Trim(p, "\n")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseFooterLines(paragraph string) ([]Line, bool) {
	rawLines := strings.Split(paragraph, "\n")
	lines := make([]Line, 0, len(rawLines))
	for _, raw := range rawLines {
		colon := strings.Index(raw, ": ")
		if colon <= 0 || !validKey(raw[:colon]) {
			// Footers with empty values are written as "Key: " with a
			// trailing space stripped by some transports; accept "Key:" too.
			if strings.HasSuffix(raw, ":") && validKey(raw[:len(raw)-1]) {
				lines = append(lines, Line{Key: raw[:len(raw)-1]})
				continue
			}
			return nil, false
		}
		lines = append(lines, Line{Key: raw[:colon], Value: raw[colon+2:]})
	}
	return lines, true
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlnum && r != '-' {
			return false
		}
	}
	return true
}
