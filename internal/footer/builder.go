package footer

import "strings"

// Builder assembles a meta commit message: subject, optional free-text
// comment, then footer lines in the order they are added.
type Builder struct {
	msg     strings.Builder
	footers strings.Builder
}

// NewBuilder starts a message with the given subject and optional comment.
func NewBuilder(subject, comment string) *Builder {
	b := &Builder{}
	b.msg.WriteString(subject)
	b.msg.WriteString("\n\n")
	if comment != "" {
		b.msg.WriteString(strings.Trim(comment, "\n"))
		b.msg.WriteString("\n\n")
	}
	return b
}

// Add appends one footer line. The value is sanitized; an empty value
// produces "Key: " which decodes back to an empty string.
func (b *Builder) Add(key, value string) {
	b.footers.WriteString(key)
	b.footers.WriteString(": ")
	b.footers.WriteString(Sanitize(value))
	b.footers.WriteByte('\n')
}

// Empty reports whether no footer has been added yet.
func (b *Builder) Empty() bool {
	return b.footers.Len() == 0
}

// String renders the complete commit message.
func (b *Builder) String() string {
	return b.msg.String() + b.footers.String()
}

// Sanitize strips the control characters that would corrupt line-oriented
// footer parsing.
func Sanitize(value string) string {
	if !strings.ContainsAny(value, "\r\n\x00") {
		return value
	}
	r := strings.NewReplacer("\r", " ", "\n", " ", "\x00", " ")
	return r.Replace(value)
}
