package s3log

import (
	"strings"
)

// 79a59df900b949e55d96a1e698fbacedfd6e09d98eacf8f8d5218e7cd47ef2be awsexamplebucket1 [06/Feb/2019:00:00:38 +0000] 192.0.2.3 79a59df900b949e55d96a1e698fbacedfd6e09d98eacf8f8d5218e7cd47ef2be 3E57427F3EXAMPLE REST.GET.VERSIONING - "GET /awsexamplebucket1?versioning HTTP/1.1" 200 - 113 - 7 - "-" "S3Console/0.4" - s9lzHYrFp76ZVxRcpX9+5cjAnEH2ROuNkd2BHfIa6UkFVdtjf5mKR3/eTPFvsiP/XV/VLi31234= SigV2 ECDHE-RSA-AES128-GCM-SHA256 AuthHeader awsexamplebucket1.s3.us-west-1.amazonaws.com TLSV1.1

type Token int

const (
	ILLEGAL Token = iota
	FIELD
	EOF
)

func (t Token) String() string {
	switch t {
	case ILLEGAL:
		return "ILLEGAL"
	case FIELD:
		return "FIELD"
	case EOF:
		return "EOF"
	default:
		return "UNKNOWN"
	}
}

// Scanner walks a single log line field by field. The line must already be
// stripped of its terminator.
type Scanner struct {
	line string
	pos  int
	err  error
}

func NewScanner(line string) *Scanner {
	return &Scanner{line: line}
}

// Err returns the error that produced the last ILLEGAL token.
func (s *Scanner) Err() error {
	return s.err
}

// Scan returns the next field. Once ILLEGAL or EOF has been returned every
// later call returns the same token.
func (s *Scanner) Scan() (t Token, lit string) {
	if s.err != nil {
		return ILLEGAL, ""
	}
	s.pos = skipSpaces(s.line, s.pos)
	if s.pos >= len(s.line) {
		return EOF, ""
	}
	var (
		next int
		err  error
	)
	switch s.line[s.pos] {
	case '[':
		lit, next, err = scanBracket(s.line, s.pos)
	case '"':
		lit, next, err = scanQuoted(s.line, s.pos)
	default:
		lit, next = scanCharacters(s.line, s.pos)
	}
	if err != nil {
		s.err = &TokenizationError{Line: truncate(s.line), Offset: s.pos, Err: err}
		s.pos = len(s.line)
		return ILLEGAL, lit
	}
	s.pos = next
	return FIELD, lit
}

// Tokenize splits line into its raw fields.
func Tokenize(line string) ([]string, error) {
	s := NewScanner(line)
	fields := make([]string, 0, len(ExtendedSchema.Columns))
	for {
		tok, lit := s.Scan()
		switch tok {
		case EOF:
			return fields, nil
		case ILLEGAL:
			return nil, s.Err()
		default:
			fields = append(fields, lit)
		}
	}
}

func skipSpaces(line string, pos int) int {
	for pos < len(line) && line[pos] == ' ' {
		pos++
	}
	return pos
}

// scanCharacters reads an unquoted field starting at pos. The returned
// position is that of the terminating space, or len(line).
func scanCharacters(line string, pos int) (string, int) {
	end := strings.IndexByte(line[pos:], ' ')
	if end < 0 {
		return line[pos:], len(line)
	}
	return line[pos : pos+end], pos + end
}

// scanBracket reads a [..] field whose opening bracket is at pos and returns
// the text between the brackets and the position after the closing one.
func scanBracket(line string, pos int) (string, int, error) {
	end := strings.IndexByte(line[pos+1:], ']')
	if end < 0 {
		return line[pos+1:], len(line), ErrUnterminatedBracket
	}
	return line[pos+1 : pos+1+end], pos + end + 2, nil
}

// scanQuoted reads a "..." field whose opening quote is at pos. A backslash
// makes the following byte literal.
func scanQuoted(line string, pos int) (string, int, error) {
	start := pos + 1
	// Most quoted fields carry no escapes and can be sliced directly.
	for i := start; i < len(line); i++ {
		switch line[i] {
		case '"':
			return line[start:i], i + 1, nil
		case '\\':
			return scanEscaped(line, start, i)
		}
	}
	return line[start:], len(line), ErrUnterminatedQuote
}

func scanEscaped(line string, start, i int) (string, int, error) {
	var b strings.Builder
	b.Grow(len(line) - start)
	b.WriteString(line[start:i])
	for ; i < len(line); i++ {
		ch := line[i]
		switch ch {
		case '"':
			return b.String(), i + 1, nil
		case '\\':
			i++
			if i >= len(line) {
				return b.String(), len(line), ErrDanglingEscape
			}
			b.WriteByte(line[i])
		default:
			b.WriteByte(ch)
		}
	}
	return b.String(), len(line), ErrUnterminatedQuote
}

const maxErrLine = 256

func truncate(line string) string {
	if len(line) <= maxErrLine {
		return line
	}
	return line[:maxErrLine] + "..."
}
