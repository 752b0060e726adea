// Package scanner tokenizes PDF syntax: names, strings, numbers,
// indirect references, structural delimiters and stream payloads.
package scanner

import (
	"bytes"
	"errors"
	"io"
	"strconv"
)

type TokenType int

const (
	TokenDict    TokenType = iota // '<<'
	TokenArray                    // '['
	TokenName                     // /Name
	TokenString                   // literal or hex string
	TokenNumber                   // integer or real
	TokenBoolean                  // true / false
	TokenNull                     // null
	TokenRef                      // 'n g R'
	TokenStream                   // stream payload bytes
	TokenKeyword                  // obj, endobj, >>, ], ...
)

// Token is a single lexical item. Which fields are populated depends on
// Type: Str for names and keywords, Bytes for strings and stream
// payloads, Int/Float/IsInt for numbers, Int+Gen for references.
type Token struct {
	Type  TokenType
	Str   string
	Bytes []byte
	Int   int64
	Float float64
	IsInt bool
	Gen   int
	Bool  bool
	Hex   bool
	Pos   int
}

type Config struct {
	MaxStringLength int // 0 = unlimited
	MaxStreamScan   int // bound for endstream searches, 0 = unlimited
}

// Scanner walks a fully buffered byte slice. A negative stream length
// hint means "search for endstream".
type Scanner struct {
	data          []byte
	pos           int
	cfg           Config
	nextStreamLen int
}

func New(data []byte, cfg Config) *Scanner {
	return &Scanner{data: data, cfg: cfg, nextStreamLen: -1}
}

func (s *Scanner) Pos() int { return s.pos }

func (s *Scanner) SeekTo(offset int) error {
	if offset < 0 || offset > len(s.data) {
		return errors.New("scanner: seek out of range")
	}
	s.pos = offset
	return nil
}

// SetNextStreamLength tells the scanner how many payload bytes follow
// the next stream keyword. Pass a negative value to clear the hint.
func (s *Scanner) SetNextStreamLength(n int) { s.nextStreamLen = n }

func (s *Scanner) Next() (Token, error) {
	s.skipWSAndComments()
	if s.pos >= len(s.data) {
		return Token{}, io.EOF
	}
	start := s.pos
	c := s.data[s.pos]
	switch c {
	case '<':
		if s.peek(1) == '<' {
			s.pos += 2
			return Token{Type: TokenDict, Str: "<<", Pos: start}, nil
		}
		return s.scanHexString()
	case '>':
		if s.peek(1) == '>' {
			s.pos += 2
			return Token{Type: TokenKeyword, Str: ">>", Pos: start}, nil
		}
		s.pos++
		return Token{Type: TokenKeyword, Str: ">", Pos: start}, nil
	case '[':
		s.pos++
		return Token{Type: TokenArray, Str: "[", Pos: start}, nil
	case ']':
		s.pos++
		return Token{Type: TokenKeyword, Str: "]", Pos: start}, nil
	case '(':
		return s.scanLiteralString()
	case '/':
		return s.scanName()
	}
	if isNumberStart(c) {
		return s.scanNumberOrRef()
	}
	if isRegular(c) {
		return s.scanKeyword()
	}
	s.pos++
	return Token{Type: TokenKeyword, Str: string(c), Pos: start}, nil
}

func (s *Scanner) skipWSAndComments() {
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		if isWhitespace(c) {
			s.pos++
			continue
		}
		if c == '%' {
			for s.pos < len(s.data) && !isEOL(s.data[s.pos]) {
				s.pos++
			}
			continue
		}
		return
	}
}

func (s *Scanner) peek(n int) byte {
	if s.pos+n >= len(s.data) {
		return 0
	}
	return s.data[s.pos+n]
}

func (s *Scanner) scanName() (Token, error) {
	start := s.pos
	s.pos++ // '/'
	var out bytes.Buffer
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		if isDelimiter(c) {
			break
		}
		if c == '#' && s.pos+2 < len(s.data) {
			out.WriteByte(fromHex(s.data[s.pos+1])<<4 | fromHex(s.data[s.pos+2]))
			s.pos += 3
			continue
		}
		out.WriteByte(c)
		s.pos++
	}
	return Token{Type: TokenName, Str: out.String(), Pos: start}, nil
}

func (s *Scanner) scanLiteralString() (Token, error) {
	start := s.pos
	s.pos++ // '('
	var buf bytes.Buffer
	depth := 1
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		switch {
		case c == '\\':
			s.pos++
			if s.pos >= len(s.data) {
				break
			}
			esc := s.data[s.pos]
			switch {
			case esc == '\r':
				s.pos++
				if s.pos < len(s.data) && s.data[s.pos] == '\n' {
					s.pos++
				}
			case esc == '\n':
				s.pos++
			case esc >= '0' && esc <= '7':
				val := int(esc - '0')
				s.pos++
				for k := 0; k < 2 && s.pos < len(s.data); k++ {
					d := s.data[s.pos]
					if d < '0' || d > '7' {
						break
					}
					val = val<<3 + int(d-'0')
					s.pos++
				}
				buf.WriteByte(byte(val))
			default:
				buf.WriteByte(unescape(esc))
				s.pos++
			}
		case c == '(':
			depth++
			buf.WriteByte(c)
			s.pos++
		case c == ')':
			depth--
			s.pos++
			if depth == 0 {
				if s.cfg.MaxStringLength > 0 && buf.Len() > s.cfg.MaxStringLength {
					return Token{}, errors.New("scanner: literal string too long")
				}
				return Token{Type: TokenString, Bytes: buf.Bytes(), Pos: start}, nil
			}
			buf.WriteByte(')')
		default:
			buf.WriteByte(c)
			s.pos++
		}
		if s.cfg.MaxStringLength > 0 && buf.Len() > s.cfg.MaxStringLength {
			return Token{}, errors.New("scanner: literal string too long")
		}
	}
	return Token{}, errors.New("scanner: unterminated literal string")
}

func (s *Scanner) scanHexString() (Token, error) {
	start := s.pos
	s.pos++ // '<'
	var nibbles []byte
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		if c == '>' {
			s.pos++
			if len(nibbles)%2 == 1 {
				nibbles = append(nibbles, '0')
			}
			out := make([]byte, 0, len(nibbles)/2)
			for i := 0; i < len(nibbles); i += 2 {
				out = append(out, fromHex(nibbles[i])<<4|fromHex(nibbles[i+1]))
			}
			return Token{Type: TokenString, Bytes: out, Hex: true, Pos: start}, nil
		}
		if !isWhitespace(c) {
			nibbles = append(nibbles, c)
		}
		s.pos++
		if s.cfg.MaxStringLength > 0 && len(nibbles)/2 > s.cfg.MaxStringLength {
			return Token{}, errors.New("scanner: hex string too long")
		}
	}
	return Token{}, errors.New("scanner: unterminated hex string")
}

func (s *Scanner) scanNumberOrRef() (Token, error) {
	start := s.pos
	first := s.scanNumberLiteral()
	if first == "" {
		s.pos++
		return Token{}, errors.New("scanner: invalid number")
	}

	// "n g R" lookahead for indirect references.
	save := s.pos
	s.skipWSAndComments()
	second := s.scanNumberLiteral()
	if second != "" {
		s.skipWSAndComments()
		if s.pos < len(s.data) && s.data[s.pos] == 'R' &&
			(s.pos+1 >= len(s.data) || isDelimiter(s.data[s.pos+1])) {
			num, err1 := strconv.Atoi(first)
			gen, err2 := strconv.Atoi(second)
			if err1 == nil && err2 == nil {
				s.pos++
				return Token{Type: TokenRef, Int: int64(num), Gen: gen, IsInt: true, Pos: start}, nil
			}
		}
	}
	s.pos = save

	if i, err := strconv.ParseInt(first, 10, 64); err == nil {
		return Token{Type: TokenNumber, Int: i, IsInt: true, Pos: start}, nil
	}
	f, err := strconv.ParseFloat(first, 64)
	if err != nil {
		return Token{}, errors.New("scanner: malformed number " + strconv.Quote(first))
	}
	return Token{Type: TokenNumber, Float: f, Pos: start}, nil
}

func (s *Scanner) scanNumberLiteral() string {
	start := s.pos
	seenDigit := false
	for s.pos < len(s.data) {
		c := s.data[s.pos]
		if c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9') {
			if c >= '0' && c <= '9' {
				seenDigit = true
			}
			s.pos++
			continue
		}
		break
	}
	if !seenDigit {
		s.pos = start
		return ""
	}
	return string(s.data[start:s.pos])
}

func (s *Scanner) scanKeyword() (Token, error) {
	start := s.pos
	for s.pos < len(s.data) && !isDelimiter(s.data[s.pos]) {
		s.pos++
	}
	kw := string(s.data[start:s.pos])
	switch kw {
	case "true", "false":
		return Token{Type: TokenBoolean, Bool: kw == "true", Pos: start}, nil
	case "null":
		return Token{Type: TokenNull, Pos: start}, nil
	case "stream":
		return s.scanStream(start)
	default:
		return Token{Type: TokenKeyword, Str: kw, Pos: start}, nil
	}
}

// scanStream captures the payload between the stream keyword and the
// matching endstream marker, using the declared length when a hint was
// set and a bounded search otherwise.
func (s *Scanner) scanStream(start int) (Token, error) {
	// Required EOL after the keyword; tolerate a bare CR.
	if s.pos < len(s.data) && s.data[s.pos] == '\r' {
		s.pos++
	}
	if s.pos < len(s.data) && s.data[s.pos] == '\n' {
		s.pos++
	}
	dataStart := s.pos

	if s.nextStreamLen >= 0 {
		end := dataStart + s.nextStreamLen
		s.nextStreamLen = -1
		if end > len(s.data) {
			end = len(s.data)
		}
		payload := append([]byte(nil), s.data[dataStart:end]...)
		s.pos = end
		// Skip trailing EOL and the endstream keyword if present.
		if idx := bytes.Index(s.data[s.pos:], []byte("endstream")); idx >= 0 {
			s.pos += idx + len("endstream")
		} else {
			s.pos = len(s.data)
		}
		return Token{Type: TokenStream, Bytes: payload, Pos: start}, nil
	}

	needle := []byte("endstream")
	region := s.data[dataStart:]
	if s.cfg.MaxStreamScan > 0 && len(region) > s.cfg.MaxStreamScan {
		region = region[:s.cfg.MaxStreamScan]
	}
	idx := bytes.Index(region, needle)
	if idx < 0 {
		return Token{}, errors.New("scanner: endstream not found")
	}
	end := dataStart + idx
	// Trim the EOL that separates payload from the marker.
	if end > dataStart && s.data[end-1] == '\n' {
		end--
	}
	if end > dataStart && s.data[end-1] == '\r' {
		end--
	}
	payload := append([]byte(nil), s.data[dataStart:end]...)
	s.pos = dataStart + idx + len(needle)
	return Token{Type: TokenStream, Bytes: payload, Pos: start}, nil
}

func isWhitespace(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}

func isEOL(c byte) bool { return c == '\r' || c == '\n' }

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	default:
		return isWhitespace(c)
	}
}

func isNumberStart(c byte) bool {
	return c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9')
}

func isRegular(c byte) bool { return !isDelimiter(c) }

func fromHex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	case 'f':
		return '\f'
	default:
		return c
	}
}
