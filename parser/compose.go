package parser

import (
	"errors"
	"fmt"

	"github.com/blaisethom/pdfshrink/ir/raw"
	"github.com/blaisethom/pdfshrink/scanner"
)

// nextValue reads one complete object from the token stream.
func nextValue(s *scanner.Scanner) (raw.Object, error) {
	tok, err := s.Next()
	if err != nil {
		return nil, err
	}
	return composeValue(s, tok)
}

// composeValue builds an object from tok, consuming further tokens for
// containers.
func composeValue(s *scanner.Scanner, tok scanner.Token) (raw.Object, error) {
	switch tok.Type {
	case scanner.TokenName:
		return raw.Name(tok.Str), nil
	case scanner.TokenNumber:
		if tok.IsInt {
			return raw.Int(tok.Int), nil
		}
		return raw.Real(tok.Float), nil
	case scanner.TokenString:
		return raw.StringObj{Bytes: tok.Bytes, Hex: tok.Hex}, nil
	case scanner.TokenBoolean:
		return raw.Bool(tok.Bool), nil
	case scanner.TokenNull:
		return raw.NullObj{}, nil
	case scanner.TokenRef:
		return raw.Ref(int(tok.Int), tok.Gen), nil
	case scanner.TokenArray:
		return composeArray(s)
	case scanner.TokenDict:
		return composeDict(s)
	default:
		return nil, fmt.Errorf("parser: unexpected token %q at offset %d", tok.Str, tok.Pos)
	}
}

func composeArray(s *scanner.Scanner) (*raw.ArrayObj, error) {
	arr := raw.NewArray()
	for {
		tok, err := s.Next()
		if err != nil {
			return nil, errors.New("parser: unterminated array")
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == "]" {
			return arr, nil
		}
		item, err := composeValue(s, tok)
		if err != nil {
			return nil, err
		}
		arr.Append(item)
	}
}

func composeDict(s *scanner.Scanner) (*raw.DictObj, error) {
	d := raw.Dict()
	for {
		tok, err := s.Next()
		if err != nil {
			return nil, errors.New("parser: unterminated dictionary")
		}
		if tok.Type == scanner.TokenKeyword && tok.Str == ">>" {
			return d, nil
		}
		if tok.Type != scanner.TokenName {
			return nil, fmt.Errorf("parser: dictionary key must be a name, got %q at offset %d", tok.Str, tok.Pos)
		}
		val, err := nextValue(s)
		if err != nil {
			return nil, err
		}
		d.Set(tok.Str, val)
	}
}

// readObjHeader consumes "num gen obj".
func readObjHeader(s *scanner.Scanner) (int64, int, error) {
	numTok, err := s.Next()
	if err != nil || numTok.Type != scanner.TokenNumber || !numTok.IsInt {
		return 0, 0, errors.New("parser: object number expected")
	}
	genTok, err := s.Next()
	if err != nil || genTok.Type != scanner.TokenNumber || !genTok.IsInt {
		return 0, 0, errors.New("parser: generation number expected")
	}
	kw, err := s.Next()
	if err != nil || kw.Type != scanner.TokenKeyword || kw.Str != "obj" {
		return 0, 0, errors.New("parser: obj keyword expected")
	}
	return numTok.Int, int(genTok.Int), nil
}
