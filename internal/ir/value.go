package ir

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind is the SQLite storage class of a field value as seen through the
// ->> JSON operator. Blobs never appear in JSON rows.
type Kind int

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindText
)

// Value is a field value normalized to SQLite semantics.
type Value struct {
	Kind Kind
	Int  int64
	Real float64
	Text string
}

// Null is the SQL NULL value.
var Null = Value{Kind: KindNull}

// IsNull reports whether v is NULL.
func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) numeric() bool { return v.Kind == KindInteger || v.Kind == KindReal }

// SQLValue converts a Go value from a Row or a query literal into the value
// SQLite produces for the same JSON through ->>.
//
// JSON null and nil are NULL. Booleans become integers 1 and 0. Integral
// numbers that fit in an int64 are integers, other numbers are reals.
// Objects and arrays become their compact JSON text.
func SQLValue(v any) Value {
	switch val := v.(type) {
	case nil:
		return Null
	case bool:
		if val {
			return Value{Kind: KindInteger, Int: 1}
		}
		return Value{Kind: KindInteger, Int: 0}
	case string:
		return Value{Kind: KindText, Text: val}
	case json.Number:
		s := string(val)
		if !strings.ContainsAny(s, ".eE") {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return Value{Kind: KindInteger, Int: n}
			}
		}
		f, err := val.Float64()
		if err != nil {
			return Value{Kind: KindText, Text: s}
		}
		return Value{Kind: KindReal, Real: f}
	case int:
		return Value{Kind: KindInteger, Int: int64(val)}
	case int8:
		return Value{Kind: KindInteger, Int: int64(val)}
	case int16:
		return Value{Kind: KindInteger, Int: int64(val)}
	case int32:
		return Value{Kind: KindInteger, Int: int64(val)}
	case int64:
		return Value{Kind: KindInteger, Int: val}
	case uint:
		return fromUint(uint64(val))
	case uint8:
		return Value{Kind: KindInteger, Int: int64(val)}
	case uint16:
		return Value{Kind: KindInteger, Int: int64(val)}
	case uint32:
		return Value{Kind: KindInteger, Int: int64(val)}
	case uint64:
		return fromUint(val)
	case float32:
		return fromFloat(float64(val))
	case float64:
		return fromFloat(val)
	default:
		b, err := EncodeJSON(val)
		if err != nil {
			return Null
		}
		return Value{Kind: KindText, Text: string(b)}
	}
}

func fromUint(u uint64) Value {
	if u > math.MaxInt64 {
		return Value{Kind: KindReal, Real: float64(u)}
	}
	return Value{Kind: KindInteger, Int: int64(u)}
}

// fromFloat mirrors how an encoded float64 reads back: encoding/json writes
// integral values below 1e21 without a fraction, and SQLite parses those as
// integers when they fit in 64 bits.
func fromFloat(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Null
	}
	if f == math.Trunc(f) && f >= -9.223372036854775808e18 && f < 9.223372036854775808e18 {
		return Value{Kind: KindInteger, Int: int64(f)}
	}
	return Value{Kind: KindReal, Real: f}
}

// BindValue returns the driver argument that binds v with the same storage
// class SQLValue assigns it.
func BindValue(v any) any {
	sv := SQLValue(v)
	switch sv.Kind {
	case KindInteger:
		return sv.Int
	case KindReal:
		return sv.Real
	case KindText:
		return sv.Text
	default:
		return nil
	}
}

// Compare orders two non-NULL values the way SQLite compares operands that
// carry no column affinity: numeric values before text, numerics by value,
// text by bytes. ok is false when either side is NULL, in which case every
// SQL comparison operator yields NULL and a WHERE clause rejects the row.
func Compare(a, b Value) (cmp int, ok bool) {
	if a.IsNull() || b.IsNull() {
		return 0, false
	}
	return compareNonNull(a, b), true
}

func compareNonNull(a, b Value) int {
	switch {
	case a.numeric() && b.numeric():
		return compareNumeric(a, b)
	case a.numeric():
		return -1
	case b.numeric():
		return 1
	default:
		return strings.Compare(a.Text, b.Text)
	}
}

// Order is the total order used by ORDER BY: NULL sorts before everything.
func Order(a, b Value) int {
	switch {
	case a.IsNull() && b.IsNull():
		return 0
	case a.IsNull():
		return -1
	case b.IsNull():
		return 1
	default:
		return compareNonNull(a, b)
	}
}

func compareNumeric(a, b Value) int {
	switch {
	case a.Kind == KindInteger && b.Kind == KindInteger:
		return cmpInt(a.Int, b.Int)
	case a.Kind == KindReal && b.Kind == KindReal:
		return cmpFloat(a.Real, b.Real)
	case a.Kind == KindInteger:
		return cmpIntReal(a.Int, b.Real)
	default:
		return -cmpIntReal(b.Int, a.Real)
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cmpIntReal compares exactly, without rounding i through float64.
func cmpIntReal(i int64, r float64) int {
	if r < -9.223372036854775808e18 {
		return 1
	}
	if r >= 9.223372036854775808e18 {
		return -1
	}
	t := math.Trunc(r)
	if c := cmpInt(i, int64(t)); c != 0 {
		return c
	}
	return cmpFloat(t, r)
}

// AsText renders v the way SQLite converts it to TEXT, which is what LIKE
// matches against. ok is false for NULL.
func (v Value) AsText() (string, bool) {
	switch v.Kind {
	case KindInteger:
		return strconv.FormatInt(v.Int, 10), true
	case KindReal:
		return formatReal(v.Real), true
	case KindText:
		return v.Text, true
	default:
		return "", false
	}
}

// formatReal matches SQLite's "%!.15g": fifteen significant digits and a
// decimal point always present in the mantissa.
func formatReal(f float64) string {
	s := strconv.FormatFloat(f, 'g', 15, 64)
	mantissa, exp, hasExp := strings.Cut(s, "e")
	if !strings.Contains(mantissa, ".") {
		mantissa += ".0"
	}
	if !hasExp {
		return mantissa
	}
	return mantissa + "e" + exp
}

// Like reports whether text matches pattern using SQLite's default LIKE:
// '%' matches any run of characters, '_' matches exactly one character and
// ASCII letters compare case-insensitively. There is no escape character.
func Like(text, pattern string) bool {
	return likeMatch(text, pattern)
}

func likeMatch(s, p string) bool {
	for len(p) > 0 {
		pc, pw := utf8.DecodeRuneInString(p)
		switch pc {
		case '%':
			for len(p) > 0 && (p[0] == '%' || p[0] == '_') {
				if p[0] == '_' {
					if len(s) == 0 {
						return false
					}
					_, sw := utf8.DecodeRuneInString(s)
					s = s[sw:]
				}
				p = p[1:]
			}
			if len(p) == 0 {
				return true
			}
			for {
				if likeMatch(s, p) {
					return true
				}
				if len(s) == 0 {
					return false
				}
				_, sw := utf8.DecodeRuneInString(s)
				s = s[sw:]
			}
		case '_':
			if len(s) == 0 {
				return false
			}
			_, sw := utf8.DecodeRuneInString(s)
			s = s[sw:]
			p = p[pw:]
		default:
			if len(s) == 0 {
				return false
			}
			sc, sw := utf8.DecodeRuneInString(s)
			if foldASCII(sc) != foldASCII(pc) {
				return false
			}
			s = s[sw:]
			p = p[pw:]
		}
	}
	return len(s) == 0
}

func foldASCII(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// Lookup resolves a field path inside a row. A missing key, a JSON null or a
// non-object intermediate all resolve to nil, as ->> yields NULL for them.
func Lookup(row Row, path []string) any {
	if len(path) == 0 || row == nil {
		return nil
	}
	var cur any = map[string]any(row)
	for _, key := range path {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[key]
			if !ok {
				return nil
			}
			cur = v
		case Row:
			v, ok := m[key]
			if !ok {
				return nil
			}
			cur = v
		default:
			return nil
		}
	}
	return cur
}
