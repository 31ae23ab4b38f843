package runtime

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cryguy/openworker/internal/core"
)

// stager renders a core.Value as a script expression. Scalars become
// literals; byte payloads travel through the engine's binary transfer and
// are referenced by temporary globals the expression consumes.
type stager struct {
	bt     core.BinaryTransferer
	prefix string
	n      int
}

func (s *stager) expr(v core.Value) (string, error) {
	switch v.Kind {
	case core.KindUndefined:
		return "undefined", nil
	case core.KindNull:
		return "null", nil
	case core.KindBool:
		return strconv.FormatBool(v.Bool), nil
	case core.KindNumber:
		return jsNumber(v.Number), nil
	case core.KindString:
		return jsQuote(v.Str), nil
	case core.KindBytes:
		name := s.prefix + strconv.Itoa(s.n)
		s.n++
		if err := s.bt.WriteBinaryToJS(name, v.Bytes); err != nil {
			return "", fmt.Errorf("transferring %d bytes: %w", len(v.Bytes), err)
		}
		return "__takeBytes(" + jsQuote(name) + ")", nil
	case core.KindArray:
		parts := make([]string, len(v.Items))
		for i, it := range v.Items {
			e, err := s.expr(it)
			if err != nil {
				return "", err
			}
			parts[i] = e
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case core.KindObject:
		parts := make([]string, len(v.Fields))
		for i, f := range v.Fields {
			e, err := s.expr(f.Value)
			if err != nil {
				return "", err
			}
			parts[i] = jsQuote(f.Name) + ": " + e
		}
		return "({" + strings.Join(parts, ", ") + "})", nil
	default:
		return "", fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

func jsNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f < 0 || (f == 0 && math.Signbit(f)):
		return "(" + strconv.FormatFloat(f, 'g', -1, 64) + ")"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// jsQuote returns s as a double-quoted script string literal.
func jsQuote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\u2028', '\u2029':
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			if r < 0x20 || r == 0x7f {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
