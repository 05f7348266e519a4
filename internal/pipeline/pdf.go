package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var contentPageNr = regexp.MustCompile(`_(\d+)\.txt$`)

// pdfText counts pages with pdfcpu and recovers the text shown by the
// content streams of every page.
func pdfText(data []byte) (string, int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return "", 0, fmt.Errorf("read pdf: %w", err)
	}

	tmpDir, err := os.MkdirTemp("", "integrity-pdf-*")
	if err != nil {
		return "", 0, err
	}
	defer os.RemoveAll(tmpDir)

	if err := api.ExtractContent(bytes.NewReader(data), tmpDir, "doc", nil, conf); err != nil {
		return "", pages, fmt.Errorf("extract pdf content: %w", err)
	}

	files, _ := filepath.Glob(filepath.Join(tmpDir, "*.txt"))
	sort.Slice(files, func(i, j int) bool { return pageNr(files[i]) < pageNr(files[j]) })

	var b strings.Builder
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return "", pages, err
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(textFromContentStream(raw))
	}
	return b.String(), pages, nil
}

func pageNr(path string) int {
	m := contentPageNr.FindStringSubmatch(path)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// textFromContentStream keeps the strings passed to the text showing
// operators (Tj, TJ, ' and ") and turns positioning operators into breaks.
// Fonts with custom encodings come out as whatever their bytes spell.
func textFromContentStream(src []byte) string {
	var (
		out     strings.Builder
		pending []string
		inArray bool
	)
	space := func() {
		s := out.String()
		if len(s) > 0 && !strings.HasSuffix(s, " ") && !strings.HasSuffix(s, "\n") {
			out.WriteByte(' ')
		}
	}
	newline := func() {
		s := out.String()
		if len(s) > 0 && !strings.HasSuffix(s, "\n") {
			out.WriteByte('\n')
		}
	}
	emit := func() {
		for _, p := range pending {
			out.WriteString(p)
		}
		pending = pending[:0]
	}

	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '(':
			s, n := readLiteralString(src[i:])
			pending = append(pending, decodePDFString(s))
			i += n
		case c == '<' && i+1 < len(src) && src[i+1] == '<':
			i += 2
		case c == '>' && i+1 < len(src) && src[i+1] == '>':
			i += 2
		case c == '<':
			end := bytes.IndexByte(src[i:], '>')
			if end < 0 {
				i = len(src)
				continue
			}
			pending = append(pending, decodePDFString(decodeHex(src[i+1:i+end])))
			i += end + 1
		case c == '[':
			inArray = true
			i++
		case c == ']':
			inArray = false
			i++
		case c == '%':
			for i < len(src) && src[i] != '\n' && src[i] != '\r' {
				i++
			}
		case isPDFSpace(c) || c == '{' || c == '}' || c == ')':
			i++
		default:
			start := i
			if c == '/' {
				i++
			}
			for i < len(src) && !isPDFSpace(src[i]) && !isPDFDelim(src[i]) {
				i++
			}
			tok := string(src[start:i])
			if i == start {
				i++
				continue
			}
			if tok[0] == '/' {
				continue
			}
			if n, err := strconv.ParseFloat(tok, 64); err == nil {
				// large negative kerning inside TJ separates words
				if inArray && n < -200 {
					pending = append(pending, " ")
				}
				continue
			}
			switch tok {
			case "Tj", "TJ":
				emit()
			case "'", "\"":
				newline()
				emit()
			case "T*", "ET":
				pending = pending[:0]
				newline()
			case "Td", "TD", "Tm":
				pending = pending[:0]
				space()
			case "ID":
				// inline image data runs until EI
				end := bytes.Index(src[i:], []byte("EI"))
				if end < 0 {
					i = len(src)
				} else {
					i += end + 2
				}
				pending = pending[:0]
			default:
				pending = pending[:0]
			}
		}
	}
	return strings.TrimSpace(out.String())
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isPDFDelim(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

// readLiteralString reads a balanced (…) string starting at src[0] and
// returns its unescaped bytes and the number of input bytes consumed.
func readLiteralString(src []byte) ([]byte, int) {
	var (
		out   []byte
		depth = 0
		i     = 0
	)
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\\' && i+1 < len(src):
			i++
			e := src[i]
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\n':
			case '\r':
				if i+1 < len(src) && src[i+1] == '\n' {
					i++
				}
			default:
				if e >= '0' && e <= '7' {
					v := 0
					j := 0
					for ; j < 3 && i+j < len(src) && src[i+j] >= '0' && src[i+j] <= '7'; j++ {
						v = v*8 + int(src[i+j]-'0')
					}
					out = append(out, byte(v))
					i += j - 1
				} else {
					out = append(out, e)
				}
			}
			i++
			continue
		case c == '(':
			depth++
			if depth > 1 {
				out = append(out, c)
			}
		case c == ')':
			depth--
			if depth == 0 {
				return out, i + 1
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
		i++
	}
	return out, i
}

func decodeHex(src []byte) []byte {
	var digits []byte
	for _, c := range src {
		if unicode.Is(unicode.ASCII_Hex_Digit, rune(c)) {
			digits = append(digits, c)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, len(digits)/2)
	for i := range out {
		v, _ := strconv.ParseUint(string(digits[2*i:2*i+2]), 16, 8)
		out[i] = byte(v)
	}
	return out
}

// decodePDFString handles UTF-16BE strings (with BOM) and treats everything
// else as Latin-1, dropping control characters.
func decodePDFString(b []byte) string {
	if len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		u := make([]uint16, 0, (len(b)-2)/2)
		for i := 2; i+1 < len(b); i += 2 {
			u = append(u, uint16(b[i])<<8|uint16(b[i+1]))
		}
		return string(utf16.Decode(u))
	}
	var sb strings.Builder
	for _, c := range b {
		r := rune(c)
		if r == '\n' || r == '\t' || r >= 0x20 && r != 0x7f {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
