package rewrite

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// SrcsetEntry is one candidate of a srcset attribute.
type SrcsetEntry struct {
	URL         string
	Descriptors []string
}

// Descriptor returns the entry's descriptors joined by single spaces.
func (e SrcsetEntry) Descriptor() string {
	return strings.Join(e.Descriptors, " ")
}

// Width returns the pixel width the candidate's descriptor implies, using
// baseWidth for density descriptors.
func (e SrcsetEntry) Width(baseWidth int) (int, bool) {
	return WidthFromDescriptor(e.Descriptor(), baseWidth)
}

// WithParams returns a copy of e whose URL carries params, with the width
// parameter set to e.Width(baseWidth) or removed when no width is implied.
func (e SrcsetEntry) WithParams(params Params, baseWidth int) SrcsetEntry {
	p := params.Without(ParamWidth)
	if w, ok := e.Width(baseWidth); ok {
		p = p.Set(ParamWidth, strconv.Itoa(w))
	}
	e.URL = BuildURL(e.URL, p)
	return e
}

// Srcset is an ordered list of srcset candidates.
type Srcset []SrcsetEntry

// ParseSrcset splits a srcset attribute value into its candidates. Empty
// candidates are dropped. A URL runs up to the next whitespace, so it may
// contain commas; trailing commas end the candidate. Descriptors run up to
// the next comma outside parentheses.
func ParseSrcset(s string) Srcset {
	var ss Srcset
	pos := 0
	for pos < len(s) {
		for pos < len(s) && (isSrcsetSpace(s[pos]) || s[pos] == ',') {
			pos++
		}
		if pos == len(s) {
			break
		}

		end := pos
		for end < len(s) && !isSrcsetSpace(s[end]) {
			end++
		}
		raw := s[pos:end]
		pos = end

		entry := SrcsetEntry{URL: strings.TrimRight(raw, ",")}
		if entry.URL == raw {
			var desc string
			desc, pos = scanDescriptors(s, pos)
			entry.Descriptors = splitDescriptors(desc)
		}
		ss = append(ss, entry)
	}
	return ss
}

// scanDescriptors returns the descriptor text starting at pos and the
// position just past the comma that ends it.
func scanDescriptors(s string, pos int) (string, int) {
	depth := 0
	for i := pos; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				return s[pos:i], i + 1
			}
		}
	}
	return s[pos:], len(s)
}

// splitDescriptors splits on whitespace outside parentheses.
func splitDescriptors(desc string) []string {
	var out []string
	depth, start := 0, -1
	for i := 0; i < len(desc); i++ {
		c := desc[i]
		switch {
		case c == '(':
			depth++
		case c == ')' && depth > 0:
			depth--
		case isSrcsetSpace(c) && depth == 0:
			if start >= 0 {
				out = append(out, desc[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, desc[start:])
	}
	return out
}

func isSrcsetSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}

// WithParams applies params to every candidate; see SrcsetEntry.WithParams.
func (ss Srcset) WithParams(params Params, baseWidth int) Srcset {
	out := make(Srcset, len(ss))
	for i, e := range ss {
		out[i] = e.WithParams(params, baseWidth)
	}
	return out
}

// String renders the candidates joined by ", ".
func (ss Srcset) String() string {
	parts := make([]string, len(ss))
	for i, e := range ss {
		parts[i] = e.URL
		if len(e.Descriptors) > 0 {
			parts[i] += " " + e.Descriptor()
		}
	}
	return strings.Join(parts, ", ")
}

var (
	widthDescriptorRe   = regexp.MustCompile(`(\d+)w`)
	densityDescriptorRe = regexp.MustCompile(`(\d+(?:\.\d+)?)x`)
)

// WidthFromDescriptor derives a pixel width from a srcset descriptor. A
// width descriptor ("800w") yields its number. A density descriptor ("2x")
// yields round(baseWidth * density) and needs a positive baseWidth.
func WidthFromDescriptor(descriptor string, baseWidth int) (int, bool) {
	if m := widthDescriptorRe.FindStringSubmatch(descriptor); m != nil {
		w, err := strconv.Atoi(m[1])
		if err == nil && w > 0 {
			return w, true
		}
	}

	if baseWidth <= 0 {
		return 0, false
	}
	if m := densityDescriptorRe.FindStringSubmatch(descriptor); m != nil {
		density, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, false
		}
		w := int(math.Round(float64(baseWidth) * density))
		if w > 0 {
			return w, true
		}
	}

	return 0, false
}

// RewriteSrcset applies params to every candidate URL. Each candidate's
// width parameter is replaced by the width its descriptor implies, or
// removed from params when no width can be derived. Candidate order and
// descriptor text are preserved.
func RewriteSrcset(srcset string, params Params, baseWidth int) string {
	return ParseSrcset(srcset).WithParams(params, baseWidth).String()
}
