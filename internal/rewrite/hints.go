package rewrite

import (
	"regexp"
	"strconv"
	"strings"
)

// Hints are the identifying clues found in an <img> tag's attribute text.
// Zero values mean the clue was absent.
type Hints struct {
	AttachmentID int
	SizeSlug     string
	Width        int
	Height       int
	Srcset       string
	HasSrcset    bool
}

var (
	attachmentIDRe = regexp.MustCompile(`wp-image-(\d+)`)
	sizeSlugRe     = regexp.MustCompile(`size-([\p{Ll}0-9_-]+)`)
	widthAttrRe    = regexp.MustCompile(`\swidth=["'](\d+)["']`)
	heightAttrRe   = regexp.MustCompile(`\sheight=["'](\d+)["']`)
	srcsetAttrRe   = regexp.MustCompile(`(?i)\ssrcset=(?:"([^"']*)"|'([^"']*)')`)

	// Also matches at the start of a segment, where the attribute directly
	// follows the closing quote of src.
	srcsetSegmentRe = regexp.MustCompile(`(?i)(?:^|\s)srcset=(?:"[^"']*"|'[^"']*')`)

	// Checked in order; the first attribute present wins.
	sizesAttrRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\s(data-lazy-sizes)=(?:"([^"']*)"|'([^"']*)')`),
		regexp.MustCompile(`(?i)\s(data-sizes)=(?:"([^"']*)"|'([^"']*)')`),
		regexp.MustCompile(`(?i)\s(sizes)=(?:"([^"']*)"|'([^"']*)')`),
	}
)

// ExtractHints runs every extractor over attrs.
func ExtractHints(attrs string) Hints {
	h := Hints{
		AttachmentID: AttachmentID(attrs),
		SizeSlug:     SizeSlug(attrs),
	}
	h.Width, h.Height = MarkupDimensions(attrs)
	h.Srcset, h.HasSrcset = SrcsetValue(attrs)
	return h
}

// AttachmentID returns the number following the first "wp-image-" token,
// or 0.
func AttachmentID(attrs string) int {
	m := attachmentIDRe.FindStringSubmatch(attrs)
	if m == nil {
		return 0
	}
	id, err := strconv.Atoi(m[1])
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

// SizeSlug returns the normalised identifier following the first "size-"
// token, or "". Accented names are folded ("size-carré" gives "carre").
func SizeSlug(attrs string) string {
	m := sizeSlugRe.FindStringSubmatch(attrs)
	if m == nil {
		return ""
	}
	return NormalizeSlug(m[1])
}

// MarkupDimensions returns the numeric width and height attributes. Either
// may be 0 when absent.
func MarkupDimensions(attrs string) (width, height int) {
	return intAttr(widthAttrRe, attrs), intAttr(heightAttrRe, attrs)
}

func intAttr(re *regexp.Regexp, attrs string) int {
	m := re.FindStringSubmatch(attrs)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// SrcsetValue returns the raw srcset attribute value and whether one was
// present.
func SrcsetValue(attrs string) (string, bool) {
	m := srcsetAttrRe.FindStringSubmatch(attrs)
	if m == nil {
		return "", false
	}
	return m[1] + m[2], true
}

// SizesAttr returns the first of data-lazy-sizes, data-sizes or sizes as a
// ready-to-emit attribute with a leading space, or "".
func SizesAttr(attrs string) string {
	for _, re := range sizesAttrRes {
		m := re.FindStringSubmatch(attrs)
		if m == nil {
			continue
		}
		return ` ` + m[1] + `="` + escapeAttr(m[2]+m[3]) + `"`
	}
	return ""
}

// replaceSrcset swaps the first srcset attribute in attrs for newAttr,
// reporting whether one was found. newAttr carries its own leading space.
func replaceSrcset(attrs, newAttr string) (string, bool) {
	loc := srcsetSegmentRe.FindStringIndex(attrs)
	if loc == nil {
		return attrs, false
	}
	return attrs[:loc[0]] + newAttr + attrs[loc[1]:], true
}

// escapeAttr makes s safe inside a double-quoted attribute value.
func escapeAttr(s string) string {
	if !strings.ContainsAny(s, `"<>`) {
		return s
	}
	return strings.NewReplacer(`"`, "&quot;", "<", "&lt;", ">", "&gt;").Replace(s)
}
