package rewrite

import (
	"regexp"
	"strings"
)

// Exclusion rules are checked against the source URL before anything else.
var excludeSrcRes = []*regexp.Regexp{
	regexp.MustCompile(`sb-instagram-feed-images`),
	regexp.MustCompile(`instagram-feed`),
	regexp.MustCompile(`\.webp(\?|$)`),
	regexp.MustCompile(`/plugins/`),
}

var (
	attachmentClassRe = regexp.MustCompile(`wp-image-\d+`)
	dataAttrRe        = regexp.MustCompile(`data-[^=]*="[^"]*"`)
	descriptiveAltRe  = regexp.MustCompile(`alt="[^"]{10,}"`)
	uploadsPathRe     = regexp.MustCompile(`/wp-content/uploads/`)
	focalPointRe      = regexp.MustCompile(`style="[^"]*object-position:`)
)

// Classifier decides from markup alone whether an <img> came out of the
// platform's own image pipeline and is safe to rewrite. It errs on the side
// of leaving images alone.
type Classifier struct {
	sizeClassRe *regexp.Regexp
}

// NewClassifier builds a Classifier that accepts "size-<name>" class tokens
// for every name in sizeClasses.
func NewClassifier(sizeClasses []string) *Classifier {
	c := &Classifier{}
	quoted := make([]string, 0, len(sizeClasses))
	for _, name := range sizeClasses {
		if name = strings.TrimSpace(name); name != "" {
			quoted = append(quoted, regexp.QuoteMeta(name))
		}
	}
	if len(quoted) > 0 {
		c.sizeClassRe = regexp.MustCompile(`size-(?:` + strings.Join(quoted, "|") + `)`)
	}
	return c
}

// Excluded reports whether src belongs to a source that is never rewritten:
// third-party feed widgets, images that already are WebP, and plugin assets.
func (c *Classifier) Excluded(src string) bool {
	for _, re := range excludeSrcRes {
		if re.MatchString(src) {
			return true
		}
	}
	return false
}

// Eligible reports whether the tag with attribute text attrs and source src
// should be rewritten. Exclusions win over every inclusion signal.
func (c *Classifier) Eligible(attrs, src string) bool {
	if c.Excluded(src) {
		return false
	}

	switch {
	case attachmentClassRe.MatchString(attrs):
	case c.sizeClassRe != nil && c.sizeClassRe.MatchString(attrs):
	case dataAttrRe.MatchString(attrs):
	case descriptiveAltRe.MatchString(attrs):
	case uploadsPathRe.MatchString(src):
	case focalPointRe.MatchString(attrs):
	default:
		return false
	}
	return true
}
