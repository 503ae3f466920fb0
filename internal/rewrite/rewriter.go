// Package rewrite turns platform-rendered <img> tags that point at JPEG or
// PNG files into <picture> elements whose <source> asks the image CDN for a
// WebP rendition, keeping the original format as the <img> fallback.
//
// Matching is done with regular expressions rather than an HTML parser so
// that arbitrary, possibly malformed page markup passes through untouched
// wherever a tag does not fit the expected shape.
package rewrite

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aellingwood/webpcdn/internal/config"
	"github.com/aellingwood/webpcdn/internal/metadata"
)

var (
	// pictureRe matches existing <picture> blocks, which are never touched.
	pictureRe = regexp.MustCompile(`(?is)<picture[^>]*>.*?</picture>`)

	// imgRe captures the attribute text before src, the absolute JPEG/PNG
	// source URL, and the attribute text after it.
	imgRe = regexp.MustCompile(`(?i)<img([^>]*?)src=["'](https?://[^"']*\.(?:jpg|jpeg|png)(?:\?[^"']*)?)["']([^>]*?)>`)
)

const placeholderBase = "<!--PICTURE_PLACEHOLDER_"

// Stats counts what one Rewrite call did.
type Stats struct {
	Images    int // <img> tags matching the raster-URL pattern
	Converted int // tags replaced by a <picture>
	Skipped   int // tags left unchanged by the classifier
	Protected int // pre-existing <picture> blocks shielded from rewriting
	Srcsets   int // srcset attributes rewritten in enhanced mode
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Images += o.Images
	s.Converted += o.Converted
	s.Skipped += o.Skipped
	s.Protected += o.Protected
	s.Srcsets += o.Srcsets
}

// ImageTag is one matched <img>: Leading + `src="…"` + Trailing rebuilds
// the tag.
type ImageTag struct {
	Leading  string
	Src      string
	Trailing string
}

// Attrs returns all attribute text except src.
func (t ImageTag) Attrs() string {
	return t.Leading + t.Trailing
}

// Rewriter holds the configuration and metadata lookup for rewriting
// documents. It keeps no per-call state and is safe for concurrent use as
// long as its Lookup is.
type Rewriter struct {
	cfg        config.WebPConfig
	lookup     metadata.Lookup
	classifier *Classifier
}

// New creates a Rewriter. A nil lookup never finds metadata.
func New(cfg config.WebPConfig, lookup metadata.Lookup) *Rewriter {
	sizeClasses := cfg.SizeClasses
	if sizeClasses == nil {
		sizeClasses = config.DefaultSizeClasses
	}
	return &Rewriter{
		cfg:        cfg,
		lookup:     lookup,
		classifier: NewClassifier(sizeClasses),
	}
}

// Rewrite is a convenience wrapper around New(cfg, lookup).Rewrite(html).
func Rewrite(html string, cfg config.WebPConfig, lookup metadata.Lookup) string {
	return New(cfg, lookup).Rewrite(html)
}

// Config returns the configuration the Rewriter was built with.
func (r *Rewriter) Config() config.WebPConfig {
	return r.cfg
}

// Rewrite returns html with every eligible <img> replaced by a <picture>.
func (r *Rewriter) Rewrite(html string) string {
	out, _ := r.RewriteStats(html)
	return out
}

// RewriteStats is Rewrite that also reports what was done.
func (r *Rewriter) RewriteStats(html string) (string, Stats) {
	var st Stats
	if !r.cfg.Enabled || html == "" {
		return html, st
	}

	shielded, blocks, prefix := protectPictures(html)
	st.Protected = len(blocks)

	matches := imgRe.FindAllStringSubmatchIndex(shielded, -1)
	if len(matches) == 0 {
		return html, st
	}

	var b strings.Builder
	b.Grow(len(shielded) + len(matches)*256)
	last := 0
	for _, loc := range matches {
		b.WriteString(shielded[last:loc[0]])
		last = loc[1]

		tag := ImageTag{
			Leading:  shielded[loc[2]:loc[3]],
			Src:      shielded[loc[4]:loc[5]],
			Trailing: shielded[loc[6]:loc[7]],
		}
		st.Images++

		picture, ok := r.rewriteTag(tag, &st)
		if !ok {
			st.Skipped++
			b.WriteString(shielded[loc[0]:loc[1]])
			continue
		}
		st.Converted++
		b.WriteString(picture)
	}
	b.WriteString(shielded[last:])

	return restorePictures(b.String(), blocks, prefix), st
}

// rewriteTag builds the <picture> replacement for tag, or reports false
// when the tag must stay as it is.
func (r *Rewriter) rewriteTag(tag ImageTag, st *Stats) (string, bool) {
	attrs := tag.Attrs()
	if !r.classifier.Eligible(attrs, tag.Src) {
		return "", false
	}

	hints := ExtractHints(attrs)

	var att *metadata.Attachment
	if hints.AttachmentID > 0 && r.lookup != nil {
		att = r.lookup.Attachment(hints.AttachmentID)
	}

	variant := ResolveVariant(hints, tag.Src, att)
	width := variant.TargetWidth()

	webpParams := Params{
		{Key: ParamFormat, Value: "webp"},
		{Key: ParamQuality, Value: strconv.Itoa(r.cfg.Quality)},
	}
	var fallbackParams Params
	if width > 0 {
		webpParams = webpParams.Set(ParamWidth, strconv.Itoa(width))
		fallbackParams = fallbackParams.Set(ParamWidth, strconv.Itoa(width))
	}

	webpSrc := BuildURL(tag.Src, webpParams)
	fallbackSrc := BuildURL(tag.Src, fallbackParams)

	leading, trailing := tag.Leading, tag.Trailing
	var webpSrcset string
	if r.cfg.Enhanced && hints.HasSrcset && hints.Srcset != "" {
		webpSrcset = RewriteSrcset(hints.Srcset, webpParams, width)
		fallbackSrcset := RewriteSrcset(hints.Srcset, fallbackParams, width)

		if fallbackSrcset != "" {
			attr := ` srcset="` + escapeAttr(fallbackSrcset) + `"`
			var replaced bool
			if leading, replaced = replaceSrcset(leading, attr); !replaced {
				if trailing, replaced = replaceSrcset(trailing, attr); !replaced {
					trailing += attr
				}
			}
		}
		if webpSrcset != "" {
			st.Srcsets++
		}
	}

	sourceSrcset := webpSrc
	if webpSrcset != "" {
		sourceSrcset = webpSrcset
	}

	var b strings.Builder
	if r.cfg.Debug {
		b.WriteString(r.debugComment(tag.Src, webpSrc, webpSrcset != ""))
	}
	b.WriteString(`<picture><source srcset="`)
	b.WriteString(escapeAttr(sourceSrcset))
	b.WriteString(`" type="image/webp"`)
	b.WriteString(SizesAttr(leading + trailing))
	b.WriteString(`><img`)
	b.WriteString(leading)
	b.WriteString(`src="`)
	b.WriteString(escapeAttr(fallbackSrc))
	b.WriteString(`"`)
	b.WriteString(trailing)
	b.WriteString(`></picture>`)

	return b.String(), true
}

func (r *Rewriter) debugComment(original, webpSrc string, withSrcset bool) string {
	if !r.cfg.Enhanced {
		return "<!-- WebP Conversion: " + original + " -> " + webpSrc + " -->"
	}
	suffix := ""
	if withSrcset {
		suffix = " (with srcset)"
	}
	return "<!-- WebP Enhanced Conversion: " + original + " -> " + webpSrc + suffix + " -->"
}

// protectPictures replaces every <picture> block with a positional
// placeholder comment. The returned prefix does not occur in html, so
// placeholders cannot collide with page content.
func protectPictures(html string) (string, []string, string) {
	prefix := placeholderBase
	for n := 1; strings.Contains(html, prefix); n++ {
		prefix = fmt.Sprintf("%s%d_", placeholderBase, n)
	}

	var blocks []string
	shielded := pictureRe.ReplaceAllStringFunc(html, func(block string) string {
		placeholder := prefix + strconv.Itoa(len(blocks)) + "-->"
		blocks = append(blocks, block)
		return placeholder
	})
	return shielded, blocks, prefix
}

// restorePictures puts the blocks saved by protectPictures back.
func restorePictures(html string, blocks []string, prefix string) string {
	if len(blocks) == 0 {
		return html
	}
	pairs := make([]string, 0, len(blocks)*2)
	for i, block := range blocks {
		pairs = append(pairs, prefix+strconv.Itoa(i)+"-->", block)
	}
	return strings.NewReplacer(pairs...).Replace(html)
}
