package rewrite

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/aellingwood/webpcdn/internal/metadata"
)

// Dimensions is a width/height pair; zero means unknown.
type Dimensions struct {
	Width  int
	Height int
}

// fill returns d with its unknown fields taken from other.
func (d Dimensions) fill(other Dimensions) Dimensions {
	if d.Width == 0 {
		d.Width = other.Width
	}
	if d.Height == 0 {
		d.Height = other.Height
	}
	return d
}

// capTo limits d to the true asset dimensions in limit. Unknown fields of d
// are taken from limit.
func (d Dimensions) capTo(limit Dimensions) Dimensions {
	if limit.Width > 0 && (d.Width == 0 || d.Width > limit.Width) {
		d.Width = limit.Width
	}
	if limit.Height > 0 && (d.Height == 0 || d.Height > limit.Height) {
		d.Height = limit.Height
	}
	return d
}

// Variant is the resolved rendering an <img> refers to.
type Variant struct {
	Slug string
	Dimensions
}

// FullSize reports whether the variant is the unscaled original.
func (v Variant) FullSize() bool {
	return v.Slug == "full" || v.Slug == "original"
}

// TargetWidth is the width to request from the CDN, or 0 to request the
// unscaled asset.
func (v Variant) TargetWidth() int {
	if v.FullSize() {
		return 0
	}
	return v.Width
}

// ResolveVariant refines the size slug and dimensions of an image from its
// markup hints, its source URL and the attachment metadata. att is only
// consulted when the hints carry an attachment id.
//
// Markup dimensions are first completed from the slug-matched size entry
// (or the full-size asset). The asset dimensions are then found by, in
// order: the slug-matched size entry, the size entry whose file matches the
// URL basename (which also replaces the slug), the full-size asset, and a
// "-WxH" filename suffix. Markup dimensions never exceed the asset's.
func ResolveVariant(h Hints, src string, att *metadata.Attachment) Variant {
	if h.AttachmentID == 0 {
		att = nil
	}

	dims := Dimensions{Width: h.Width, Height: h.Height}
	dims = dims.fill(dimensionsFromMetadata(h.SizeSlug, att))

	slug := h.SizeSlug
	basename := Basename(src)

	var asset Dimensions
	if att != nil {
		if slug != "" {
			if size, ok := sizeBySlug(att, slug); ok {
				asset = Dimensions{Width: size.Width, Height: size.Height}
			}
		}

		if asset.Width == 0 && basename != "" {
			for _, name := range att.SizeNames() {
				size := att.Sizes[name]
				if size.File != "" && Basename(size.File) == basename {
					asset = Dimensions{Width: size.Width, Height: size.Height}
					slug = NormalizeSlug(name)
					break
				}
			}
		}

		asset = asset.fill(Dimensions{Width: att.Width, Height: att.Height})
	}

	if asset.Width == 0 || asset.Height == 0 {
		asset = asset.fill(DimensionsFromFilename(basename))
	}

	return Variant{Slug: slug, Dimensions: dims.capTo(asset)}
}

// dimensionsFromMetadata returns the dimensions of the size entry named by
// slug, falling back to the full-size asset when both its dimensions are
// known.
func dimensionsFromMetadata(slug string, att *metadata.Attachment) Dimensions {
	if att == nil {
		return Dimensions{}
	}
	if slug != "" {
		if size, ok := sizeBySlug(att, slug); ok {
			return Dimensions{Width: size.Width, Height: size.Height}
		}
	}
	if att.Width > 0 && att.Height > 0 {
		return Dimensions{Width: att.Width, Height: att.Height}
	}
	return Dimensions{}
}

// sizeBySlug finds the size entry whose normalised name equals slug.
func sizeBySlug(att *metadata.Attachment, slug string) (metadata.Size, bool) {
	if size, ok := att.Sizes[slug]; ok {
		return size, true
	}
	for _, name := range att.SizeNames() {
		if NormalizeSlug(name) == slug {
			return att.Sizes[name], true
		}
	}
	return metadata.Size{}, false
}

var filenameDimensionsRe = regexp.MustCompile(`-(\d+)x(\d+)\.[^.]+$`)

// DimensionsFromFilename reads a "-WxH" suffix placed right before the file
// extension, e.g. "photo-300x200.jpg".
func DimensionsFromFilename(name string) Dimensions {
	m := filenameDimensionsRe.FindStringSubmatch(name)
	if m == nil {
		return Dimensions{}
	}
	w, errW := strconv.Atoi(m[1])
	h, errH := strconv.Atoi(m[2])
	if errW != nil || errH != nil {
		return Dimensions{}
	}
	return Dimensions{Width: w, Height: h}
}

// Basename returns the last path segment of a URL or path, ignoring any
// query string.
func Basename(u string) string {
	if u == "" {
		return ""
	}
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimRight(u, `/\`)
	if i := strings.LastIndexAny(u, `/\`); i >= 0 {
		u = u[i+1:]
	}
	return u
}
