package rewrite

import (
	"net/url"
	"strings"
)

// Query parameter names understood by the image CDN.
const (
	ParamFormat  = "format"
	ParamQuality = "quality"
	ParamWidth   = "width"
)

// Param is one CDN query parameter.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered set of CDN query parameters. Methods never modify
// the receiver; they return a fresh slice.
type Params []Param

// Set returns a copy of p with key set to value. An existing key keeps its
// position.
func (p Params) Set(key, value string) Params {
	out := make(Params, 0, len(p)+1)
	found := false
	for _, kv := range p {
		if kv.Key == key {
			if !found {
				out = append(out, Param{Key: key, Value: value})
				found = true
			}
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, Param{Key: key, Value: value})
	}
	return out
}

// Without returns a copy of p without key.
func (p Params) Without(key string) Params {
	out := make(Params, 0, len(p))
	for _, kv := range p {
		if kv.Key != key {
			out = append(out, kv)
		}
	}
	return out
}

// Get returns the value stored under key.
func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// nonEmpty drops parameters with an empty key or value.
func (p Params) nonEmpty() Params {
	out := make(Params, 0, len(p))
	for _, kv := range p {
		if kv.Key == "" || kv.Value == "" {
			continue
		}
		out = out.Set(kv.Key, kv.Value)
	}
	return out
}

// BuildURL returns rawURL with params written into its query string.
// Existing query parameters with the same names are removed first, so a
// parameter never appears twice; unrelated parameters keep their order and
// encoding. Parameters with empty values are skipped. When nothing is left
// to set, rawURL is returned unchanged.
func BuildURL(rawURL string, params Params) string {
	params = params.nonEmpty()
	if len(params) == 0 {
		return rawURL
	}

	base, fragment, hasFragment := strings.Cut(rawURL, "#")
	base, query, _ := strings.Cut(base, "?")

	pairs := make([]string, 0, len(params)+strings.Count(query, "&")+1)
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if _, replaced := params.Get(key); replaced {
			continue
		}
		pairs = append(pairs, pair)
	}

	for _, kv := range params {
		pairs = append(pairs, url.QueryEscape(kv.Key)+"="+url.QueryEscape(kv.Value))
	}

	var b strings.Builder
	b.Grow(len(rawURL) + 32)
	b.WriteString(base)
	b.WriteByte('?')
	b.WriteString(strings.Join(pairs, "&"))
	if hasFragment {
		b.WriteByte('#')
		b.WriteString(fragment)
	}
	return b.String()
}
