// Package microformats extracts the page-level metadata the authorization
// flow needs from fetched HTML: rel links (me, endpoint discovery) and the
// h-app microformat used for client information.
package microformats

import (
	"bytes"
	"net/url"
	"strings"

	mf "willnorris.com/go/microformats"
)

// AppInfo is client application information parsed from an h-app microformat.
type AppInfo struct {
	// Name is the human-readable application name.
	Name string

	// URL is the application URL.
	URL string

	// Logo is the application logo URL.
	Logo string
}

// PageMetadata holds everything of interest parsed from a single HTML page.
type PageMetadata struct {
	// RelMe lists rel="me" links, resolved to absolute http(s) URLs and
	// deduplicated, in document order.
	RelMe []string

	// AuthorizationEndpoint is the first rel="authorization_endpoint" link.
	AuthorizationEndpoint string

	// TokenEndpoint is the first rel="token_endpoint" link.
	TokenEndpoint string

	// IndieAuthMetadata is the first rel="indieauth-metadata" link.
	IndieAuthMetadata string

	// Micropub is the first rel="micropub" link.
	Micropub string

	// Microsub is the first rel="microsub" link.
	Microsub string

	// App is the first h-app found on the page, or nil.
	App *AppInfo
}

// ParsePage parses an HTML document. Relative URLs in rel links and h-app
// properties are resolved against pageURL.
func ParsePage(body []byte, pageURL *url.URL) *PageMetadata {
	data := mf.Parse(bytes.NewReader(body), pageURL)

	meta := &PageMetadata{
		AuthorizationEndpoint: firstRel(data, "authorization_endpoint"),
		TokenEndpoint:         firstRel(data, "token_endpoint"),
		IndieAuthMetadata:     firstRel(data, "indieauth-metadata"),
		Micropub:              firstRel(data, "micropub"),
		Microsub:              firstRel(data, "microsub"),
	}

	seen := make(map[string]bool)
	for _, link := range data.Rels["me"] {
		if !isWebURL(link) || seen[link] {
			continue
		}
		seen[link] = true
		meta.RelMe = append(meta.RelMe, link)
	}

	meta.App = findApp(data.Items)

	return meta
}

// firstRel returns the first URL registered for a rel value, or "".
func firstRel(data *mf.Data, rel string) string {
	links := data.Rels[rel]
	if len(links) == 0 {
		return ""
	}
	return links[0]
}

// isWebURL reports whether s is an absolute http or https URL.
func isWebURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// findApp returns the first h-app on the page, searching children too.
func findApp(items []*mf.Microformat) *AppInfo {
	for _, item := range items {
		for _, typ := range item.Type {
			if typ == "h-app" || typ == "h-x-app" {
				return &AppInfo{
					Name: firstProperty(item, "name"),
					URL:  firstProperty(item, "url"),
					Logo: firstProperty(item, "logo"),
				}
			}
		}
		if app := findApp(item.Children); app != nil {
			return app
		}
	}
	return nil
}

// firstProperty returns the first string value of a microformat property.
// Image properties may be parsed as {value, alt} maps; the value is used.
func firstProperty(item *mf.Microformat, name string) string {
	for _, value := range item.Properties[name] {
		switch v := value.(type) {
		case string:
			return v
		case map[string]string:
			if s, ok := v["value"]; ok {
				return s
			}
		}
	}
	return ""
}
