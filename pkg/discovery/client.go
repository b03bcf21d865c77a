package discovery

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/myquay/talos/pkg/logger"
	"github.com/myquay/talos/pkg/microformats"
	"github.com/myquay/talos/pkg/networking"
	"github.com/myquay/talos/pkg/validation"
)

// ClientInfo describes a client application for display on the consent
// screen, along with its published redirect URIs.
type ClientInfo struct {
	// ClientID is the client identifier URL from the request.
	ClientID string

	// Name, URI and LogoURI are display metadata, when published.
	Name    string
	URI     string
	LogoURI string

	// RedirectURIs is the client's published redirect_uris list, if any.
	// Cross-origin redirect URIs are only admissible against this list.
	RedirectURIs []string

	// WasFetched is false when the client page was not (or could not be)
	// retrieved. Display falls back to the bare client ID, and no
	// cross-origin redirect URI can be accepted.
	WasFetched bool
}

// clientMetadata is the JSON client identifier metadata document.
type clientMetadata struct {
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name"`
	ClientURI    string   `json:"client_uri"`
	LogoURI      string   `json:"logo_uri"`
	RedirectURIs []string `json:"redirect_uris"`
}

// DiscoverClient fetches the client identifier URL and extracts display
// metadata and redirect URIs. Failures are non-fatal: the result then
// carries only the bare client ID with WasFetched false.
func (s *Service) DiscoverClient(ctx context.Context, clientID string) *ClientInfo {
	info := &ClientInfo{ClientID: clientID}

	// Loopback clients are for local development; their identifier pages
	// are never fetched.
	if validation.HasLoopbackHost(clientID) {
		return info
	}

	doc, err := networking.FetchDocument(ctx, clientID,
		networking.WithClient(s.client),
		networking.WithHeader("Accept", "application/json, text/html"),
		networking.WithHeader("User-Agent", userAgent))
	if err != nil {
		logger.Debugw("client fetch failed", "client_id", clientID, "error", err)
		return info
	}

	if doc.ContentType() == "application/json" {
		return s.clientFromMetadata(clientID, doc.Body)
	}
	return s.clientFromPage(clientID, doc)
}

// clientFromMetadata interprets a JSON client metadata document.
func (*Service) clientFromMetadata(clientID string, body []byte) *ClientInfo {
	info := &ClientInfo{ClientID: clientID}

	var meta clientMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		logger.Debugw("client metadata is not valid JSON", "client_id", clientID, "error", err)
		return info
	}

	// The metadata document must claim the identifier that was fetched,
	// byte for byte, and any client_uri must be a prefix of it.
	if meta.ClientID != clientID {
		logger.Debugw("client metadata client_id mismatch", "client_id", clientID)
		return info
	}
	if meta.ClientURI != "" && !strings.HasPrefix(clientID, meta.ClientURI) {
		logger.Debugw("client metadata client_uri is not a prefix of client_id", "client_id", clientID)
		return info
	}

	info.WasFetched = true
	info.Name = meta.ClientName
	info.URI = meta.ClientURI
	info.LogoURI = meta.LogoURI
	info.RedirectURIs = meta.RedirectURIs
	return info
}

// clientFromPage extracts h-app metadata from an HTML client page.
func (*Service) clientFromPage(clientID string, doc *networking.Document) *ClientInfo {
	info := &ClientInfo{ClientID: clientID, WasFetched: true}

	base, err := url.Parse(doc.FinalURL)
	if err != nil {
		return info
	}

	page := microformats.ParsePage(doc.Body, base)
	if page.App != nil {
		info.Name = page.App.Name
		info.URI = page.App.URL
		info.LogoURI = page.App.Logo
	}
	return info
}
