package scraper

import (
	"net/url"
	"strings"

	"rival_scrooper/models"
)

// profilePathPrefixes are URL paths that point at a person rather than an organization.
var profilePathPrefixes = []string{"/in/", "/pub/", "/@"}

// ClassifyURL picks the discovery mode for a target URL. Anything not
// recognisably a personal profile is treated as a company page.
func ClassifyURL(raw string) DiscoveryMode {
	path := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		path = u.Path
	}
	path = strings.ToLower(path)
	for _, prefix := range profilePathPrefixes {
		if strings.Contains(path, prefix) {
			return DiscoverByProfileURL
		}
	}
	return DiscoverByCompanyURL
}

// OperationFor maps a job's scrape type to the provider operation that serves it.
func OperationFor(t models.ScrapeType) Operation {
	switch t {
	case models.ScrapeTypeCompany:
		return OpCompany
	case models.ScrapeTypeProfile:
		return OpProfile
	}
	return OpPosts
}
