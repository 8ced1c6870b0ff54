package identity

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	activityURNRegex = regexp.MustCompile(`urn:li:activity:(\d+)`)
	activityRegex    = regexp.MustCompile(`activity[-:](\d+)`)
	trailingIDRegex  = regexp.MustCompile(`-(\d{15,})(?:[-/?#]|$)`)
	multiSlashRegex  = regexp.MustCompile(`/{2,}`)
	postIDPatterns   = []*regexp.Regexp{activityURNRegex, activityRegex, trailingIDRegex}
)

// PostID returns the stable external id of a post. The provider's explicit id
// wins; otherwise the numeric activity id is pulled out of the post URL.
// ok is false when neither yields an id.
func PostID(explicitID, postURL string) (id string, ok bool) {
	if explicitID = strings.TrimSpace(explicitID); explicitID != "" {
		return explicitID, true
	}
	if postURL == "" {
		return "", false
	}

	candidate := postURL
	if decoded, err := url.PathUnescape(postURL); err == nil {
		candidate = decoded
	}
	for _, re := range postIDPatterns {
		if m := re.FindStringSubmatch(candidate); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// NormalizeURL strips query, fragment and trailing slashes so the same
// profile is recognised however it was pasted.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimRight(multiSlashRegex.ReplaceAllString(u.Path, "/"), "/")
	return u.String()
}
