package ws

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
)

func newConnID() string {
	return uuid.NewString()
}

// originAllowed accepts requests without an Origin header (non-browser
// clients) and origins whose host matches an allowed entry. "*" allows all.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "*" {
			return true
		}
		if strings.Contains(entry, "://") {
			if u, err := url.Parse(entry); err == nil && strings.EqualFold(u.Scheme, parsed.Scheme) && strings.EqualFold(u.Host, parsed.Host) {
				return true
			}
			continue
		}
		if strings.EqualFold(entry, parsed.Host) {
			return true
		}
	}
	return false
}

func sortedRooms(rooms []string) []string {
	out := append([]string{}, rooms...)
	sort.Strings(out)
	return out
}
