package proxy

import (
	"fmt"
	"net/url"
	"strings"
)

// targetURL maps a gateway path onto the study API. A base URL that already
// ends in /api is not doubled.
func targetURL(base *url.URL, path, rawQuery string) string {
	u := *base
	prefix := strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/api")
	u.Path = prefix + path
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse study api url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("study api url %q is not absolute", raw)
	}
	return u, nil
}
