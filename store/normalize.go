package store

import (
	"net/url"
	"sort"
	"strings"
)

// query keys that carry per-visit state and never identify a destination
var volatileKeys = map[string]bool{}

func init() {
	for _, k := range []string{
		"gclid", "gbraid", "wbraid", "fbclid", "msclkid", "yclid", "dclid", "ttclid", "twclid",
		"mc_eid", "mc_cid", "_ga", "_gl", "ref", "sid", "session", "sessionid", "phpsessid",
		"jsessionid", "token", "ts", "t", "cb", "clickid", "click_id", "subid", "sub_id",
		"visitor", "uid", "cid",
	} {
		volatileKeys[k] = true
	}
}

func volatile(key string) bool {
	key = strings.ToLower(key)
	return volatileKeys[key] || strings.HasPrefix(key, "utm_")
}

// NormalizeUrl reduces a url to its host, path and stable query parameters, so
// urls differing only in per-visit parameters map onto the same value
func NormalizeUrl(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host += ":" + port
	}
	path := u.EscapedPath()
	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	q := u.Query()
	var keys []string
	for k := range q {
		if !volatile(k) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return host + path
	}
	sort.Strings(keys)
	var params []string
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			params = append(params, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return host + path + "?" + strings.Join(params, "&")
}
