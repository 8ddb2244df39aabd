package resolver

import (
	"encoding/base64"
	"io"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	stagedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:window\.|top\.|self\.|document\.)?location(?:\.href)?\s*=\s*["'` + "`" + `]([^"'` + "`" + `]+)["'` + "`" + `]`),
		regexp.MustCompile(`location\.(?:replace|assign)\(\s*["'` + "`" + `]([^"'` + "`" + `]+)["'` + "`" + `]\s*\)`),
		regexp.MustCompile(`window\.open\(\s*["'` + "`" + `]([^"'` + "`" + `]+)["'` + "`" + `]`),
	}
	encodedPattern = regexp.MustCompile(`atob\(\s*["']([A-Za-z0-9+/=_-]+)["']\s*\)`)
	refreshPattern = regexp.MustCompile(`(?i)^\s*\d+\s*;\s*url\s*=\s*['"]?([^'"]+)['"]?`)
)

// ExtractStagedDestination looks for a destination embedded in the scripts or
// meta refresh of an intermediate page. Relative urls are resolved against base.
// Returns an empty string if nothing is found.
func ExtractStagedDestination(r io.Reader, base string) string {
	baseUrl, err := url.Parse(base)
	if err != nil {
		baseUrl = nil
	}

	var (
		scripts  []string
		refresh  string
		inScript bool
	)

	z := html.NewTokenizer(r)
loop:
	for {
		switch z.Next() {
		case html.ErrorToken:
			break loop
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "script":
				inScript = true
			case "meta":
				if !hasAttr {
					continue
				}
				var equiv, content string
				for {
					k, v, more := z.TagAttr()
					switch strings.ToLower(string(k)) {
					case "http-equiv":
						equiv = string(v)
					case "content":
						content = string(v)
					}
					if !more {
						break
					}
				}
				if strings.EqualFold(equiv, "refresh") && refresh == "" {
					if m := refreshPattern.FindStringSubmatch(content); m != nil {
						refresh = strings.TrimSpace(m[1])
					}
				}
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "script" {
				inScript = false
			}
		case html.TextToken:
			if inScript {
				scripts = append(scripts, string(z.Text()))
			}
		}
	}

	for _, script := range scripts {
		if u := fromScript(script, baseUrl); u != "" {
			return u
		}
	}
	if refresh != "" {
		return absolute(refresh, baseUrl)
	}
	return ""
}

func fromScript(script string, base *url.URL) string {
	for _, p := range stagedPatterns {
		if m := p.FindStringSubmatch(script); m != nil {
			if u := absolute(m[1], base); u != "" {
				return u
			}
		}
	}
	for _, m := range encodedPattern.FindAllStringSubmatch(script, -1) {
		decoded, ok := decodeBase64(m[1])
		if !ok {
			continue
		}
		if strings.HasPrefix(decoded, "http://") || strings.HasPrefix(decoded, "https://") {
			return decoded
		}
	}
	return ""
}

func decodeBase64(s string) (string, bool) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return string(b), true
		}
	}
	return "", false
}

func absolute(ref string, base *url.URL) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "#") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
