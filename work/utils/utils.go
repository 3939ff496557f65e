package utils

import (
	"net/url"
	"strings"

	"streamgate/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging,
// depending on the obfuscation setting.
func LogURL(cfg *config.Config, url string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(url)
	}
	return url
}

// NormalizeID converts a channel or credential identifier to its canonical
// string form. Identifiers arrive from routes, query strings, and the catalog
// in mixed shapes ("007", " 7 ", "News-1"); every map in the gateway is keyed
// by the output of this function so lookups never have to probe multiple
// representations.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}

	// Purely numeric identifiers lose leading zeros so "007" and "7" collide.
	allDigits := true
	for _, r := range id {
		if r < '0' || r > '9' {
			allDigits = false
			break
		}
	}
	if allDigits {
		trimmed := strings.TrimLeft(id, "0")
		if trimmed == "" {
			return "0"
		}
		return trimmed
	}

	return strings.ToLower(id)
}

// ObfuscateURL masks the path, query, and fragment of a URL, keeping only the
// scheme and host. Used to keep provider credentials out of log output.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}
