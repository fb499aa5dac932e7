package deliverable

import (
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/TroodieTeam/troodie-sub002/pkg/errutil"
)

type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
	PlatformTwitter   Platform = "twitter"
	PlatformFacebook  Platform = "facebook"
)

type urlShape struct {
	hosts []string
	path  *regexp.Regexp
	query string
}

var shapes = map[Platform][]urlShape{
	PlatformInstagram: {
		{hosts: []string{"instagram.com"}, path: regexp.MustCompile(`^/(p|reel|reels|tv)/[A-Za-z0-9_-]+/?$`)},
	},
	PlatformTikTok: {
		{hosts: []string{"tiktok.com"}, path: regexp.MustCompile(`^/@[A-Za-z0-9_.]+/video/[0-9]+/?$`)},
		{hosts: []string{"vm.tiktok.com", "vt.tiktok.com"}, path: regexp.MustCompile(`^/[A-Za-z0-9]+/?$`)},
	},
	PlatformYouTube: {
		{hosts: []string{"youtube.com"}, path: regexp.MustCompile(`^/watch/?$`), query: "v"},
		{hosts: []string{"youtube.com"}, path: regexp.MustCompile(`^/shorts/[A-Za-z0-9_-]+/?$`)},
		{hosts: []string{"youtu.be"}, path: regexp.MustCompile(`^/[A-Za-z0-9_-]+/?$`)},
	},
	PlatformTwitter: {
		{hosts: []string{"twitter.com", "x.com"}, path: regexp.MustCompile(`^/[A-Za-z0-9_]+/status/[0-9]+/?$`)},
	},
	PlatformFacebook: {
		{hosts: []string{"facebook.com"}, path: regexp.MustCompile(`^/[A-Za-z0-9.\-]+/posts/[A-Za-z0-9]+/?$`)},
		{hosts: []string{"facebook.com"}, path: regexp.MustCompile(`^/watch/?$`), query: "v"},
		{hosts: []string{"facebook.com"}, path: regexp.MustCompile(`^/reel/[0-9]+/?$`)},
	},
}

// NormalizePlatform accepts "x" as an alias of twitter.
func NormalizePlatform(p Platform) Platform {
	p = Platform(strings.ToLower(strings.TrimSpace(string(p))))
	if p == "x" {
		return PlatformTwitter
	}
	return p
}

func normalizeHost(host string) string {
	host = strings.ToLower(host)
	for _, prefix := range []string{"www.", "m.", "mobile."} {
		host = strings.TrimPrefix(host, prefix)
	}
	return host
}

// ValidatePostURL checks raw against the URL shapes of platform.
func ValidatePostURL(platform Platform, raw string) error {
	platform = NormalizePlatform(platform)
	candidates, ok := shapes[platform]
	if !ok {
		return errutil.ValidationFailed("unsupported platform", nil,
			errutil.WithDetails(errutil.Detail{Field: "platform", Message: string(platform)}))
	}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errutil.ValidationFailed("malformed post url", err,
			errutil.WithDetails(errutil.Detail{Field: "post_url", Message: "must be an http(s) url"}))
	}

	host := normalizeHost(u.Hostname())
	for _, s := range candidates {
		if !slices.Contains(s.hosts, host) || !s.path.MatchString(u.EscapedPath()) {
			continue
		}
		if s.query != "" && u.Query().Get(s.query) == "" {
			continue
		}
		return nil
	}

	return errutil.ValidationFailed("post url does not match platform", nil,
		errutil.WithDetails(errutil.Detail{Field: "post_url", Message: "not a " + string(platform) + " post url"}))
}
