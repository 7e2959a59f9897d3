package domain

import (
	"net/url"
	"strings"
)

// Platform is the closed set of sources the pipeline knows how to scrape.
type Platform string

const (
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
	PlatformInstagram Platform = "instagram"
	PlatformUnknown   Platform = "unknown"
)

// Platforms lists every supported platform, excluding PlatformUnknown.
func Platforms() []Platform {
	return []Platform{PlatformTikTok, PlatformYouTube, PlatformInstagram}
}

// ParsePlatform maps a configured name onto a Platform.
func ParsePlatform(s string) Platform {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformTikTok:
		return PlatformTikTok
	case PlatformYouTube:
		return PlatformYouTube
	case PlatformInstagram:
		return PlatformInstagram
	default:
		return PlatformUnknown
	}
}

// ClassifyURL picks the platform for a submitted URL by host.
func ClassifyURL(raw string) Platform {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return PlatformUnknown
	}
	host := strings.ToLower(u.Hostname())

	switch {
	case hostIs(host, "tiktok.com"):
		return PlatformTikTok
	case hostIs(host, "youtube.com"), hostIs(host, "youtu.be"):
		return PlatformYouTube
	case hostIs(host, "instagram.com"):
		return PlatformInstagram
	default:
		return PlatformUnknown
	}
}

func hostIs(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}
