package boombox

import (
	"regexp"
	"strings"
)

// mediaURL accepts the video and track page shapes of the supported hosts.
var mediaURL = regexp.MustCompile(`(?i)^((?:https?:)?//)?((?:www|m)\.)?((?:youtube(?:-nocookie)?\.com|youtu\.be|rutube\.ru|music\.yandex\.ru|bilibili\.com))(/(?:(?:[\w\-]+\?v=|embed/|live/|v/)|video/|album/\d+/track/)?)([\w\-]+)(\S+)?$`)

// ValidURL reports whether raw is a media URL the fetcher can handle.
func ValidURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	return mediaURL.MatchString(raw)
}
