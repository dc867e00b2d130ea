package boombox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"https://m.youtube.com/watch?v=dQw4w9WgXcQ", true},
		{"https://youtu.be/dQw4w9WgXcQ", true},
		{"youtube.com/embed/dQw4w9WgXcQ", true},
		{"https://www.youtube-nocookie.com/embed/dQw4w9WgXcQ", true},
		{"HTTPS://WWW.YOUTUBE.COM/watch?v=dQw4w9WgXcQ", true},
		{"https://rutube.ru/video/abc123/", true},
		{"https://music.yandex.ru/album/123/track/456", true},
		{"https://www.bilibili.com/video/BV1xx411c7mD", true},
		{"", false},
		{"   ", false},
		{"not a url", false},
		{"https://example.com/watch?v=dQw4w9WgXcQ", false},
		{"ftp://youtube.com/watch?v=dQw4w9WgXcQ", false},
		{"https://youtube.com/", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidURL(tt.url))
		})
	}
}
