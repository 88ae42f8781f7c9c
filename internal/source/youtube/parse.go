package youtube

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/source"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// ParseVideoID extracts the 11-character video id from watch, shorts,
// embed, live and youtu.be links.
func ParseVideoID(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return "", invalid(rawURL)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	host = strings.TrimPrefix(host, "m.")

	var candidate string
	switch host {
	case "youtu.be":
		candidate = firstSegment(u.Path)
	case "youtube.com", "music.youtube.com", "youtube-nocookie.com":
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		switch {
		case segments[0] == "watch":
			candidate = u.Query().Get("v")
		case len(segments) >= 2 && (segments[0] == "shorts" || segments[0] == "embed" || segments[0] == "live" || segments[0] == "v"):
			candidate = segments[1]
		}
	}

	if !videoIDPattern.MatchString(candidate) {
		return "", invalid(rawURL)
	}
	return candidate, nil
}

// CanonicalURL returns the watch URL for a video id.
func CanonicalURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

func firstSegment(p string) string {
	p = strings.Trim(p, "/")
	if i := strings.Index(p, "/"); i != -1 {
		return p[:i]
	}
	return p
}

func invalid(rawURL string) error {
	return domain.NewError(domain.KindInvalidSourceURL, "not a YouTube video link: %q", rawURL)
}

// Parser validates YouTube links.
type Parser struct{}

func (Parser) SourceType() domain.SourceType { return domain.SourceYouTube }

func (Parser) Parse(rawURL string) (source.Ref, error) {
	id, err := ParseVideoID(rawURL)
	if err != nil {
		return source.Ref{}, err
	}
	return source.Ref{ID: id, URL: CanonicalURL(id)}, nil
}
