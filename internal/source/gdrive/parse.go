package gdrive

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/timmy/teachermon/internal/domain"
	"github.com/timmy/teachermon/internal/source"
)

var (
	filePathPattern = regexp.MustCompile(`/file/d/([A-Za-z0-9_-]+)`)
	idParamPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ParseFileID extracts the file id from a Drive share link. Accepted forms:
//
//	https://drive.google.com/file/d/{id}/view
//	https://drive.google.com/uc?id={id}
//	https://drive.google.com/open?id={id}
func ParseFileID(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return "", invalid(rawURL)
	}
	host := strings.ToLower(u.Hostname())
	if host != "google.com" && !strings.HasSuffix(host, ".google.com") {
		return "", invalid(rawURL)
	}

	if m := filePathPattern.FindStringSubmatch(u.Path); m != nil {
		return m[1], nil
	}
	if id := u.Query().Get("id"); idParamPattern.MatchString(id) {
		return id, nil
	}
	return "", invalid(rawURL)
}

func invalid(rawURL string) error {
	return domain.NewError(domain.KindInvalidSourceURL, "not a Google Drive file link: %q", rawURL)
}

// Parser validates Drive share links.
type Parser struct{}

func (Parser) SourceType() domain.SourceType { return domain.SourceGDrive }

func (Parser) Parse(rawURL string) (source.Ref, error) {
	id, err := ParseFileID(rawURL)
	if err != nil {
		return source.Ref{}, err
	}
	return source.Ref{ID: id, URL: "https://drive.google.com/file/d/" + id + "/view"}, nil
}
