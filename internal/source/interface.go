package source

import "github.com/timmy/teachermon/internal/domain"

// Ref identifies media hosted by a third party.
type Ref struct {
	ID  string // provider-specific identifier
	URL string // canonical link to the media
}

// Parser validates share links for one URL-based source type.
type Parser interface {
	// SourceType returns the job source type this parser accepts.
	SourceType() domain.SourceType

	// Parse extracts the media reference from a share link.
	// Parameters:
	//   - rawURL: link as submitted by the user.
	// Returns:
	//   - Ref: identifier and canonical URL.
	//   - err: INVALID_SOURCE_URL when no known link form matches.
	Parse(rawURL string) (Ref, error)
}
