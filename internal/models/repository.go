package models

import (
	"fmt"
	"strings"

	"github.com/alimgiray/ghpulse/internal/apperr"
)

// Repository identifies a tracked GitHub repository
type Repository struct {
	Owner    string `json:"owner" yaml:"owner" validate:"required"`
	Repo     string `json:"repo" yaml:"repo" validate:"required"`
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category" yaml:"category"`
	URL      string `json:"url" yaml:"url" validate:"omitempty,url"`
}

// Key returns the "owner/repo" key used by the storage index
func (r Repository) Key() string {
	return r.Owner + "/" + r.Repo
}

// SafeName returns a filesystem-safe directory name for the repository
func (r Repository) SafeName() string {
	return SanitizeKey(r.Key())
}

// SanitizeKey turns an "owner/repo" key into a directory name
func SanitizeKey(key string) string {
	var b strings.Builder
	for _, ch := range strings.ToLower(key) {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '.':
			b.WriteRune(ch)
		case ch == '/':
			b.WriteRune('_')
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// ParseRepository parses an "owner/repo" string
func ParseRepository(fullName string) (Repository, error) {
	parts := strings.Split(strings.TrimSpace(fullName), "/")
	if len(parts) != 2 {
		return Repository{}, fmt.Errorf("%w: expected <owner>/<repo>, got: %s", apperr.ErrInvalidRepository, fullName)
	}

	owner := strings.TrimSpace(parts[0])
	repo := strings.TrimSpace(parts[1])
	if owner == "" || repo == "" {
		return Repository{}, fmt.Errorf("%w: expected <owner>/<repo>, got: %s", apperr.ErrInvalidRepository, fullName)
	}

	return Repository{
		Owner: owner,
		Repo:  repo,
		Name:  repo,
		URL:   "https://github.com/" + owner + "/" + repo,
	}, nil
}
