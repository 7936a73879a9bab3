package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// CommitAuthorKind tags how a commit author was identified
type CommitAuthorKind string

const (
	CommitAuthorGitHubUser CommitAuthorKind = "github_user"
	CommitAuthorNameOnly   CommitAuthorKind = "name_only"
)

// CommitAuthor is one entry of a PR's commit breakdown. Login is set for
// github_user entries, Name for name_only entries.
type CommitAuthor struct {
	Kind  CommitAuthorKind `json:"kind" validate:"oneof=github_user name_only"`
	Login string           `json:"login,omitempty"`
	Name  string           `json:"name,omitempty"`
	Count int              `json:"count" validate:"gte=0"`
}

// Identifier returns the login or raw git name the entry is keyed by. An
// entry with an unknown kind yields whichever of the two is set.
func (a CommitAuthor) Identifier() string {
	switch a.Kind {
	case CommitAuthorGitHubUser:
		return a.Login
	case CommitAuthorNameOnly:
		return a.Name
	}
	if a.Login != "" {
		return a.Login
	}
	return a.Name
}

// CommitSummary aggregates a PR's commits per author
type CommitSummary struct {
	TotalCount int            `json:"totalCount" validate:"gte=0"`
	ByAuthor   []CommitAuthor `json:"byAuthor" validate:"dive"`
}

// Add tallies one commit. The GitHub login wins when present; otherwise
// the raw git author name is used.
func (s *CommitSummary) Add(login, name string) {
	kind, id := CommitAuthorGitHubUser, login
	if login == "" {
		kind, id = CommitAuthorNameOnly, name
	}
	if id == "" {
		kind, id = CommitAuthorNameOnly, "unknown"
	}

	s.TotalCount++
	for i := range s.ByAuthor {
		if s.ByAuthor[i].Kind == kind && s.ByAuthor[i].Identifier() == id {
			s.ByAuthor[i].Count++
			return
		}
	}

	entry := CommitAuthor{Kind: kind, Count: 1}
	if kind == CommitAuthorGitHubUser {
		entry.Login = id
	} else {
		entry.Name = id
	}
	s.ByAuthor = append(s.ByAuthor, entry)
}

// Sort orders entries by count descending, then identifier
func (s *CommitSummary) Sort() {
	sort.SliceStable(s.ByAuthor, func(i, j int) bool {
		if s.ByAuthor[i].Count != s.ByAuthor[j].Count {
			return s.ByAuthor[i].Count > s.ByAuthor[j].Count
		}
		return s.ByAuthor[i].Identifier() < s.ByAuthor[j].Identifier()
	})
}

// CountFor returns the commit count attributed to a GitHub login
func (s CommitSummary) CountFor(login string) int {
	for _, a := range s.ByAuthor {
		if a.Kind == CommitAuthorGitHubUser && a.Login == login {
			return a.Count
		}
	}
	return 0
}

type legacyAuthorEntry struct {
	Count        int  `json:"count"`
	IsGitHubUser bool `json:"isGitHubUser"`
}

// UnmarshalJSON accepts both the tagged list form and the older object form
// where byAuthor maps an identifier to a count or {count, isGitHubUser}.
func (s *CommitSummary) UnmarshalJSON(data []byte) error {
	var raw struct {
		TotalCount int             `json:"totalCount"`
		ByAuthor   json.RawMessage `json:"byAuthor"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.TotalCount = raw.TotalCount
	s.ByAuthor = nil
	if len(raw.ByAuthor) == 0 || string(raw.ByAuthor) == "null" {
		return nil
	}

	if raw.ByAuthor[0] == '[' {
		return json.Unmarshal(raw.ByAuthor, &s.ByAuthor)
	}

	var legacy map[string]json.RawMessage
	if err := json.Unmarshal(raw.ByAuthor, &legacy); err != nil {
		return fmt.Errorf("invalid byAuthor value: %w", err)
	}
	for id, value := range legacy {
		entry := CommitAuthor{Kind: CommitAuthorGitHubUser, Login: id}

		var count int
		if err := json.Unmarshal(value, &count); err == nil {
			entry.Count = count
		} else {
			var obj legacyAuthorEntry
			if err := json.Unmarshal(value, &obj); err != nil {
				return fmt.Errorf("invalid byAuthor entry %q: %w", id, err)
			}
			entry.Count = obj.Count
			if !obj.IsGitHubUser {
				entry.Kind, entry.Login, entry.Name = CommitAuthorNameOnly, "", id
			}
		}
		s.ByAuthor = append(s.ByAuthor, entry)
	}
	s.Sort()
	return nil
}
