// Package entity holds the identifiers shared by every read-state store.
package entity

import "fmt"

type Type string

const (
	Discussion Type = "discussion"
	Comment    Type = "comment"
	Reply      Type = "reply"
)

func (t Type) Valid() bool {
	switch t {
	case Discussion, Comment, Reply:
		return true
	}
	return false
}

func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// Ref identifies one discussion, comment or reply.
type Ref struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

func (r Ref) String() string { return string(r.Type) + ":" + r.ID }

// Scope is the article/community an entity lives in. Either may be empty.
type Scope struct {
	ArticleID   string `json:"articleId,omitempty"`
	CommunityID string `json:"communityId,omitempty"`
}
