package domain

import (
	"time"

	"github.com/google/uuid"
)

// LocalActor is an identity hosted on this node.
type LocalActor struct {
	Id           uuid.UUID
	Username     string
	ActorURI     string
	InboxURI     string
	SharedInbox  string
	FollowersURI string
	CreatedAt    time.Time
}

// KeyID is the identifier remote servers resolve to our public key.
func (a *LocalActor) KeyID() string {
	return a.ActorURI + "#main-key"
}

// KeyPair holds PEM encoded signing material for a local actor.
type KeyPair struct {
	Public  string
	Private string
}

func (k KeyPair) IsZero() bool {
	return k.Public == "" || k.Private == ""
}
