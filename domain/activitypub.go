package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
	ActivityContentType    = "application/activity+json"
)

// RemoteActor is a resolved remote recipient subscribed to a local actor
type RemoteActor struct {
	Id             uuid.UUID
	ActorId        uuid.UUID // local actor being followed
	ActorURI       string
	InboxURI       string
	SharedInboxURI string // optional
	ErrorCount     int
	LastError      string
	LastFetchedAt  time.Time
	CreatedAt      time.Time
}

// DeliveryInbox prefers the shared inbox when the remote server offers one
func (r *RemoteActor) DeliveryInbox() string {
	if r.SharedInboxURI != "" {
		return r.SharedInboxURI
	}
	return r.InboxURI
}

type ActorEndpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// ActorDocument is the subset of a remote actor profile the engine consumes.
// Key documents (type Key) carry owner and publicKeyPem at the root.
type ActorDocument struct {
	Context           interface{}    `json:"@context,omitempty"`
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	PreferredUsername string         `json:"preferredUsername,omitempty"`
	Inbox             string         `json:"inbox,omitempty"`
	Outbox            string         `json:"outbox,omitempty"`
	Followers         string         `json:"followers,omitempty"`
	Endpoints         ActorEndpoints `json:"endpoints"`
	PublicKey         PublicKey      `json:"publicKey"`
	Owner             string         `json:"owner,omitempty"`
	PublicKeyPem      string         `json:"publicKeyPem,omitempty"`
}

// KeyPem returns whichever public key the document carries
func (d *ActorDocument) KeyPem() string {
	if d.PublicKey.PublicKeyPem != "" {
		return d.PublicKey.PublicKeyPem
	}
	return d.PublicKeyPem
}

// Activity is an ActivityStreams activity envelope
type Activity struct {
	Context   interface{} `json:"@context,omitempty"`
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Actor     string      `json:"actor"`
	Object    interface{} `json:"object,omitempty"`
	Target    interface{} `json:"target,omitempty"`
	To        []string    `json:"to,omitempty"`
	Cc        []string    `json:"cc,omitempty"`
	Published string      `json:"published,omitempty"`
}

// ObjectID returns the id of the activity's object, embedded or bare
func (a *Activity) ObjectID() string {
	return ObjectID(a.Object)
}

// Audience returns to and cc in order
func (a *Activity) Audience() []string {
	audience := make([]string, 0, len(a.To)+len(a.Cc))
	audience = append(audience, a.To...)
	return append(audience, a.Cc...)
}

// Addresses reports whether uri appears in to or cc
func (a *Activity) Addresses(uri string) bool {
	for _, v := range a.Audience() {
		if v == uri {
			return true
		}
	}
	return false
}

// InReplyTo returns the reply target of an embedded object, if any
func (a *Activity) InReplyTo() string {
	obj, ok := a.Object.(map[string]interface{})
	if !ok {
		return ""
	}
	return ObjectID(obj["inReplyTo"])
}

// ObjectID extracts an id from a bare URI or an embedded object
func ObjectID(object interface{}) string {
	switch obj := object.(type) {
	case string:
		return obj
	case map[string]interface{}:
		if id, ok := obj["id"].(string); ok {
			return id
		}
	case *Activity:
		return obj.ID
	}
	return ""
}
