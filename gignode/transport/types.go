package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gigmesh/gig-gossip-network/pkg/crypto"
)

// Relay event kinds, one per logical message category.
const (
	KindContactList = 3
	KindMessage     = 4
	KindHello       = 10042
	KindEphemeral   = 20004
	KindSettings    = 30078
)

// Tag names carried on message chunks.
const (
	TagRecipient  = "p"
	TagGroupId    = "x"
	TagFrameType  = "t"
	TagChunkIndex = "i"
	TagChunkCount = "n"
	TagExpiration = "expiration"
)

var ErrNotConnected = errors.New("not connected to relay")

// Event is one relay message. Tags follow the relay wire shape: a list of
// [name, value, ...] string lists.
type Event struct {
	Id        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Tag returns the first value of the named tag, or "".
func (e *Event) Tag(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

func (e *Event) IntTag(name string) (int, error) {
	v := e.Tag(name)
	if v == "" {
		return 0, fmt.Errorf("missing %q tag", name)
	}
	return strconv.Atoi(v)
}

func (e *Event) serializeForId() ([]byte, error) {
	return json.Marshal([]any{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content})
}

// Sign computes the event id and signature in place.
func (e *Event) Sign(priv ed25519.PrivateKey) error {
	e.PubKey = crypto.PublicKeyHex(priv.Public().(ed25519.PublicKey))

	data, err := e.serializeForId()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	id := crypto.Sha256(data)
	e.Id = hex.EncodeToString(id)
	e.Sig = hex.EncodeToString(ed25519.Sign(priv, id))
	return nil
}

// VerifySignature checks the id commitment and the author signature.
func (e *Event) VerifySignature() bool {
	data, err := e.serializeForId()
	if err != nil {
		return false
	}

	id := crypto.Sha256(data)
	if hex.EncodeToString(id) != e.Id {
		return false
	}

	pub, err := crypto.PublicKeyFromHex(e.PubKey)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, id, sig)
}

// Expired reports whether the expiration tag, if present, has passed.
func (e *Event) Expired(now time.Time) bool {
	v := e.Tag(TagExpiration)
	if v == "" {
		return false
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false
	}
	return now.Unix() > ts
}

// Filter selects relay events by kind, author and recipient tag.
type Filter struct {
	Kinds      []int    `json:"kinds,omitempty"`
	Authors    []string `json:"authors,omitempty"`
	Recipients []string `json:"#p,omitempty"`
	Since      int64    `json:"since,omitempty"`
}

func (f *Filter) Matches(e *Event) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Authors) > 0 {
		ok := false
		for _, a := range f.Authors {
			if e.PubKey == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Recipients) > 0 {
		rcpt := e.Tag(TagRecipient)
		ok := false
		for _, r := range f.Recipients {
			if rcpt == r {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	return true
}

// SessionFilters is the five-category subscription registered for a node key.
func SessionFilters(pubKey string) []Filter {
	return []Filter{
		{Kinds: []int{KindSettings}, Authors: []string{pubKey}, Recipients: []string{pubKey}},
		{Kinds: []int{KindHello}},
		{Kinds: []int{KindContactList}, Authors: []string{pubKey}},
		{Kinds: []int{KindMessage}, Recipients: []string{pubKey}},
		{Kinds: []int{KindEphemeral}, Recipients: []string{pubKey}},
	}
}

// RelayProvider is the consumed relay capability. Subscribe delivers events
// until the connection drops, then closes the channel; the session owns the
// resubscribe-with-backoff discipline.
type RelayProvider interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(ctx context.Context, filters []Filter) (<-chan *Event, error)
	Close()
}
