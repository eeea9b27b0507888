package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// RepositoryName is an opaque namespace identifier, e.g. "library/alpine".
type RepositoryName string

// NodeIdentifier is a short peer name. Cluster membership is a small,
// statically-configured set of named peers; the identifier must end in
// "-<integer>" (checked by config.Validate). The identifier string itself
// is the Raft server id; no numeric id is derived from the integer.
type NodeIdentifier string

// ActionKind discriminates the RegistryAction tagged union on the wire.
type ActionKind string

const (
	ActionBlobMounted       ActionKind = "blob_mounted"
	ActionBlobUnmounted     ActionKind = "blob_unmounted"
	ActionBlobStored        ActionKind = "blob_stored"
	ActionBlobUnstored      ActionKind = "blob_unstored"
	ActionBlobStat          ActionKind = "blob_stat"
	ActionBlobInfo          ActionKind = "blob_info"
	ActionManifestMounted   ActionKind = "manifest_mounted"
	ActionManifestUnmounted ActionKind = "manifest_unmounted"
	ActionManifestStored    ActionKind = "manifest_stored"
	ActionManifestUnstored  ActionKind = "manifest_unstored"
	ActionManifestStat      ActionKind = "manifest_stat"
	ActionManifestInfo      ActionKind = "manifest_info"
	ActionHashTagged        ActionKind = "hash_tagged"
	ActionEmpty             ActionKind = "empty"
)

// RegistryAction is the only unit of state change accepted by the
// StateMachine. It is implemented by the Blob*/Manifest*/HashTagged/Empty
// structs below; Kind identifies which one a decoded Envelope held.
type RegistryAction interface {
	Kind() ActionKind
	Time() time.Time
}

const systemUser = "$system"

// IsSystemGenerated reports whether user marks a synthetic GC/mirror action.
func IsSystemGenerated(user string) bool {
	return user == systemUser
}

// SystemUser is the synthetic user attached to garbage-collector actions.
const SystemUser = systemUser

type BlobMounted struct {
	Digest     Digest         `json:"digest"`
	Repository RepositoryName `json:"repository"`
	User       string         `json:"user"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (a BlobMounted) Kind() ActionKind { return ActionBlobMounted }
func (a BlobMounted) Time() time.Time  { return a.Timestamp }

type BlobUnmounted struct {
	Digest     Digest         `json:"digest"`
	Repository RepositoryName `json:"repository"`
	User       string         `json:"user"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (a BlobUnmounted) Kind() ActionKind { return ActionBlobUnmounted }
func (a BlobUnmounted) Time() time.Time  { return a.Timestamp }

type BlobStored struct {
	Digest    Digest         `json:"digest"`
	Location  NodeIdentifier `json:"location"`
	User      string         `json:"user"`
	Timestamp time.Time      `json:"timestamp"`
}

func (a BlobStored) Kind() ActionKind { return ActionBlobStored }
func (a BlobStored) Time() time.Time  { return a.Timestamp }

type BlobUnstored struct {
	Digest    Digest         `json:"digest"`
	Location  NodeIdentifier `json:"location"`
	User      string         `json:"user"`
	Timestamp time.Time      `json:"timestamp"`
}

func (a BlobUnstored) Kind() ActionKind { return ActionBlobUnstored }
func (a BlobUnstored) Time() time.Time  { return a.Timestamp }

type BlobStat struct {
	Digest    Digest    `json:"digest"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

func (a BlobStat) Kind() ActionKind { return ActionBlobStat }
func (a BlobStat) Time() time.Time  { return a.Timestamp }

type BlobInfo struct {
	Digest       Digest    `json:"digest"`
	ContentType  string    `json:"content_type"`
	Dependencies []Digest  `json:"dependencies,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (a BlobInfo) Kind() ActionKind { return ActionBlobInfo }
func (a BlobInfo) Time() time.Time  { return a.Timestamp }

type ManifestMounted struct {
	Digest     Digest         `json:"digest"`
	Repository RepositoryName `json:"repository"`
	User       string         `json:"user"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (a ManifestMounted) Kind() ActionKind { return ActionManifestMounted }
func (a ManifestMounted) Time() time.Time  { return a.Timestamp }

type ManifestUnmounted struct {
	Digest     Digest         `json:"digest"`
	Repository RepositoryName `json:"repository"`
	User       string         `json:"user"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (a ManifestUnmounted) Kind() ActionKind { return ActionManifestUnmounted }
func (a ManifestUnmounted) Time() time.Time  { return a.Timestamp }

type ManifestStored struct {
	Digest    Digest         `json:"digest"`
	Location  NodeIdentifier `json:"location"`
	User      string         `json:"user"`
	Timestamp time.Time      `json:"timestamp"`
}

func (a ManifestStored) Kind() ActionKind { return ActionManifestStored }
func (a ManifestStored) Time() time.Time  { return a.Timestamp }

type ManifestUnstored struct {
	Digest    Digest         `json:"digest"`
	Location  NodeIdentifier `json:"location"`
	User      string         `json:"user"`
	Timestamp time.Time      `json:"timestamp"`
}

func (a ManifestUnstored) Kind() ActionKind { return ActionManifestUnstored }
func (a ManifestUnstored) Time() time.Time  { return a.Timestamp }

type ManifestStat struct {
	Digest    Digest    `json:"digest"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

func (a ManifestStat) Kind() ActionKind { return ActionManifestStat }
func (a ManifestStat) Time() time.Time  { return a.Timestamp }

type ManifestInfo struct {
	Digest       Digest    `json:"digest"`
	ContentType  string    `json:"content_type"`
	Dependencies []Digest  `json:"dependencies,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

func (a ManifestInfo) Kind() ActionKind { return ActionManifestInfo }
func (a ManifestInfo) Time() time.Time  { return a.Timestamp }

type HashTagged struct {
	Repository RepositoryName `json:"repository"`
	Digest     Digest         `json:"digest"`
	Tag        string         `json:"tag"`
	User       string         `json:"user"`
	Timestamp  time.Time      `json:"timestamp"`
}

func (a HashTagged) Kind() ActionKind { return ActionHashTagged }
func (a HashTagged) Time() time.Time  { return a.Timestamp }

// Empty is committed by a freshly elected leader so that prior-term entries
// become committable under the current term.
type Empty struct {
	Timestamp time.Time `json:"timestamp"`
}

func (a Empty) Kind() ActionKind { return ActionEmpty }
func (a Empty) Time() time.Time  { return a.Timestamp }

// Envelope is the wire/log encoding of a RegistryAction: a discriminator
// plus its JSON payload. Unknown discriminators must be rejected, not
// silently dropped.
type Envelope struct {
	Kind    ActionKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeAction wraps a concrete RegistryAction into its wire Envelope.
func EncodeAction(action RegistryAction) (Envelope, error) {
	payload, err := json.Marshal(action)
	if err != nil {
		return Envelope{}, fmt.Errorf("types: encode action %s: %w", action.Kind(), err)
	}
	return Envelope{Kind: action.Kind(), Payload: payload}, nil
}

// DecodeAction unwraps an Envelope back into its concrete RegistryAction.
func DecodeAction(env Envelope) (RegistryAction, error) {
	switch env.Kind {
	case ActionBlobMounted:
		return decodeInto[BlobMounted](env)
	case ActionBlobUnmounted:
		return decodeInto[BlobUnmounted](env)
	case ActionBlobStored:
		return decodeInto[BlobStored](env)
	case ActionBlobUnstored:
		return decodeInto[BlobUnstored](env)
	case ActionBlobStat:
		return decodeInto[BlobStat](env)
	case ActionBlobInfo:
		return decodeInto[BlobInfo](env)
	case ActionManifestMounted:
		return decodeInto[ManifestMounted](env)
	case ActionManifestUnmounted:
		return decodeInto[ManifestUnmounted](env)
	case ActionManifestStored:
		return decodeInto[ManifestStored](env)
	case ActionManifestUnstored:
		return decodeInto[ManifestUnstored](env)
	case ActionManifestStat:
		return decodeInto[ManifestStat](env)
	case ActionManifestInfo:
		return decodeInto[ManifestInfo](env)
	case ActionHashTagged:
		return decodeInto[HashTagged](env)
	case ActionEmpty:
		return decodeInto[Empty](env)
	default:
		return nil, fmt.Errorf("types: unknown action kind %q", env.Kind)
	}
}

func decodeInto[T RegistryAction](env Envelope) (RegistryAction, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, fmt.Errorf("types: decode action %s: %w", env.Kind, err)
	}
	return v, nil
}

// Batch is an ordered group of actions committed as a single log entry.
type Batch []RegistryAction

// EncodeBatch wraps a Batch into its wire representation.
func EncodeBatch(batch Batch) ([]byte, error) {
	envelopes := make([]Envelope, 0, len(batch))
	for _, action := range batch {
		env, err := EncodeAction(action)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return json.Marshal(envelopes)
}

// DecodeBatch unwraps the wire representation of a Batch.
func DecodeBatch(data []byte) (Batch, error) {
	var envelopes []Envelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("types: decode batch: %w", err)
	}
	batch := make(Batch, 0, len(envelopes))
	for _, env := range envelopes {
		action, err := DecodeAction(env)
		if err != nil {
			return nil, err
		}
		batch = append(batch, action)
	}
	return batch, nil
}

// EntityKind distinguishes a blob entity from a manifest entity wherever the
// same code path handles both (ObjectStore paths, Mirror requests, GC).
type EntityKind string

const (
	EntityBlob     EntityKind = "blobs"
	EntityManifest EntityKind = "manifests"
)

// Entity is a Blob or Manifest node in the state machine graph, indexed by
// Digest. The same struct serves both kinds; EntityKind on the owning map
// tells Mirror and GC which ObjectStore subtree it belongs in.
type Entity struct {
	Digest       Digest                      `json:"digest"`
	Created      time.Time                   `json:"created"`
	Updated      time.Time                   `json:"updated"`
	Size         int64                       `json:"size,omitempty"`
	HasSize      bool                        `json:"has_size,omitempty"`
	ContentType  string                      `json:"content_type,omitempty"`
	Dependencies []Digest                    `json:"dependencies,omitempty"`
	Locations    map[NodeIdentifier]struct{} `json:"locations"`
	Repositories map[RepositoryName]struct{} `json:"repositories"`

	// LastRepositories snapshots Repositories at the instant it last
	// transitioned from non-empty to empty. GarbageCollector Phase 1
	// consumes and clears this so its loop over "repositories that were
	// last mounted" has real, reachable input instead of reading back an
	// already-empty live set.
	LastRepositories map[RepositoryName]struct{} `json:"last_repositories,omitempty"`
}

// NewEntity constructs an empty Entity for digest d, timestamped t.
func NewEntity(d Digest, t time.Time) *Entity {
	return &Entity{
		Digest:       d,
		Created:      t,
		Updated:      t,
		Locations:    make(map[NodeIdentifier]struct{}),
		Repositories: make(map[RepositoryName]struct{}),
	}
}

// Orphaned reports whether the entity has no repository references.
func (e *Entity) Orphaned() bool {
	return len(e.Repositories) == 0
}

// Dead reports whether the entity has neither repositories nor locations and
// should be removed from the graph entirely.
func (e *Entity) Dead() bool {
	return len(e.Repositories) == 0 && len(e.Locations) == 0
}

// TagKey identifies a tag binding inside the Tag index.
type TagKey struct {
	Repository RepositoryName
	Tag        string
}
