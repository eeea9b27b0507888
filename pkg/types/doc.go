/*
Package types defines the core data structures shared across the registry
node: digests, repository and node identifiers, the RegistryAction tagged
union, the blob/manifest entity graph, and the error taxonomy every other
package wraps its failures into.

# Architecture

types is the foundation everything else builds on. It defines:

  - Digest: a canonical, immutable "sha256:<64 hex>" content address
  - RepositoryName, NodeIdentifier: opaque domain identifiers
  - RegistryAction: the tagged union that is the only unit of state change
  - Entity: the blob/manifest graph node (locations, repositories, deps)
  - RegistryError: the Kind-classified error every component returns

# RegistryAction

Every mutation to the cluster's logical state is one of the RegistryAction
variants (BlobMounted, BlobStored, HashTagged, Empty, ...). Each carries a
Timestamp and, where meaningful, a User. On the wire and in the log, a
batch of actions is an ordered list of Envelope{Kind, Payload} values;
EncodeBatch/DecodeBatch round-trip a Batch through that wire form, and an
unrecognized Kind is a hard decode error rather than a silently dropped
entry.

# Entity

A Blob or Manifest is represented identically as an Entity, indexed by its
Digest. Two sets, Locations and Repositories, are the only edges the graph
needs; an Entity is considered dead once both are empty. LastRepositories
exists solely so the garbage collector's mount-reaping phase has a real,
non-empty record of what to unmount, taken at the moment Repositories last
drained to empty rather than read back afterward.

# Errors

RegistryError carries a Kind (NotLeader, Transient, DigestInvalid, ...)
and an optional LeaderHint or wrapped Cause. Callers branch on Kind via
errors.As rather than string matching.
*/
package types
