package schema

import "github.com/storekit/eventspine/pkg/eventspine/event"

// Migrator upgrades event payloads between schema versions. The
// transformation logic lives outside this module; the backbone only forwards
// envelopes to it, primarily on the replay path when a target version is
// requested.
type Migrator interface {
	// ListVersions returns the known schema versions for an event type.
	ListVersions(eventType string) ([]string, error)

	// Migrate returns a new envelope with the payload transformed to the
	// target version. The input envelope is not modified.
	Migrate(env *event.Envelope, targetVersion string) (*event.Envelope, error)
}
