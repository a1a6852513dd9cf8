// Package pipeline defines the per-integration sync pipeline: an ordered
// chain of module-import steps, re-enqueued onto org_sync one at a time with
// a fixed pause between them instead of run back-to-back in one goroutine.
package pipeline

import (
	"time"

	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/internal/importer/registry"
)

// Payload is one step of a pipeline sitting in the org_sync queue. Steps[0]
// is the module this invocation must run; Steps[1:] is the remainder, still
// to be re-enqueued after InterModulePause if Steps[0] succeeds. A pipeline
// that errors on a step aborts its own remainder without touching any
// sibling integration's pipeline.
type Payload struct {
	OrgID         string
	IntegrationID string
	Integration   *syncdomain.Integration
	Steps         []registry.Module
	Since         *time.Time
	Until         *time.Time
}

// ItemID names the queue item for one integration's pipeline so a
// re-enqueue of the next step replaces rather than duplicates the
// in-flight entry.
func ItemID(orgID, integrationID string) string {
	return "org_sync_pipeline:" + orgID + ":" + integrationID
}

// New builds the Payload for an integration's first step, or nil if the
// integration resolves to no modules at all.
func New(orgID string, integration *syncdomain.Integration, steps []registry.Module, since, until *time.Time) *Payload {
	if len(steps) == 0 {
		return nil
	}
	return &Payload{
		OrgID:         orgID,
		IntegrationID: integration.ID,
		Integration:   integration,
		Steps:         steps,
		Since:         since,
		Until:         until,
	}
}

// Advance returns the payload for the remaining steps after the current one
// has run successfully, or nil if this was the last step.
func (p *Payload) Advance() *Payload {
	if len(p.Steps) <= 1 {
		return nil
	}
	next := *p
	next.Steps = p.Steps[1:]
	return &next
}
