package conflicts

import (
	"github.com/pezware/mirubato-sub008/pkg/models"
)

// Reconciliation splits a local and a remote entity set by id.
type Reconciliation struct {
	// Resolved holds one settled entity per conflicting id.
	Resolved []*models.Entity
	// InSync holds remote entities whose local copy has the same checksum.
	InSync     []*models.Entity
	LocalOnly  []*models.Entity
	RemoteOnly []*models.Entity
}

// Entities returns every entity in the reconciliation: local-only first,
// then remote-only, in-sync and resolved.
func (rc *Reconciliation) Entities() []*models.Entity {
	out := make([]*models.Entity, 0, len(rc.LocalOnly)+len(rc.RemoteOnly)+len(rc.InSync)+len(rc.Resolved))
	out = append(out, rc.LocalOnly...)
	out = append(out, rc.RemoteOnly...)
	out = append(out, rc.InSync...)
	out = append(out, rc.Resolved...)
	return out
}

// ResolveAll pairs local and remote entities by id and resolves every
// conflicting pair. Order of each input is preserved in the output lists.
func (r *Resolver) ResolveAll(locals, remotes []*models.Entity) (*Reconciliation, error) {
	remoteByID := make(map[string]*models.Entity, len(remotes))
	for _, e := range remotes {
		remoteByID[e.ID] = e
	}

	rc := &Reconciliation{}
	paired := make(map[string]struct{})
	for _, local := range locals {
		remote, ok := remoteByID[local.ID]
		if !ok {
			rc.LocalOnly = append(rc.LocalOnly, local)
			continue
		}
		paired[local.ID] = struct{}{}
		if !IsConflict(local, remote) {
			rc.InSync = append(rc.InSync, remote)
			continue
		}
		resolved, err := r.Resolve(local, remote)
		if err != nil {
			return nil, err
		}
		rc.Resolved = append(rc.Resolved, resolved)
	}

	for _, remote := range remotes {
		if _, ok := paired[remote.ID]; ok {
			continue
		}
		rc.RemoteOnly = append(rc.RemoteOnly, remote)
	}
	return rc, nil
}
