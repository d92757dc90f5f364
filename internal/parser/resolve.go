package parser

import (
	"context"
	"fmt"

	"github.com/livinlefevreloca/aapsync/internal/connector"
	"github.com/livinlefevreloca/aapsync/internal/db"
)

// resolver maps upstream references to local side entity ids. The first
// failure sticks in err and turns later calls into no-ops.
type resolver struct {
	ctx       context.Context
	q         db.Querier
	clusterID string
	err       error
}

func (r *resolver) upsert(kind db.EntityKind, externalID int64, name, description string) *string {
	if r.err != nil {
		return nil
	}
	e := &db.Entity{
		ClusterID:   r.clusterID,
		ExternalID:  externalID,
		Name:        name,
		Description: description,
	}
	if err := db.UpsertEntity(r.ctx, r.q, kind, e); err != nil {
		r.err = fmt.Errorf("resolve %s %d: %w", kind, externalID, err)
		return nil
	}
	return &e.ID
}

func (r *resolver) ref(kind db.EntityKind, ref *connector.Ref) *string {
	if ref == nil || ref.ID == nil {
		return nil
	}
	return r.upsert(kind, *ref.ID, ref.Name, ref.Description)
}

func (r *resolver) user(ref *connector.UserRef) *string {
	if ref == nil || ref.ID == nil {
		return nil
	}
	return r.upsert(db.KindUser, *ref.ID, ref.Username, "")
}

func (r *resolver) host(hs connector.HostSummary) *string {
	if hs.Host == nil {
		return nil
	}
	name, description := hs.HostName, ""
	if h := hs.SummaryFields.Host; h != nil {
		if h.Name != "" {
			name = h.Name
		}
		description = h.Description
	}
	return r.upsert(db.KindHost, *hs.Host, name, description)
}

// template resolves the job template of a job. Without template metadata
// the job name stands in for the template name. A template known only by
// name is stored under the placeholder external id and adopts the real id
// once a payload carries it.
func (r *resolver) template(ref *connector.Ref, jobName string) *string {
	if r.err != nil {
		return nil
	}

	name, description := jobName, ""
	if ref != nil {
		if ref.Name != "" {
			name = ref.Name
		}
		description = ref.Description
	}
	if ref != nil && ref.ID != nil {
		if id, ok := r.adoptPlaceholder(*ref.ID, name, description); ok {
			return id
		}
		return r.upsert(db.KindJobTemplate, *ref.ID, name, description)
	}
	if name == "" {
		return nil
	}

	existing, err := db.FindEntityByName(r.ctx, r.q, db.KindJobTemplate, r.clusterID, name)
	if err == nil {
		return &existing.ID
	}
	if !db.IsNotFound(err) {
		r.err = fmt.Errorf("resolve job template %q: %w", name, err)
		return nil
	}

	e := &db.Entity{
		ClusterID:   r.clusterID,
		ExternalID:  db.PlaceholderExternalID,
		Name:        name,
		Description: description,
	}
	if err := db.CreateEntity(r.ctx, r.q, db.KindJobTemplate, e); err != nil {
		r.err = fmt.Errorf("create job template %q: %w", name, err)
		return nil
	}
	return &e.ID
}

// adoptPlaceholder gives a placeholder template of the same name its real
// external id, unless a row already carries that id.
func (r *resolver) adoptPlaceholder(externalID int64, name, description string) (*string, bool) {
	_, err := db.FindEntityByExternalID(r.ctx, r.q, db.KindJobTemplate, r.clusterID, externalID)
	if err == nil {
		return nil, false
	}
	if !db.IsNotFound(err) {
		r.err = err
		return nil, true
	}

	placeholder, err := db.FindEntityByName(r.ctx, r.q, db.KindJobTemplate, r.clusterID, name)
	if db.IsNotFound(err) {
		return nil, false
	}
	if err != nil {
		r.err = err
		return nil, true
	}
	if placeholder.ExternalID != db.PlaceholderExternalID {
		return nil, false
	}

	placeholder.ExternalID = externalID
	placeholder.Description = description
	if err := db.UpdateEntity(r.ctx, r.q, db.KindJobTemplate, placeholder); err != nil {
		r.err = fmt.Errorf("adopt job template %d: %w", externalID, err)
		return nil, true
	}
	return &placeholder.ID, true
}
