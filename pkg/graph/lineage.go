package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

// AbsorbedRel links the surviving entity to the one merged into it.
const AbsorbedRel = "ABSORBED"

// Lineage keeps (:Member|:Organization)-[:ABSORBED]->() edges in step with
// merge actions.
type Lineage struct {
	client *Client
	logger ectologger.Logger
}

func NewLineage(client *Client, logger ectologger.Logger) *Lineage {
	return &Lineage{client: client, logger: logger}
}

func labelFor(t models.MergeActionType) string {
	if t == models.MergeActionTypeOrg {
		return "Organization"
	}
	return "Member"
}

func recordMergeCypher(label string) string {
	return fmt.Sprintf(`
		MERGE (p:%[1]s {id: $primary_id, tenant_id: $tenant_id})
		MERGE (s:%[1]s {id: $secondary_id, tenant_id: $tenant_id})
		MERGE (p)-[r:%[2]s {action_id: $action_id}]->(s)
		SET r.action_by = $action_by, r.merged_at = $merged_at, s.merged_into = $primary_id
	`, label, AbsorbedRel)
}

func removeMergeCypher(label string) string {
	return fmt.Sprintf(`
		MATCH (p:%[1]s {id: $primary_id, tenant_id: $tenant_id})-[r:%[2]s {action_id: $action_id}]->(s:%[1]s)
		DELETE r
		REMOVE s.merged_into
	`, label, AbsorbedRel)
}

func absorbedCypher(label string) string {
	return fmt.Sprintf(`
		MATCH (:%[1]s {id: $id, tenant_id: $tenant_id})-[:%[2]s*1..]->(s:%[1]s)
		RETURN DISTINCT s.id AS id
		ORDER BY id
	`, label, AbsorbedRel)
}

func actionParams(action models.MergeAction) map[string]any {
	return map[string]any{
		"tenant_id":    action.TenantID,
		"primary_id":   action.PrimaryID,
		"secondary_id": action.SecondaryID,
		"action_id":    action.ID,
		"action_by":    action.ActionBy,
		"merged_at":    action.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
}

// RecordMerge adds the ABSORBED edge of a completed merge.
func (l *Lineage) RecordMerge(ctx context.Context, action models.MergeAction) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Lineage.RecordMerge")
	defer span.End()

	return l.write(ctx, recordMergeCypher(labelFor(action.Type)), actionParams(action), action)
}

// RemoveMerge drops the edge again after an unmerge.
func (l *Lineage) RemoveMerge(ctx context.Context, action models.MergeAction) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Lineage.RemoveMerge")
	defer span.End()

	return l.write(ctx, removeMergeCypher(labelFor(action.Type)), actionParams(action), action)
}

func (l *Lineage) write(ctx context.Context, cypher string, params map[string]any, action models.MergeAction) error {
	if _, err := l.client.query(ctx, cypher, params, false); err != nil {
		l.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"action_id":    action.ID,
			"primary_id":   action.PrimaryID,
			"secondary_id": action.SecondaryID,
		}).Error("Failed to write merge lineage")
		return fmt.Errorf("write merge lineage for %s: %w", action.ID, err)
	}
	return nil
}

// Absorbed lists every entity merged into id, directly or transitively.
func (l *Lineage) Absorbed(ctx context.Context, tenantID string, t models.MergeActionType, id string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Lineage.Absorbed")
	defer span.End()

	res, err := l.client.query(ctx, absorbedCypher(labelFor(t)), map[string]any{
		"id":        id,
		"tenant_id": tenantID,
	}, true)
	if err != nil {
		return nil, fmt.Errorf("read merge lineage of %s: %w", id, err)
	}
	return absorbedIDs(res.Records), nil
}

func absorbedIDs(records []*neo4j.Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		if v, ok := record.Get("id"); ok {
			if s, ok := v.(string); ok {
				ids = append(ids, s)
			}
		}
	}
	return ids
}
