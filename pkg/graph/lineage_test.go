package graph

import (
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
)

func TestLabelFor(t *testing.T) {
	assert.Equal(t, "Member", labelFor(models.MergeActionTypeMember))
	assert.Equal(t, "Organization", labelFor(models.MergeActionTypeOrg))
}

func TestRecordMergeCypher_UsesLabelAndEdge(t *testing.T) {
	cypher := recordMergeCypher("Organization")
	assert.Contains(t, cypher, "MERGE (p:Organization {id: $primary_id, tenant_id: $tenant_id})")
	assert.Contains(t, cypher, "-[r:ABSORBED {action_id: $action_id}]->(s)")

	assert.Contains(t, removeMergeCypher("Member"), "[r:ABSORBED {action_id: $action_id}]->(s:Member)")
	assert.Contains(t, absorbedCypher("Member"), "[:ABSORBED*1..]")
}

func TestActionParams(t *testing.T) {
	params := actionParams(models.MergeAction{
		ID:          "a1",
		TenantID:    "t1",
		PrimaryID:   "p",
		SecondaryID: "s",
		ActionBy:    "u1",
		UpdatedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, map[string]any{
		"tenant_id":    "t1",
		"primary_id":   "p",
		"secondary_id": "s",
		"action_id":    "a1",
		"action_by":    "u1",
		"merged_at":    "2024-03-01T12:00:00.000Z",
	}, params)
}

func TestAbsorbedIDs_SkipsMissingValues(t *testing.T) {
	records := []*neo4j.Record{
		{Keys: []string{"id"}, Values: []any{"m2"}},
		{Keys: []string{"id"}, Values: []any{nil}},
		{Keys: []string{"other"}, Values: []any{"x"}},
		{Keys: []string{"id"}, Values: []any{"m3"}},
	}
	assert.Equal(t, []string{"m2", "m3"}, absorbedIDs(records))
	assert.Empty(t, absorbedIDs(nil))
}
