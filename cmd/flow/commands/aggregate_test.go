package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/tradeflow/internal/aggregate"
)

func TestPlanRuns(t *testing.T) {
	catalog := aggregate.NewCatalog(nil)

	groups, err := planRuns(catalog, []string{aggregate.FeatureBrokerSummary, aggregate.FeatureOriginFlow}, nil)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, aggregate.FeatureBrokerSummary, groups[0].feature)
	assert.Len(t, groups[0].flavors, 12)
	assert.Len(t, groups[1].flavors, 8)

	// flavors win over features and form a single run
	groups, err = planRuns(catalog, []string{aggregate.FeatureBrokerSummary}, []string{"market_broker_rg", "origin_flow"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "market_broker_rg,origin_flow", groups[0].feature)
	assert.Len(t, groups[0].flavors, 9)

	_, err = planRuns(catalog, nil, nil)
	assert.Error(t, err)

	_, err = planRuns(catalog, []string{"nope"}, nil)
	assert.ErrorIs(t, err, aggregate.ErrUnknownFlavor)
}
