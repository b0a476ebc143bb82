package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routedispatch/internal/model"
)

func TestValidateOptimizeRequest(t *testing.T) {
	req := OptimizeRequest{}
	require.NoError(t, validateOptimizeRequest(&req))
	assert.Equal(t, "full", req.Mode)

	req = OptimizeRequest{Mode: "Incremental", Stops: []model.Stop{{ID: "s1"}}}
	require.NoError(t, validateOptimizeRequest(&req))
	assert.Equal(t, model.StopPending, req.Stops[0].Status)

	now := time.Now()
	bad := []OptimizeRequest{
		{Mode: "greedy"},
		{Mode: "full", Dirty: []string{"v1"}},
		{Mode: "incremental"},
		{Mode: "incremental", Stops: []model.Stop{{}}},
		{Mode: "incremental", Stops: []model.Stop{{ID: "a"}, {ID: "a"}}},
		{Mode: "incremental", Stops: []model.Stop{{ID: "a", Location: model.GeoPoint{Lat: 91}}}},
		{Mode: "incremental", Stops: []model.Stop{{ID: "a", Demand: -1}}},
		{Mode: "incremental", Stops: []model.Stop{{ID: "a", Window: &model.TimeWindow{Earliest: now, Latest: now.Add(-time.Hour)}}}},
		{Mode: "incremental", Stops: []model.Stop{{ID: "a", Status: model.StopCompleted}}},
		{Mode: "incremental", Dirty: []string{" "}},
	}
	for i := range bad {
		assert.Error(t, validateOptimizeRequest(&bad[i]), "case %d", i)
	}
}
