package obsv

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmtest/resilient-runner/internal/protocol"
)

func TestInitDisabledIsNoOp(t *testing.T) {
	prov, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, prov)
}

func TestInitEnabledProducesHandlerAndShutdown(t *testing.T) {
	prov, err := Init(context.Background(), Config{Enabled: true, ServiceName: "test-scheduler"})
	require.NoError(t, err)
	require.NotNil(t, prov)
	require.NotNil(t, prov.MetricsHandler)
	require.NotNil(t, prov.Shutdown)

	assert.NoError(t, prov.Shutdown(context.Background()))
}

func TestRecordFunctionsToleratePreInit(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordBatchSize(context.Background(), 50)
		RecordTierPromotion(context.Background(), 0)
		RecordSupervisorsBusy(context.Background(), 2)
		RecordOutcome(context.Background(), protocol.Passed)
	})
}

func TestWrapHandlerPassesThroughWithoutProviders(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := WrapHandler(base, nil)
	assert.NotNil(t, wrapped)
}
