package setup

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/robalyx/botfleet/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMetricsServer(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.LevelUp()

	srv, err := startMetricsServer(0, m, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.srv.Close()
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", srv.listener.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "botfleet_level_ups_total 1")
}
