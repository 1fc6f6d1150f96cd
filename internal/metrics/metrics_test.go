package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHostCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewHostCollector(nopLogger())))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["klagent_host_load1"], "load average missing")
	assert.True(t, names["klagent_host_memory_total_bytes"], "memory total missing")
}

func TestListenerServesMetrics(t *testing.T) {
	l := NewListener("127.0.0.1:0", nopLogger())
	require.NoError(t, l.Start())
	t.Cleanup(func() { l.Shutdown(t.Context()) })

	resp, err := http.Get("http://" + l.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "klagent_sessions_active"))
}
