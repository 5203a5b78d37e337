package plans

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/logoforge/logoforge/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
default: base
plans:
  - key: base
    name: Base
    price: "0"
    credits: 5
    interval: none
    priority: 0
  - key: starter
    name: Starter Pack
    price: "9.99"
    credits: 25
    priority: 1
    one_time: true
    price_id: price_file_starter
  - key: pro_monthly
    name: Pro Monthly
    price: "19.99"
    credits: 100
    interval: month
    priority: 2
    price_id: price_file_pro_m
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog), map[Key]string{KeyProMonthly: "price_env_pro_m"})
	require.NoError(t, err)

	starter := c.DefinitionOf(KeyStarter)
	assert.True(t, starter.OneTime)
	assert.Equal(t, "9.99", starter.Price.String())
	assert.Equal(t, "usd", starter.Currency)

	id, ok := c.ExternalPriceID(KeyStarter)
	assert.True(t, ok)
	assert.Equal(t, "price_file_starter", id)

	id, ok = c.ExternalPriceID(KeyProMonthly)
	assert.True(t, ok)
	assert.Equal(t, "price_env_pro_m", id, "env override wins over file")

	_, known := c.Lookup(KeyProYearly)
	assert.False(t, known)
	assert.Equal(t, KeyBase, c.DefinitionOf(KeyProYearly).Key)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"invalid yaml", "plans: [:"},
		{"unknown field", "plans:\n  - key: base\n    colour: red\n"},
		{"bad price", "plans:\n  - key: base\n    price: cheap\n"},
		{"default not present", "default: gold\nplans:\n  - key: base\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read plan catalog")
}

func newTestHolder(t *testing.T, path string) (*Holder, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NewLogger(observability.ErrorLevel, &bytes.Buffer{})
	return NewHolder(DefaultCatalog(nil), path, nil, logger, metrics), metrics
}

func TestHolder_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	h, metrics := newTestHolder(t, path)
	assert.Len(t, h.Current().Definitions(), 4)

	require.NoError(t, h.Reload())
	assert.Len(t, h.Current().Definitions(), 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PlanCatalogReloadsTotal.WithLabelValues("success")))

	require.NoError(t, os.WriteFile(path, []byte("plans: [:"), 0o644))
	require.Error(t, h.Reload())
	assert.Len(t, h.Current().Definitions(), 3, "previous catalog kept")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PlanCatalogReloadsTotal.WithLabelValues("error")))
}

func TestHolder_NotFileBacked(t *testing.T) {
	h, _ := newTestHolder(t, "")
	assert.Error(t, h.Reload())
	assert.Error(t, h.Watch(context.Background()))
}

func TestHolder_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plans:\n  - key: base\n"), 0o644))

	h, _ := newTestHolder(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Watch(ctx) }()

	// Give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	require.Eventually(t, func() bool {
		_, ok := h.Current().Lookup(KeyStarter)
		return ok && len(h.Current().Definitions()) == 3
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
