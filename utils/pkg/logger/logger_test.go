package logger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeeper_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 4, 5, 6, 7, 891_000_000, time.FixedZone("X", 3600))
	require.Equal(t, "2026-03-04T04:06:07.891Z", formatRFC3339Millis(ts))
}

func TestKeeper_Logger_JSONDropsEmptyStrings(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithOptions(Options{JSON: true, Writer: &buf})
	log.Info("orchestrator: cycle completed", "cycle_id", "", "harvested", 10)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "orchestrator: cycle completed", rec["msg"])
	require.NotContains(t, rec, "cycle_id")
	require.EqualValues(t, 10, rec["harvested"])
}

func TestKeeper_Logger_VerboseEnablesDebug(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	NewWithOptions(Options{Writer: &buf}).Debug("hidden")
	require.Empty(t, buf.String())

	NewWithOptions(Options{Writer: &buf, Verbose: true}).Debug("shown")
	require.Contains(t, buf.String(), "shown")
}
