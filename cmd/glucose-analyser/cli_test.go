package main

import (
	"bytes"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-labwatch/internal/api"
	"github.com/drfirst/go-labwatch/internal/directory"
)

func directoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc := directory.NewService(directory.NewSeededMemoryStore(nil), 0, nil)
	srv := httptest.NewServer(api.NewRouter(api.RouterConfig{Directory: svc}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analyser.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
analysis:
  backoff: 10ms
  max_attempts: 3
tolerance:
  default: 30
  zodiac:
    Taurus: 40
`), 0644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("LABWATCH_BACKEND_URL", "")
	t.Setenv("LABWATCH_BACKOFF", "")
	t.Setenv("LABWATCH_MAX_ATTEMPTS", "")
	t.Setenv("LOG_LEVEL", "")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAnalyzeDemoPatients(t *testing.T) {
	srv := directoryServer(t)
	out, err := run(t, "--config", writeConfig(t), "--backend", srv.URL, "analyze", "0", "1", "2")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "patient 0: glucose 60 above tolerance 30, notified by phone (attempts 1)", lines[0])
	assert.Equal(t, "patient 1: glucose 50 above tolerance 30, no contact channel (attempts 1)", lines[1])
	assert.Equal(t, "patient 2: glucose 50 above tolerance 30, notified by mail (attempts 1)", lines[2])
}

func TestAnalyzeUnregisteredPatientFails(t *testing.T) {
	srv := directoryServer(t)
	out, err := run(t, "--config", writeConfig(t), "--backend", srv.URL, "analyze", "3")
	require.Error(t, err)
	assert.Contains(t, out, "patient 3: failed")
	assert.Contains(t, out, "patient does not exist")
}

func TestAnalyzeWithDemoRegistration(t *testing.T) {
	srv := directoryServer(t)
	out, err := run(t, "--config", writeConfig(t), "--backend", srv.URL, "analyze", "--register-demo", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "patient 3: glucose 50 above tolerance 40, notified by mail")
}

func TestRegisterAndRecord(t *testing.T) {
	srv := directoryServer(t)
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "--backend", srv.URL,
		"register", "--id", "9", "--name", "Edsger Dijkstra", "--zodiac", "taurus", "--phone", "555 01")
	require.NoError(t, err)
	assert.Contains(t, out, "patient 9 registered")

	out, err = run(t, "--config", cfg, "--backend", srv.URL, "record", "9", "--glucose", "45")
	require.NoError(t, err)
	assert.Contains(t, out, "recorded")

	out, err = run(t, "--config", cfg, "--backend", srv.URL, "analyze", "9")
	require.NoError(t, err)
	assert.Contains(t, out, "patient 9: glucose 45 above tolerance 40, notified by phone")

	_, err = run(t, "--config", cfg, "--backend", srv.URL, "record", "9", "--glucose", "120")
	assert.Error(t, err)
}

func TestToleranceTable(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t), "tolerance")
	require.NoError(t, err)
	assert.Equal(t, "default: 30\nTaurus: 40\n", out)

	out, err = run(t, "--config", writeConfig(t), "tolerance", "--zodiac", "gemini")
	require.NoError(t, err)
	assert.Equal(t, "Gemini: 30\n", out)
}
