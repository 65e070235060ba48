package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/fleet/internal/autoscale"
	"github.com/conductor/fleet/internal/database"
)

func init() {
	color.NoColor = true
}

// run executes fleetctl with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestFormatTable(t *testing.T) {
	out := formatTable([]string{"HOST", "STATUS"}, [][]string{
		{"agent-1:7000", "SERVING"},
		{"a:1", "\x1b[31mUNREACHABLE\x1b[0m"},
	})
	lines := bytes.Split(bytes.TrimSpace([]byte(out)), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Equal(t, "HOST          STATUS", string(lines[0]))
	assert.Equal(t, "agent-1:7000  SERVING", string(lines[1]))
	assert.Equal(t, "a:1           \x1b[31mUNREACHABLE\x1b[0m", string(lines[2]))

	assert.Equal(t, 11, visibleLen("\x1b[31mUNREACHABLE\x1b[0m"))
	assert.Equal(t, "abc…", truncate("abcdef", 4))
	assert.Equal(t, "abc", truncate("abc", 4))
}

func TestSimulate(t *testing.T) {
	spec := autoscale.DefaultPoolSpec()
	spec.Name = "gpu"

	t.Run("without cooldown", func(t *testing.T) {
		s := spec
		s.ScaleUpDelay, s.ScaleDownDelay = 0, 0

		steps := simulate(s, []int{10, 10, 10, 0}, 30*time.Second)
		require.Len(t, steps, 4)

		targets := []int{steps[0].Target, steps[1].Target, steps[2].Target, steps[3].Target}
		assert.Equal(t, []int{2, 3, 5, 4}, targets)
		assert.Equal(t, autoscale.DecisionShrink, steps[3].Decision)
		assert.Equal(t, 90*time.Second, steps[3].Elapsed)
	})

	t.Run("cooldown gates growth", func(t *testing.T) {
		steps := simulate(spec, []int{10, 10, 10, 10}, 10*time.Second)
		assert.Equal(t, autoscale.DecisionGrow, steps[0].Decision)
		assert.Equal(t, autoscale.DecisionGated, steps[1].Decision)
		assert.Equal(t, autoscale.DecisionGated, steps[2].Decision)
		assert.Equal(t, autoscale.DecisionGrow, steps[3].Decision)
		assert.Equal(t, 3, steps[3].Target)
	})
}

func TestParseDepths(t *testing.T) {
	depths, err := parseDepths(" 1, 2,,30 ")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 30}, depths)

	_, err = parseDepths("1,-2")
	assert.Error(t, err)
	_, err = parseDepths("")
	assert.Error(t, err)
}

func TestPickPool(t *testing.T) {
	specs := []autoscale.PoolSpec{{Name: "cpu"}, {Name: "gpu"}}

	_, err := pickPool(specs, "")
	assert.Error(t, err)

	s, err := pickPool(specs, "gpu")
	require.NoError(t, err)
	assert.Equal(t, "gpu", s.Name)

	_, err = pickPool(specs, "tpu")
	assert.ErrorIs(t, err, autoscale.ErrUnknownPool)

	s, err = pickPool(specs[:1], "")
	require.NoError(t, err)
	assert.Equal(t, "cpu", s.Name)
}

func TestAutoscaleSimulateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pools:
  - name: gpu
    minSize: 1
    maxSize: 4
    queueSelector:
      agent:
        flavor: gpu
`), 0o600))

	out, err := run(t, "autoscale", "simulate", "--pools-file", path, "--queue", "50,50,50", "--no-cooldown", "-o", "json")
	require.NoError(t, err)

	var steps []simStep
	require.NoError(t, json.Unmarshal([]byte(out), &steps))
	require.Len(t, steps, 3)
	assert.Equal(t, 4, steps[2].Target, "target is clamped to maxSize")
}

func TestCommandsCommands(t *testing.T) {
	id := uuid.New()
	var gotBody map[string]any
	var gotQuery string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/commands":
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(database.Command{
				ID: id, AgentID: "agent-1", Type: "CANCEL_JOB", Status: database.CommandStatusCreated,
			})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/commands":
			gotQuery = r.URL.RawQuery
			if r.URL.Query().Get("status") == "BOGUS" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"unknown command status"}`))
				return
			}
			_ = json.NewEncoder(w).Encode([]database.Command{{
				ID: id, AgentID: "agent-1", Type: "CANCEL_JOB", Status: database.CommandStatusSent,
			}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := run(t, "-s", srv.URL, "commands", "enqueue", "agent-1", "CANCEL_JOB", "--data", `{"instanceId":"p1"}`)
	require.NoError(t, err)
	assert.Contains(t, out, id.String())
	assert.Equal(t, "agent-1", gotBody["agent_id"])
	assert.Equal(t, map[string]any{"instanceId": "p1"}, gotBody["command_data"])

	out, err = run(t, "-s", srv.URL, "commands", "list", "--status", "SENT", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "SENT")
	assert.Contains(t, out, "1 command(s)")
	assert.Equal(t, "limit=5&status=SENT", gotQuery)

	_, err = run(t, "-s", srv.URL, "commands", "list", "--status", "BOGUS")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "unknown command status", apiErr.Message)

	_, err = run(t, "-s", srv.URL, "commands", "enqueue", "agent-1", "X", "--data", "[1]")
	assert.Error(t, err)
}

func TestRootConfig(t *testing.T) {
	t.Run("env selects output", func(t *testing.T) {
		t.Setenv("FLEET_OUTPUT", "json")
		out, err := run(t, "version")
		require.NoError(t, err)

		var info map[string]string
		require.NoError(t, json.Unmarshal([]byte(out), &info))
		assert.Equal(t, "dev", info["version"])
	})

	t.Run("config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "fleet.yaml")
		require.NoError(t, os.WriteFile(path, []byte("output: json\n"), 0o600))

		out, err := run(t, "--config", path, "version")
		require.NoError(t, err)
		assert.Contains(t, out, `"commit"`)
	})

	t.Run("unknown output", func(t *testing.T) {
		_, err := run(t, "-o", "yaml", "version")
		assert.Error(t, err)
	})

	t.Run("missing hosts", func(t *testing.T) {
		t.Setenv("FLEET_AGENT_HOSTS", "")
		_, err := run(t, "hosts", "ping")
		assert.Error(t, err)
	})

	t.Run("migrate needs a database", func(t *testing.T) {
		t.Setenv("FLEET_DATABASE_URL", "")
		_, err := run(t, "migrate", "status")
		assert.ErrorContains(t, err, "database URL is required")
	})
}
