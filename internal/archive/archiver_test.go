package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor/fleet/internal/database"
	"github.com/conductor/fleet/pkg/metrics"
)

type memQueue struct {
	mu   sync.Mutex
	cmds map[uuid.UUID]database.Command
	// failDelete makes DeleteBatch report fewer rows than requested.
	failDelete bool
}

func newMemQueue(cmds ...database.Command) *memQueue {
	q := &memQueue{cmds: map[uuid.UUID]database.Command{}}
	for _, c := range cmds {
		q.cmds[c.ID] = c
	}
	return q
}

func (q *memQueue) InTx(ctx context.Context, fn func(q Queue) error) error {
	q.mu.Lock()
	snapshot := make(map[uuid.UUID]database.Command, len(q.cmds))
	for k, v := range q.cmds {
		snapshot[k] = v
	}
	q.mu.Unlock()

	tx := &memQueue{cmds: snapshot, failDelete: q.failDelete}
	if err := fn(tx); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.cmds = tx.cmds
	return nil
}

func (q *memQueue) NextArchivable(_ context.Context, sentBefore time.Time, limit int) ([]database.Command, error) {
	var out []database.Command
	for _, c := range q.cmds {
		if c.Status == database.CommandStatusSent && c.SentAt != nil && c.SentAt.Before(sentBefore) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(*out[j].SentAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *memQueue) DeleteBatch(_ context.Context, ids []uuid.UUID) (int64, error) {
	var n int64
	for _, id := range ids {
		if _, ok := q.cmds[id]; ok {
			delete(q.cmds, id)
			n++
		}
	}
	if q.failDelete && n > 0 {
		n--
	}
	return n, nil
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cmds)
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (o *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string) error {
	if o.err != nil {
		return o.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[key] = data
	o.types[key] = contentType
	return nil
}

func (o *memObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *memObjects) keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var keys []string
	for k := range o.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func sentCommand(age time.Duration) database.Command {
	sent := now.Add(-age)
	return database.Command{
		ID:        uuid.New(),
		AgentID:   "agent-1",
		Type:      "CANCEL_JOB",
		Status:    database.CommandStatusSent,
		Data:      map[string]any{"instanceId": uuid.NewString()},
		CreatedAt: sent.Add(-time.Second),
		SentAt:    &sent,
	}
}

func newArchiver(q Store, o ObjectStore, cfg Config, m *metrics.ControlPlaneMetrics) *Archiver {
	a := New(q, o, cfg, zerolog.Nop(), m)
	a.now = func() time.Time { return now }
	return a
}

func TestEncodeDecode(t *testing.T) {
	cmds := []database.Command{sentCommand(time.Hour), sentCommand(2 * time.Hour)}

	for _, compress := range []bool{false, true} {
		data, err := Encode(cmds, compress)
		require.NoError(t, err)

		if !compress {
			assert.Equal(t, 2, strings.Count(string(data), "\n"))
		}

		got, err := Decode(bytes.NewReader(data), compress)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, cmds[0].ID, got[0].ID)
		assert.Equal(t, cmds[1].Data, got[1].Data)
		assert.True(t, cmds[1].SentAt.Equal(*got[1].SentAt))
	}
}

func TestArchiveBatch_OnlyPastRetention(t *testing.T) {
	old := sentCommand(48 * time.Hour)
	fresh := sentCommand(time.Hour)
	created := database.Command{ID: uuid.New(), AgentID: "agent-1", Status: database.CommandStatusCreated}
	q := newMemQueue(old, fresh, created)
	objects := newMemObjects()
	m := metrics.NewControlPlaneMetrics().ControlPlane

	a := newArchiver(q, objects, DefaultConfig(), m)
	n, err := a.ArchiveBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, q.len())

	keys := objects.keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "commands/2026/03/14/"), keys[0])
	assert.True(t, strings.HasSuffix(keys[0], old.ID.String()+".jsonl.zst"), keys[0])
	assert.Equal(t, contentTypeZstd, objects.types[keys[0]])

	rc, err := objects.Get(context.Background(), keys[0])
	require.NoError(t, err)
	got, err := Decode(rc, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old.ID, got[0].ID)

	assert.InDelta(t, 1, testutil.ToFloat64(m.CommandsArchived), 1e-9)
}

func TestArchiveBatch_Empty(t *testing.T) {
	objects := newMemObjects()
	a := newArchiver(newMemQueue(sentCommand(time.Minute)), objects, DefaultConfig(), nil)

	n, err := a.ArchiveBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, objects.keys())
}

func TestArchiveBatch_UploadFailureKeepsRows(t *testing.T) {
	q := newMemQueue(sentCommand(48 * time.Hour))
	objects := newMemObjects()
	objects.err = errors.New("bucket unavailable")

	a := newArchiver(q, objects, DefaultConfig(), nil)
	_, err := a.ArchiveBatch(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, q.len())
}

func TestArchiveBatch_PartialDeleteRollsBack(t *testing.T) {
	q := newMemQueue(sentCommand(48*time.Hour), sentCommand(49*time.Hour))
	q.failDelete = true

	a := newArchiver(q, newMemObjects(), DefaultConfig(), nil)
	_, err := a.ArchiveBatch(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, q.len())
}

func TestRunOnce_DrainsInBatches(t *testing.T) {
	var cmds []database.Command
	for i := range 5 {
		cmds = append(cmds, sentCommand(time.Duration(48+i)*time.Hour))
	}
	q := newMemQueue(cmds...)
	objects := newMemObjects()

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.Compress = false
	a := newArchiver(q, objects, cfg, nil)

	require.NoError(t, a.RunOnce(context.Background()))
	assert.Zero(t, q.len())

	keys := objects.keys()
	assert.Len(t, keys, 3)
	var total int
	for _, k := range keys {
		assert.True(t, strings.HasSuffix(k, ".jsonl"), k)
		rc, err := objects.Get(context.Background(), k)
		require.NoError(t, err)
		got, err := Decode(rc, false)
		require.NoError(t, err)
		total += len(got)
	}
	assert.Equal(t, 5, total)
}
