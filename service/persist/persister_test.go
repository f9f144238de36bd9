package persist

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logRecord struct {
	msg  string
	args []any
}

type recordingLogger struct {
	mu      sync.Mutex
	records []logRecord
}

func (l *recordingLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, logRecord{msg: msg, args: args})
}

func (l *recordingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := make([]string, 0, len(l.records))
	for _, r := range l.records {
		msgs = append(msgs, r.msg)
	}
	return msgs
}

type slowFs struct {
	afero.Fs
	delay time.Duration
}

func (f slowFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	time.Sleep(f.delay)
	return f.Fs.OpenFile(name, flag, perm)
}

type failingOpenFs struct {
	afero.Fs
	err error
}

func (f failingOpenFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	return nil, f.err
}

func TestSaveStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	logger := &recordingLogger{}
	p := New(WithLogger(logger))

	path := filepath.Join(dir, "state.json")
	data := "{\"labels\":[{\"id\":1,\"name\":\"wall\"}]}\n\x00binary\xff"

	ack, err := p.SaveState(path, data)
	require.NoError(t, err)
	assert.NotEmpty(t, ack.ID)
	assert.Equal(t, "accepted", ack.Status)
	p.Wait()

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, string(got))
	assert.Empty(t, logger.messages())
}

func TestSaveStateCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	p := New(WithLogger(&recordingLogger{}))

	path := filepath.Join(dir, "projects", "scan-01", "labels", "state.json")
	_, err := p.SaveState(path, "nested")
	require.NoError(t, err)
	p.Wait()

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nested", string(got))
}

func TestSaveStateBareFileName(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := New(WithFs(fs), WithLogger(&recordingLogger{}))

	_, err := p.SaveState("state.json", "bare")
	require.NoError(t, err)
	p.Wait()

	got, err := afero.ReadFile(fs, "state.json")
	require.NoError(t, err)
	assert.Equal(t, "bare", string(got))
}

func TestSaveStateReturnsBeforeWrite(t *testing.T) {
	const delay = 300 * time.Millisecond
	mem := afero.NewMemMapFs()
	p := New(WithFs(slowFs{Fs: mem, delay: delay}), WithLogger(&recordingLogger{}))

	start := time.Now()
	_, err := p.SaveState("/state/app.json", "slow")
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Less(t, elapsed, delay/3)

	exists, err := afero.Exists(mem, "/state/app.json")
	require.NoError(t, err)
	assert.False(t, exists, "write finished before the acknowledgment")

	p.Wait()
	got, err := afero.ReadFile(mem, "/state/app.json")
	require.NoError(t, err)
	assert.Equal(t, "slow", string(got))
}

func TestSaveStateSameDataTwice(t *testing.T) {
	dir := t.TempDir()
	p := New(WithLogger(&recordingLogger{}))
	path := filepath.Join(dir, "state.json")

	for i := 0; i < 2; i++ {
		_, err := p.SaveState(path, "same")
		require.NoError(t, err)
	}
	p.Wait()

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "same", string(got))
}

func TestSaveStateOverwrites(t *testing.T) {
	dir := t.TempDir()
	p := New(WithLogger(&recordingLogger{}))
	path := filepath.Join(dir, "state.json")

	_, err := p.SaveState(path, "a much longer first payload")
	require.NoError(t, err)
	p.Wait()

	_, err = p.SaveState(path, "short")
	require.NoError(t, err)
	p.Wait()

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "short", string(got))
}

func TestSaveStateDirectoryFailureSkipsWrite(t *testing.T) {
	mem := afero.NewMemMapFs()
	logger := &recordingLogger{}
	p := New(WithFs(afero.NewReadOnlyFs(mem)), WithLogger(logger))

	ack, err := p.SaveState("/locked/state.json", "data")
	require.NoError(t, err)
	assert.NotEmpty(t, ack.ID)
	p.Wait()

	assert.Equal(t, []string{"failed to create state directory"}, logger.messages())
	exists, err := afero.Exists(mem, "/locked/state.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSaveStateWriteFailureIsLogged(t *testing.T) {
	writeErr := errors.New("disk full")
	logger := &recordingLogger{}
	p := New(WithFs(failingOpenFs{Fs: afero.NewMemMapFs(), err: writeErr}), WithLogger(logger))

	_, err := p.SaveState("/state/app.json", "data")
	require.NoError(t, err)
	p.Wait()

	require.Equal(t, []string{"failed to write state file"}, logger.messages())
	assert.Contains(t, logger.records[0].args, writeErr)
}

func TestSaveStateAfterClose(t *testing.T) {
	p := New(WithFs(afero.NewMemMapFs()), WithLogger(&recordingLogger{}))
	require.NoError(t, p.Close())

	_, err := p.SaveState("/state.json", "late")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Close(), ErrClosed)
}

func TestCloseWaitsForInflightWrites(t *testing.T) {
	mem := afero.NewMemMapFs()
	p := New(WithFs(slowFs{Fs: mem, delay: 100 * time.Millisecond}), WithLogger(&recordingLogger{}))

	_, err := p.SaveState("/state/app.json", "drained")
	require.NoError(t, err)
	require.NoError(t, p.Close())

	got, err := afero.ReadFile(mem, "/state/app.json")
	require.NoError(t, err)
	assert.Equal(t, "drained", string(got))
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	p := New(WithFs(afero.NewReadOnlyFs(afero.NewMemMapFs())), WithLogger(&recordingLogger{}))
	events := make(chan Event, 4)
	p.Subscribe(func(event Event) {
		events <- event
	})

	ack, err := p.SaveState("/locked/state.json", "12345")
	require.NoError(t, err)

	seen := map[EventType]Event{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case e := <-events:
			seen[e.Type] = e
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", seen)
		}
	}

	scheduled := seen[EventScheduled]
	assert.Equal(t, ack.ID, scheduled.ID)
	assert.Equal(t, 5, scheduled.Size)
	assert.NoError(t, scheduled.Err)

	completed := seen[EventCompleted]
	assert.Equal(t, ack.ID, completed.ID)
	assert.Equal(t, "/locked/state.json", completed.Path)
	assert.Error(t, completed.Err)
}
