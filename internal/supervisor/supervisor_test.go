package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitErr struct{ code int }

func (e exitErr) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e exitErr) ExitCode() int { return e.code }

type fakeProcess struct {
	pid        int
	exit       chan error
	ignoreTerm bool

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan error, 1)}
}

func (p *fakeProcess) Pid() int    { return p.pid }
func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if !p.ignoreTerm {
		p.exit <- nil
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit <- exitErr{code: -1}
	return nil
}

// fakeSpawner hands out processes from a per-slot script. Each script entry
// is the exit the process reports on its own; nil means it runs until
// signalled.
type fakeSpawner struct {
	mu       sync.Mutex
	scripts  map[string][]error
	spawned  map[string][]*fakeProcess
	spawnErr map[string]int
	ignore   bool
	started  chan string
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		scripts:  map[string][]error{},
		spawned:  map[string][]*fakeProcess{},
		spawnErr: map[string]int{},
		started:  make(chan string, 64),
	}
}

func (f *fakeSpawner) Spawn(_ context.Context, slot Slot) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr[slot.Name] > 0 {
		f.spawnErr[slot.Name]--
		return nil, errors.New("fork failed")
	}
	p := newFakeProcess(1000 + len(f.spawned[slot.Name]))
	p.ignoreTerm = f.ignore
	if script := f.scripts[slot.Name]; len(script) > 0 {
		p.exit <- script[0]
		f.scripts[slot.Name] = script[1:]
	}
	f.spawned[slot.Name] = append(f.spawned[slot.Name], p)
	f.started <- slot.Name
	return p, nil
}

func (f *fakeSpawner) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned[name])
}

func fastOpts(workers int) Options {
	return Options{Workers: workers, RestartDelay: time.Millisecond, StopGrace: 20 * time.Millisecond}
}

func TestSlots(t *testing.T) {
	assert.Equal(t, []Slot{{Name: "forward"}}, Slots(1))
	assert.Equal(t, []Slot{{Name: "forward"}, {Name: "backward", Descending: true}}, Slots(2))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 3, ExitCode(exitErr{code: 3}))
	assert.Equal(t, 3, ExitCode(fmt.Errorf("wait: %w", exitErr{code: 3})))
	assert.Equal(t, -1, ExitCode(errors.New("signal: killed")))
}

func TestRun_CleanExitStaysStopped(t *testing.T) {
	sp := newFakeSpawner()
	sp.scripts["forward"] = []error{nil}
	sp.scripts["backward"] = []error{nil}
	// A scripted nil exit is delivered immediately.
	s := New(sp, fastOpts(2))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 1, sp.count("forward"))
	assert.Equal(t, 1, sp.count("backward"))
}

func TestRun_CrashIsRestarted(t *testing.T) {
	sp := newFakeSpawner()
	sp.scripts["forward"] = []error{exitErr{code: 1}, exitErr{code: 3}, nil}
	s := New(sp, fastOpts(1))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 3, sp.count("forward"))
}

func TestRun_SpawnFailureIsRetried(t *testing.T) {
	sp := newFakeSpawner()
	sp.spawnErr["forward"] = 2
	sp.scripts["forward"] = []error{nil}
	s := New(sp, fastOpts(1))

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 1, sp.count("forward"))
}

func TestRun_ShutdownSignalsWorkers(t *testing.T) {
	sp := newFakeSpawner()
	s := New(sp, fastOpts(2))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-sp.started
	<-sp.started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	for _, name := range []string{"forward", "backward"} {
		p := sp.spawned[name][0]
		assert.Equal(t, []os.Signal{syscall.SIGTERM}, p.signals, name)
		assert.False(t, p.killed, name)
	}
}

func TestRun_KillsAfterGrace(t *testing.T) {
	sp := newFakeSpawner()
	sp.ignore = true
	s := New(sp, fastOpts(1))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-sp.started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	p := sp.spawned["forward"][0]
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, p.signals)
	assert.True(t, p.killed)
}

func TestExecSpawner(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	sp := ExecSpawner{Path: sh, Args: func(slot Slot) []string {
		if slot.Descending {
			return []string{"-c", "exit 3"}
		}
		return []string{"-c", "exit 0"}
	}}

	p, err := sp.Spawn(context.Background(), Slot{Name: "forward"})
	require.NoError(t, err)
	assert.Positive(t, p.Pid())
	assert.Equal(t, 0, ExitCode(p.Wait()))

	p, err = sp.Spawn(context.Background(), Slot{Name: "backward", Descending: true})
	require.NoError(t, err)
	assert.Equal(t, 3, ExitCode(p.Wait()))

	_, err = ExecSpawner{Path: "/nonexistent/worker"}.Spawn(context.Background(), Slot{Name: "forward"})
	assert.Error(t, err)
}
