// testing_helpers_test.go: shared fakes for the supervisor test suites
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// mockController is an in-memory ProcessController. Extensions must be added
// before use; unknown names report ErrCodeExtensionNotFound.
type mockController struct {
	mu       sync.Mutex
	root     string
	known    map[string]bool
	running  map[string]bool
	disabled map[string]bool
	restarts map[string]int
	calls    map[string]int

	infoErr    error
	restartErr error
	startErr   error
	version    string
	requests   int64
	errors     int64
}

func newMockController(t *testing.T) *mockController {
	t.Helper()
	return &mockController{
		root:     filepath.Join(t.TempDir(), "extensions"),
		known:    map[string]bool{},
		running:  map[string]bool{},
		disabled: map[string]bool{},
		restarts: map[string]int{},
		calls:    map[string]int{},
		version:  "1.0.0",
	}
}

// add registers an extension and writes a small code tree for it.
func (c *mockController) add(t *testing.T, name string, running bool) {
	t.Helper()
	c.mu.Lock()
	c.known[name] = true
	c.running[name] = running
	c.mu.Unlock()

	dir := filepath.Join(c.root, name)
	writeFile(t, filepath.Join(dir, "main.py"), "print('"+name+"')\n")
	writeFile(t, filepath.Join(dir, "lib", "util.py"), "VERSION = '1.0.0'\n")
}

func (c *mockController) count(op, name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op+":"+name]
}

func (c *mockController) isDisabled(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled[name]
}

func (c *mockController) setRunning(name string, running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[name] = running
}

func (c *mockController) IsRunning(_ context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.known[name] {
		return false, NewExtensionNotFoundError(name)
	}
	return c.running[name], nil
}

func (c *mockController) Start(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["start:"+name]++
	if c.startErr != nil {
		return c.startErr
	}
	if c.disabled[name] {
		return fmt.Errorf("extension %s is disabled", name)
	}
	c.running[name] = true
	return nil
}

func (c *mockController) Stop(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["stop:"+name]++
	c.running[name] = false
	return nil
}

func (c *mockController) Restart(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["restart:"+name]++
	if c.restartErr != nil {
		return c.restartErr
	}
	c.running[name] = true
	c.restarts[name]++
	return nil
}

func (c *mockController) Disable(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["disable:"+name]++
	c.running[name] = false
	c.disabled[name] = true
	return nil
}

func (c *mockController) Info(_ context.Context, name string) (ExtensionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.infoErr != nil {
		return ExtensionInfo{}, c.infoErr
	}
	if !c.known[name] || !c.running[name] {
		return ExtensionInfo{}, NewExtensionNotFoundError(name)
	}
	return ExtensionInfo{
		Name:         name,
		Version:      c.version,
		ProcessID:    4242,
		Status:       "running",
		RestartCount: c.restarts[name],
		RequestCount: c.requests,
		ErrorCount:   c.errors,
	}, nil
}

func (c *mockController) Directory(name string) (string, error) {
	return filepath.Join(c.root, name), nil
}

// fakeSampler returns a configurable reading.
type fakeSampler struct {
	mu    sync.Mutex
	usage ResourceUsage
	err   error
	panic bool
	block bool
	calls int
}

func (s *fakeSampler) set(cpu, memMB float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.CPUPercent = cpu
	s.usage.MemoryMB = memMB
}

func (s *fakeSampler) Sample(ctx context.Context, _ int32, _ string) (ResourceUsage, error) {
	s.mu.Lock()
	s.calls++
	usage, err, doPanic, block := s.usage, s.err, s.panic, s.block
	s.mu.Unlock()

	if doPanic {
		panic("sampler exploded")
	}
	if block {
		<-ctx.Done()
		return ResourceUsage{}, ctx.Err()
	}
	return usage, err
}

// memHooks keeps config and data payloads in memory.
type memHooks struct {
	mu              sync.Mutex
	config          map[string][]byte
	data            map[string][]byte
	failDataImports int
}

func newMemHooks() *memHooks {
	return &memHooks{config: map[string][]byte{}, data: map[string][]byte{}}
}

func (h *memHooks) ExportConfig(_ context.Context, name string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.config[name], nil
}

func (h *memHooks) ImportConfig(_ context.Context, name string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config[name] = append([]byte{}, payload...)
	return nil
}

func (h *memHooks) RemoveConfig(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.config, name)
	return nil
}

func (h *memHooks) ExportData(_ context.Context, name string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data[name], nil
}

func (h *memHooks) ImportData(_ context.Context, name string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failDataImports > 0 {
		h.failDataImports--
		return fmt.Errorf("data volume is read-only")
	}
	h.data[name] = append([]byte{}, payload...)
	return nil
}

func (h *memHooks) RemoveData(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.data, name)
	return nil
}

func (h *memHooks) hasConfig(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.config[name]
	return ok
}

func (h *memHooks) hasData(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.data[name]
	return ok
}

func (h *memHooks) configOf(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.config[name])
}

func (h *memHooks) dataOf(name string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.data[name])
}

// recordingTrigger counts recovery triggers per extension.
type recordingTrigger struct {
	mu     sync.Mutex
	calls  map[string]int
	health []ExtensionHealth
}

func newRecordingTrigger() *recordingTrigger {
	return &recordingTrigger{calls: map[string]int{}}
}

func (r *recordingTrigger) TriggerRecovery(_ context.Context, name string, health ExtensionHealth) RecoveryResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[name]++
	r.health = append(r.health, health)
	return RecoveryResult{Extension: name, Attempted: true, Success: true}
}

func (r *recordingTrigger) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

// recordingStopper records StopMonitoring calls.
type recordingStopper struct {
	mu      sync.Mutex
	stopped []string
}

func (s *recordingStopper) StopMonitoring(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, name)
	return nil
}

type fakePlanner struct {
	mu      sync.Mutex
	applied bool
	err     error
	calls   int
}

func (p *fakePlanner) ApplyRollback(_ context.Context, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.applied, p.err
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (s *recordingSink) SendAlert(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordingSink) received() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

type fakeCache struct {
	mu      sync.Mutex
	cleared []string
}

func (c *fakeCache) ClearCache(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, name)
	return nil
}

type panickingScaler struct{}

func (panickingScaler) ScaleDown(context.Context, string, map[string]any) error {
	panic("scaler lost its connection pool")
}

// failingStore is an EventStore that always fails to append.
type failingStore struct {
	mu       sync.Mutex
	attempts int
	closed   bool
}

func (s *failingStore) AppendEvent(context.Context, LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return fmt.Errorf("disk full")
}

func (s *failingStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// memoryStore is an EventStore collecting events in memory.
type memoryStore struct {
	mu     sync.Mutex
	events []LifecycleEvent
	closed bool
}

func (s *memoryStore) AppendEvent(_ context.Context, ev LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memoryStore) snapshot() []LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LifecycleEvent(nil), s.events...)
}

// fakeClock is a manually advanced clock for cooldown tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path) // #nosec G304 -- test fixture path
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(raw)
}

// eventsOf returns the events of one type for an extension.
func eventsOf(log *EventLog, extension string, typ EventType) []LifecycleEvent {
	return log.Query(EventFilter{Extension: extension, Types: []EventType{typ}})
}

// quickHealthConfig never fires on its own, so tests drive cycles by hand.
func quickHealthConfig(failures, successes int) HealthCheckConfig {
	return HealthCheckConfig{
		Interval:         time.Hour,
		Timeout:          2 * time.Second,
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Thresholds:       DefaultHealthThresholds(),
	}
}
