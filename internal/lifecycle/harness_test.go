package lifecycle_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/makex/orchestrator/internal/events"
	"github.com/makex/orchestrator/internal/lifecycle"
	"github.com/makex/orchestrator/internal/lock"
	"github.com/makex/orchestrator/internal/proxy"
	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
	"github.com/makex/orchestrator/internal/store/storetest"
)

const testUser = "user-1"

type fakeProvider struct {
	name sandbox.ProviderName

	mu      sync.Mutex
	seq     int
	calls   map[string][]string
	errs    map[string]error
	gates   map[string]*gate
	resumes int
}

// gate parks a provider call until released
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newFakeProvider(name sandbox.ProviderName) *fakeProvider {
	return &fakeProvider{name: name, calls: map[string][]string{}, errs: map[string]error{}, gates: map[string]*gate{}}
}

// blockOn makes the next calls to op wait until the gate is released
func (f *fakeProvider) blockOn(op string) *gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.gates[op] = g
	return g
}

func (f *fakeProvider) Name() sandbox.ProviderName { return f.name }

func (f *fakeProvider) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

func (f *fakeProvider) callsTo(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls[op]...)
}

func (f *fakeProvider) record(op, id string) error {
	f.calls[op] = append(f.calls[op], id)
	return f.errs[op]
}

func hosts(id string, gen int) sandbox.Endpoints {
	return sandbox.Endpoints{
		AppHost: fmt.Sprintf("8081-%s-g%d.sandbox.test", id, gen),
		APIHost: fmt.Sprintf("8000-%s-g%d.sandbox.test", id, gen),
	}
}

func (f *fakeProvider) Create(ctx context.Context, req sandbox.CreateRequest) (*sandbox.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create", req.AppName); err != nil {
		return nil, err
	}
	f.seq++
	id := fmt.Sprintf("%s-%d", f.name, f.seq)
	return &sandbox.Instance{ID: id, Endpoints: hosts(id, 0)}, nil
}

func (f *fakeProvider) Pause(ctx context.Context, id string) error {
	f.mu.Lock()
	err := f.record("pause", id)
	g := f.gates["pause"]
	f.mu.Unlock()

	if g != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.release
	}
	return err
}

func (f *fakeProvider) Resume(ctx context.Context, id string) (*sandbox.Endpoints, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("resume", id); err != nil {
		return nil, err
	}
	f.resumes++
	ep := hosts(id, f.resumes)
	return &ep, nil
}

func (f *fakeProvider) Kill(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("kill", id)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.StatusEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) transitions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, fmt.Sprintf("%s->%s", ev.From, ev.To))
	}
	return out
}

type harness struct {
	m       *lifecycle.Manager
	store   *store.GormStore
	redis   *redis.Client
	proxy   *proxy.Registry
	locker  *lock.RedisLocker
	e2b     *fakeProvider
	daytona *fakeProvider
	events  *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st := storetest.New(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zaptest.NewLogger(t)
	px := proxy.NewRegistry(rdb, proxy.DefaultConfig(), logger)
	locker := lock.NewRedisLocker(rdb, time.Minute)

	e2b := newFakeProvider(sandbox.ProviderE2B)
	daytona := newFakeProvider(sandbox.ProviderDaytona)

	cfg := lifecycle.DefaultConfig()
	cfg.LockWait = 5 * time.Second

	m := lifecycle.NewManager(st, sandbox.NewRegistry(e2b, daytona), px, locker, cfg, logger)
	pub := &recordingPublisher{}
	m.SetPublisher(pub)

	return &harness{m: m, store: st, redis: rdb, proxy: px, locker: locker, e2b: e2b, daytona: daytona, events: pub}
}

func (h *harness) app(t *testing.T, name string) *store.UserApp {
	t.Helper()
	app := &store.UserApp{UserID: testUser, AppName: name, DisplayName: name}
	require.NoError(t, h.store.CreateApp(context.Background(), app))
	return app
}

func (h *harness) reload(t *testing.T, id string) *store.UserSandbox {
	t.Helper()
	sb, err := h.store.GetSandbox(context.Background(), id)
	require.NoError(t, err)
	return sb
}

// age moves a sandbox's last status change into the past
func (h *harness) age(t *testing.T, id string, by time.Duration) {
	t.Helper()
	err := h.store.DB().Model(&store.UserSandbox{}).Where("id = ?", id).
		Update("sandbox_updated_at", time.Now().UTC().Add(-by)).Error
	require.NoError(t, err)
}

// force sets a status directly, bypassing the lifecycle
func (h *harness) force(t *testing.T, id string, status sandbox.Status) {
	t.Helper()
	err := h.store.DB().Model(&store.UserSandbox{}).Where("id = ?", id).
		Update("sandbox_status", status).Error
	require.NoError(t, err)
}

func (h *harness) route(t *testing.T, hostname string) string {
	t.Helper()
	target, err := h.proxy.Lookup(context.Background(), hostname)
	require.NoError(t, err)
	return target
}
