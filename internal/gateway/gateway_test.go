package gateway_test

import (
	"context"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CZERTAINLY/garakd/internal/garak"
	"github.com/CZERTAINLY/garakd/internal/gateway"
	"github.com/CZERTAINLY/garakd/internal/history"
	"github.com/CZERTAINLY/garakd/internal/model"
	"github.com/CZERTAINLY/garakd/internal/service"
)

const waitFor = 5 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// process prints lines and exits 0, a holding one waits for release or kill first.
type process struct {
	lines   []string
	release chan struct{}
	killed  chan struct{}
	once    sync.Once
}

func (p *process) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, l := range p.lines {
			if !yield(l) {
				return
			}
		}
		if p.release != nil {
			select {
			case <-p.release:
			case <-p.killed:
			}
		}
	}
}

func (p *process) StderrTail() string { return "" }

func (p *process) Wait() garak.ExitStatus {
	select {
	case <-p.killed:
		return garak.ExitStatus{Code: -1, Killed: true}
	default:
		return garak.ExitStatus{}
	}
}

func (p *process) Kill() {
	p.once.Do(func() { close(p.killed) })
}

type launcher struct {
	proc    *process
	started chan struct{}
}

func (l launcher) Start(_ context.Context, args garak.Args) (service.Process, error) {
	err := os.WriteFile(args.ReportPrefix+".report.jsonl", []byte(`{"entry_type":"init"}`+"\n"), 0o644)
	if err != nil {
		return nil, err
	}
	close(l.started)
	return l.proc, nil
}

type fixture struct {
	server     *httptest.Server
	supervisor *service.Supervisor
	store      history.Store
	started    chan struct{}
}

func newFixture(t *testing.T, proc *process) fixture {
	t.Helper()
	proc.killed = make(chan struct{})
	dir, err := history.OpenDir(t.TempDir())
	require.NoError(t, err)
	store := history.NewFileStore(dir)
	started := make(chan struct{})
	s, err := service.NewSupervisor(t.Context(), model.Config{}, service.Deps{
		Launcher: launcher{proc: proc, started: started},
		Store:    store,
		Dir:      dir,
	})
	require.NoError(t, err)

	gw := gateway.New(s, nil)
	r := chi.NewRouter()
	r.Get("/ws/scan", gw.Scan)
	r.Get("/ws/scans/{id}", gw.Watch)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		require.NoError(t, s.Close())
		require.NoError(t, dir.Close())
	})
	return fixture{server: srv, supervisor: s, store: store, started: started}
}

func (f fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.DialContext(t.Context(), u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// events reads until the server closes the channel.
func events(t *testing.T, conn *websocket.Conn) []model.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var ret []model.Event
	for {
		var ev model.Event
		err := conn.ReadJSON(&ev)
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v after %+v", err, ret)
			return ret
		}
		ret = append(ret, ev)
	}
}

func TestScan(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &process{lines: []string{"10% running p1", "formatting report", "DONE"}})
	conn := f.dial(t, "/ws/scan")
	require.NoError(t, conn.WriteJSON(map[string]any{
		"model_name": "llama3",
		"probes":     []string{"dan.Dan_11_0"},
	}))

	got := events(t, conn)
	require.GreaterOrEqual(t, len(got), 3)
	require.Equal(t, model.EventAccepted, got[0].Type)
	id := got[0].ScanID
	require.NotEmpty(t, id)

	var progress []int
	for _, ev := range got[1 : len(got)-1] {
		require.Equal(t, model.EventStatus, ev.Type)
		progress = append(progress, ev.Progress)
	}
	require.Equal(t, []int{0, 10, 10, 100}, progress)

	terminal := got[len(got)-1]
	require.Equal(t, model.EventComplete, terminal.Type)
	require.Equal(t, id, terminal.ScanID)
	require.Equal(t, 100, terminal.Progress)
	require.Equal(t, "report.report.jsonl", terminal.ReportPath)

	job, err := f.store.Get(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, job.Status)
}

func TestScan_Rejected(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"missing model", `{"probes":["dan"]}`, "invalid scan request: model_name: is required"},
		{"no probes", `{"model_name":"llama3","probes":[]}`, "invalid scan request: probes: at least one probe is required"},
		{"malformed", `{"model_name":`, "invalid scan request: "},
		{"wrong type", `{"model_name":42}`, "invalid scan request: "},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, &process{})
			conn := f.dial(t, "/ws/scan")
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tc.given)))

			got := events(t, conn)
			require.Len(t, got, 1)
			require.Equal(t, model.EventError, got[0].Type)
			require.Empty(t, got[0].ScanID)
			require.True(t, strings.HasPrefix(got[0].Message, tc.then), got[0].Message)

			jobs, err := f.store.List(t.Context())
			require.NoError(t, err)
			require.Empty(t, jobs)
		})
	}
}

func TestScan_Disconnect(t *testing.T) {
	t.Parallel()
	proc := &process{lines: []string{"10% running p1"}, release: make(chan struct{})}
	f := newFixture(t, proc)
	conn := f.dial(t, "/ws/scan")
	require.NoError(t, conn.WriteJSON(model.ScanRequest{ModelName: "llama3", Probes: []string{"dan"}}))

	var accepted model.Event
	require.NoError(t, conn.ReadJSON(&accepted))
	require.Equal(t, model.EventAccepted, accepted.Type)
	select {
	case <-f.started:
	case <-time.After(waitFor):
		t.Fatal("scan not started")
	}
	require.NoError(t, conn.Close())

	// the scan survives its client
	time.Sleep(50 * time.Millisecond)
	job, live := f.supervisor.Get(accepted.ScanID)
	require.True(t, live)
	require.Equal(t, model.StatusRunning, job.Status)

	close(proc.release)
	require.Eventually(t, func() bool {
		job, err := f.store.Get(t.Context(), accepted.ScanID)
		return err == nil && job.Status == model.StatusCompleted
	}, waitFor, 10*time.Millisecond)
}

func TestWatch(t *testing.T) {
	t.Parallel()
	proc := &process{lines: []string{"30% running p1"}, release: make(chan struct{})}
	f := newFixture(t, proc)

	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/scans/" + uuid.NewString()
	_, resp, err := websocket.DefaultDialer.DialContext(t.Context(), u, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	owner := f.dial(t, "/ws/scan")
	require.NoError(t, owner.WriteJSON(model.ScanRequest{ModelName: "llama3", Probes: []string{"dan"}}))
	var accepted model.Event
	require.NoError(t, owner.ReadJSON(&accepted))
	require.Eventually(t, func() bool {
		job, _ := f.supervisor.Get(accepted.ScanID)
		return job.Progress == 30
	}, waitFor, 10*time.Millisecond)

	watcher := f.dial(t, "/ws/scans/"+accepted.ScanID)
	var first model.Event
	require.NoError(t, watcher.ReadJSON(&first))
	require.Equal(t, model.EventStatus, first.Type)
	require.Equal(t, 30, first.Progress)

	close(proc.release)
	got := events(t, watcher)
	require.Equal(t, model.EventComplete, got[len(got)-1].Type)
	got = events(t, owner)
	require.Equal(t, model.EventComplete, got[len(got)-1].Type)

	// finished scans replay their result
	replay := f.dial(t, "/ws/scans/"+accepted.ScanID)
	got = events(t, replay)
	require.Len(t, got, 1)
	require.Equal(t, model.EventComplete, got[0].Type)
}
