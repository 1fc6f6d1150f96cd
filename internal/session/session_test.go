package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/klustron/klagent/internal/buffer"
	"github.com/klustron/klagent/internal/conn"
	"github.com/klustron/klagent/internal/journal"
	"github.com/klustron/klagent/internal/procexec"
	"github.com/klustron/klagent/internal/wire"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeJournal struct {
	mu      sync.Mutex
	records []*journal.Record
}

func (f *fakeJournal) Append(r *journal.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func (f *fakeJournal) all() []*journal.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*journal.Record(nil), f.records...)
}

type fakeReaper struct {
	mu   sync.Mutex
	pids []int
}

func (f *fakeReaper) Add(pid int, command, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids = append(f.pids, pid)
}

func (f *fakeReaper) taken() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pids...)
}

type harness struct {
	client  *conn.Conn
	journal *fakeJournal
	reaper  *fakeReaper
	done    chan struct{}
}

// startSession serves one connection with h and returns the client side.
func startSession(t *testing.T, cfg Config, hooks Hooks, opts conn.Options) *harness {
	t.Helper()
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	if cfg.ExitWait == 0 {
		cfg.ExitWait = 500 * time.Millisecond
	}
	j := &fakeJournal{}
	r := &fakeReaper{}
	handler := NewHandler(cfg, r, j, hooks, nopLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		handler.Serve(ctx, nc)
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	if opts.Logger == nil {
		opts.Logger = nopLogger()
	}
	client := conn.New(nc, opts)
	client.SetSequence(0x5eed)

	t.Cleanup(func() {
		client.Close()
		cancel()
		<-done
	})
	return &harness{client: client, journal: j, reaper: r, done: done}
}

func (h *harness) sendCmd(t *testing.T, cmd string, openType uint32, mode string) {
	t.Helper()
	require.NoError(t, h.client.Send(wire.CmdOp, &wire.CmdReq{
		Cmd:      []byte(cmd),
		OpenType: openType,
		Mode:     []byte(mode),
	}))
}

// collect reads until END and returns the relayed bytes and the result.
func (h *harness) collect(t *testing.T) ([]byte, wire.CommResp, []uint32) {
	t.Helper()
	tally := h.client.NewTally()
	var out []byte
	var sums []uint32
	for {
		pkt, err := h.client.Recv(5 * time.Second)
		require.NoError(t, err)
		switch pkt.Type() {
		case wire.PackOp:
			var req wire.CommReq
			require.NoError(t, pkt.Decode(&req))
			tally.Add(req.Payload)
			out = append(out, req.Payload...)
		case wire.ChecksumOp:
			require.True(t, pkt.HasContent)
			assert.Equal(t, tally.Sum(), pkt.Content, "checksum must cover the PACKs before it")
			sums = append(sums, pkt.Content)
		case wire.EndOp:
			var resp wire.CommResp
			require.NoError(t, pkt.Decode(&resp))
			return out, resp, sums
		default:
			t.Fatalf("unexpected %s", pkt.Type())
		}
	}
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestStreamingCat(t *testing.T) {
	h := startSession(t, Config{}, Hooks{}, conn.Options{})
	h.sendCmd(t, "cat", wire.OpenStream, "rwc")

	input := []byte("hello\n")
	require.NoError(t, h.client.SendPack(input))
	require.NoError(t, h.client.Send(wire.ChecksumOp, wire.EncodeUint32Payload(wire.Checksum(input))))
	require.NoError(t, h.client.Send(wire.EndOp, nil))

	out, resp, sums := h.collect(t)
	assert.Equal(t, "hello\n", string(out))
	assert.Equal(t, wire.CodeOK, resp.ErrCode)
	require.NotEmpty(t, sums)
	assert.Equal(t, wire.Checksum(out), sums[len(sums)-1])

	h.waitDone(t)
	records := h.journal.all()
	require.Len(t, records, 1)
	assert.Equal(t, "cat", records[0].Command)
	assert.Equal(t, 0, records[0].ExitCode)
	assert.NotZero(t, records[0].Pid)
}

func TestStreamingLargeOutput(t *testing.T) {
	h := startSession(t, Config{MaxFrame: 4096}, Hooks{}, conn.Options{MaxFrame: 4096})
	h.sendCmd(t, "head -c 100000 /dev/zero", wire.OpenStream, "r")

	out, resp, sums := h.collect(t)
	assert.Len(t, out, 100000)
	assert.Equal(t, wire.CodeOK, resp.ErrCode)
	require.NotEmpty(t, sums)
	assert.Equal(t, wire.Checksum(out), sums[len(sums)-1])
}

func TestStreamingExitCode(t *testing.T) {
	h := startSession(t, Config{}, Hooks{}, conn.Options{})
	h.sendCmd(t, "echo out; exit 3", wire.OpenStream, "")

	out, resp, _ := h.collect(t)
	assert.Equal(t, "out\n", string(out))
	assert.Equal(t, int32(3), resp.ErrCode)
}

func TestSystemTrue(t *testing.T) {
	h := startSession(t, Config{}, Hooks{}, conn.Options{})
	h.sendCmd(t, "true", wire.OpenSystem, "")

	pkt, err := h.client.Recv(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.EndOp, pkt.Type(), "no PACK may precede END")
	var resp wire.CommResp
	require.NoError(t, pkt.Decode(&resp))
	assert.Equal(t, wire.CodeOK, resp.ErrCode)
}

func TestSystemExitSeven(t *testing.T) {
	h := startSession(t, Config{}, Hooks{}, conn.Options{})
	h.sendCmd(t, "exit 7", wire.OpenSystem, "")

	_, resp, _ := h.collect(t)
	assert.Equal(t, int32(7), resp.ErrCode)
}

func TestFileOpUnsupported(t *testing.T) {
	h := startSession(t, Config{}, Hooks{}, conn.Options{})
	require.NoError(t, h.client.Send(wire.FileOp, &wire.FileReq{ReqType: 1, FileName: []byte("/etc/hosts")}))

	_, resp, _ := h.collect(t)
	assert.Equal(t, wire.CodeUnsupported, resp.ErrCode)
	h.waitDone(t)
}

func TestFirstFrameMustBeCommand(t *testing.T) {
	h := startSession(t, Config{}, Hooks{}, conn.Options{})
	require.NoError(t, h.client.SendPack([]byte("x")))

	_, err := h.client.Recv(5 * time.Second)
	assert.True(t, conn.IsFatal(err))
	h.waitDone(t)
}

func TestSequenceMismatchClosesConnection(t *testing.T) {
	h := startSession(t, Config{}, Hooks{}, conn.Options{})
	h.sendCmd(t, "cat", wire.OpenStream, "rw")

	// Same connection, different nonce.
	b := buffer.New(0)
	wire.NewHead(wire.PackOp, 0x5eed+1).MarshalTo(b)
	(&wire.CommReq{Payload: []byte("x")}).MarshalTo(b)
	require.NoError(t, h.client.SendMessage(b.Bytes(), wire.Checksum(b.Bytes())))

	_, err := h.client.Recv(5 * time.Second)
	require.Error(t, err)
	assert.True(t, conn.IsFatal(err))
	h.waitDone(t)
}

func TestBadInputChecksum(t *testing.T) {
	h := startSession(t, Config{}, Hooks{}, conn.Options{})
	h.sendCmd(t, "cat", wire.OpenStream, "rw")
	require.NoError(t, h.client.SendPack([]byte("abc")))
	require.NoError(t, h.client.Send(wire.ChecksumOp, wire.EncodeUint32Payload(12345)))

	_, resp, _ := h.collect(t)
	assert.Equal(t, wire.CodeChecksum, resp.ErrCode)
	h.waitDone(t)
}

func TestBeforeExecVeto(t *testing.T) {
	hooks := Hooks{BeforeExec: func(cmd string) error {
		return errors.New("not allowed: " + cmd)
	}}
	h := startSession(t, Config{}, hooks, conn.Options{})
	h.sendCmd(t, "rm -rf /tmp/x", wire.OpenStream, "")

	_, resp, _ := h.collect(t)
	assert.Equal(t, wire.CodeSpawnFailed, resp.ErrCode)
	assert.Contains(t, string(resp.ErrInfo), "not allowed")
}

func TestInvalidModeRejected(t *testing.T) {
	h := startSession(t, Config{}, Hooks{}, conn.Options{})
	h.sendCmd(t, "cat", wire.OpenStream, "q")

	_, resp, _ := h.collect(t)
	assert.Equal(t, wire.CodeSpawnFailed, resp.ErrCode)
}

func TestUnknownOpenType(t *testing.T) {
	h := startSession(t, Config{}, Hooks{}, conn.Options{})
	h.sendCmd(t, "true", 9, "")

	_, resp, _ := h.collect(t)
	assert.Equal(t, wire.CodeMalformed, resp.ErrCode)
}

func TestTimeoutKillsChild(t *testing.T) {
	var pid int
	var mu sync.Mutex
	hooks := Hooks{OnSpawn: func(p int) {
		mu.Lock()
		pid = p
		mu.Unlock()
	}}
	h := startSession(t, Config{}, hooks, conn.Options{})
	h.sendCmd(t, "sleep 30", wire.OpenStream, "rw")

	// Let the child start before giving up on it.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, h.client.Send(wire.TimeoutOp, wire.EncodeUint32Payload(uint32(conn.FlagKillChild))))
	h.waitDone(t)

	mu.Lock()
	defer mu.Unlock()
	require.NotZero(t, pid)
	records := h.journal.all()
	require.Len(t, records, 1)
	assert.Equal(t, 128+int(unix.SIGKILL), records[0].ExitCode)
	assert.Empty(t, h.reaper.taken())
}

func TestDroppedConnectionHandsChildToReaper(t *testing.T) {
	hooks := Hooks{DropAfter: func(ct wire.CmdType) bool { return ct == wire.PackOp }}
	h := startSession(t, Config{}, hooks, conn.Options{})
	h.sendCmd(t, "sleep 30", wire.OpenStream, "rw")
	require.NoError(t, h.client.SendPack([]byte("x")))
	h.waitDone(t)

	pids := h.reaper.taken()
	require.Len(t, pids, 1)
	assert.Empty(t, h.journal.all(), "reaped commands are recorded by the reaper")

	require.NoError(t, unix.Kill(-pids[0], unix.SIGKILL))
	deadline := time.Now().Add(5 * time.Second)
	for {
		exited, _, err := procexec.WaitNoHang(pids[0])
		require.NoError(t, err)
		if exited {
			break
		}
		require.True(t, time.Now().Before(deadline), "handed-off child never exited")
		time.Sleep(10 * time.Millisecond)
	}
}

// spawnRecorder captures the pid passed to OnSpawn.
type spawnRecorder struct {
	mu  sync.Mutex
	pid int
}

func (r *spawnRecorder) hooks() Hooks {
	return Hooks{OnSpawn: func(p int) {
		r.mu.Lock()
		r.pid = p
		r.mu.Unlock()
	}}
}

func (r *spawnRecorder) get() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

func TestTimeoutWhileChildStdinIsFull(t *testing.T) {
	spawned := &spawnRecorder{}
	h := startSession(t, Config{}, spawned.hooks(), conn.Options{Flags: conn.FlagKillChild})
	h.sendCmd(t, "sleep 20", wire.OpenStream, "rwc")

	// More than a pipe buffer, so the child's stdin backs up.
	require.NoError(t, h.client.SendPack(make([]byte, 300000)))
	require.NoError(t, h.client.Send(wire.TimeoutOp, wire.EncodeUint32Payload(uint32(conn.FlagKillChild))))

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("session still running after TIMEOUT with kill_child")
	}
	require.NotZero(t, spawned.get())
	records := h.journal.all()
	require.Len(t, records, 1)
	assert.Equal(t, 128+int(unix.SIGKILL), records[0].ExitCode)
	assert.Empty(t, h.reaper.taken())
}

func TestDisconnectWhileChildStdinIsFull(t *testing.T) {
	h := startSession(t, Config{}, Hooks{}, conn.Options{})
	h.sendCmd(t, "sleep 20", wire.OpenStream, "rwc")
	require.NoError(t, h.client.SendPack(make([]byte, 300000)))
	h.client.Close()

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("session still running after the client went away")
	}
	pids := h.reaper.taken()
	require.Len(t, pids, 1)
	require.NoError(t, unix.Kill(-pids[0], unix.SIGKILL))
	deadline := time.Now().Add(5 * time.Second)
	for {
		exited, _, err := procexec.WaitNoHang(pids[0])
		require.NoError(t, err)
		if exited {
			break
		}
		require.True(t, time.Now().Before(deadline), "handed-off child never exited")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExitReportedAfterOutputClosed(t *testing.T) {
	h := startSession(t, Config{ExitWait: 200 * time.Millisecond}, Hooks{}, conn.Options{})
	h.sendCmd(t, "exec >&-; sleep 1; exit 3", wire.OpenStream, "r")

	_, resp, _ := h.collect(t)
	assert.Equal(t, int32(3), resp.ErrCode)
	assert.Empty(t, string(resp.ErrInfo))
	h.waitDone(t)
	assert.Empty(t, h.reaper.taken(), "a child whose client is still connected stays with the session")
	records := h.journal.all()
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].ExitCode)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CMD_INPUT", StateCmdInput.String())
	assert.Equal(t, "CONN_END", StateConnEnd.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want int32
	}{
		{conn.ErrChecksumMismatch, wire.CodeChecksum},
		{conn.ErrSequenceMismatch, wire.CodeSequence},
		{wire.ErrTruncatedMessage, wire.CodeMalformed},
		{procexec.ErrSpawnFailed, wire.CodeSpawnFailed},
		{procexec.ErrReadyDetectTimeout, wire.CodeSpawnFailed},
		{conn.ErrSocketTimeout, wire.CodeTimeout},
		{io.ErrClosedPipe, wire.CodeIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.err), tt.err.Error())
	}
}
