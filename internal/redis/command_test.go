package redis

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ryz-labs/glimmerdb/internal/replication"
	"github.com/ryz-labs/glimmerdb/internal/store"
	"github.com/ryz-labs/glimmerdb/internal/telemetry/logger"
	"github.com/ryz-labs/glimmerdb/internal/telemetry/metric"
)

// ============================================================
// Test helpers
// ============================================================

func testLogger() logger.Logger {
	l, _ := logger.New(logger.Config{Level: "error", Format: "json", Output: io.Discard})
	return l
}

func newTestHandler() *CommandHandler {
	return NewCommandHandler(
		store.NewStrings(), store.NewLists(), store.NewStreams(),
		replication.NewRegistry(), "/tmp", "dump.rdb",
		metric.NewRegistry(), testLogger(),
	)
}

// testConn wraps a *Conn whose reply output lands in an in-memory
// buffer instead of a real socket, the way command handlers are
// exercised without running the accept loop.
type testConn struct {
	*Conn
	out    *bytes.Buffer
	client net.Conn
}

func newTestConn() *testConn {
	server, client := net.Pipe()
	out := &bytes.Buffer{}
	return &testConn{
		Conn: &Conn{
			id:      "test-conn",
			netConn: server,
			br:      bufio.NewReader(server),
			bw:      bufio.NewWriter(out),
		},
		out:    out,
		client: client,
	}
}

func (tc *testConn) close() {
	tc.netConn.Close()
	tc.client.Close()
}

func (tc *testConn) output() string {
	tc.bw.Flush()
	s := tc.out.String()
	tc.out.Reset()
	return s
}

func bargs(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

// ============================================================
// Basic commands
// ============================================================

func TestPing(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("PING"))
	if got := tc.output(); got != "+PONG\r\n" {
		t.Errorf("PING = %q, want +PONG", got)
	}
}

func TestEcho(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("ECHO", "hello"))
	if got := tc.output(); got != "$5\r\nhello\r\n" {
		t.Errorf("ECHO = %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("NOTACOMMAND"))
	if got := tc.output(); !strings.Contains(got, "unknown command") {
		t.Errorf("got %q, want unknown command error", got)
	}
}

func TestWrongArity(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("GET"))
	if got := tc.output(); !strings.Contains(got, "wrong number of arguments") {
		t.Errorf("got %q", got)
	}
}

// ============================================================
// String store
// ============================================================

func TestSetGet(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("SET", "k", "v"))
	if got := tc.output(); got != "+OK\r\n" {
		t.Fatalf("SET = %q", got)
	}

	h.Handle(tc.Conn, bargs("GET", "k"))
	if got := tc.output(); got != "$1\r\nv\r\n" {
		t.Errorf("GET = %q", got)
	}
}

func TestGetMissing(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("GET", "absent"))
	if got := tc.output(); got != "$-1\r\n" {
		t.Errorf("GET missing = %q, want null bulk", got)
	}
}

func TestSetWithPX(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("SET", "k", "v", "PX", "10"))
	tc.output()
	time.Sleep(20 * time.Millisecond)

	h.Handle(tc.Conn, bargs("GET", "k"))
	if got := tc.output(); got != "$-1\r\n" {
		t.Errorf("GET after PX expiry = %q, want null bulk", got)
	}
}

func TestSetInvalidPX(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("SET", "k", "v", "PX", "notanumber"))
	if got := tc.output(); !strings.Contains(got, "invalid expire time in set") {
		t.Errorf("got %q", got)
	}
}

func TestIncr(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("INCR", "counter"))
	if got := tc.output(); got != ":1\r\n" {
		t.Fatalf("first INCR = %q", got)
	}
	h.Handle(tc.Conn, bargs("INCR", "counter"))
	if got := tc.output(); got != ":2\r\n" {
		t.Errorf("second INCR = %q", got)
	}
}

func TestIncrNotAnInteger(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("SET", "k", "notanumber"))
	tc.output()
	h.Handle(tc.Conn, bargs("INCR", "k"))
	if got := tc.output(); !strings.Contains(got, "not an integer") {
		t.Errorf("got %q", got)
	}
}

func TestDelAcrossStores(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("SET", "s", "v"))
	tc.output()
	h.Handle(tc.Conn, bargs("RPUSH", "l", "a"))
	tc.output()

	h.Handle(tc.Conn, bargs("DEL", "s", "l", "missing"))
	if got := tc.output(); got != ":2\r\n" {
		t.Errorf("DEL = %q, want :2", got)
	}

	h.Handle(tc.Conn, bargs("TYPE", "s"))
	if got := tc.output(); got != "+none\r\n" {
		t.Errorf("TYPE after DEL = %q", got)
	}
}

// ============================================================
// List store
// ============================================================

func TestRPushLRange(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("RPUSH", "l", "a", "b", "c"))
	if got := tc.output(); got != ":3\r\n" {
		t.Fatalf("RPUSH = %q", got)
	}

	h.Handle(tc.Conn, bargs("LRANGE", "l", "0", "-1"))
	want := "*3\r\n$1\r\na\r\n$1\r\nb\r\n$1\r\nc\r\n"
	if got := tc.output(); got != want {
		t.Errorf("LRANGE = %q, want %q", got, want)
	}
}

func TestLpopSingleAndCount(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("RPUSH", "l", "a", "b", "c"))
	tc.output()

	h.Handle(tc.Conn, bargs("LPOP", "l"))
	if got := tc.output(); got != "$1\r\na\r\n" {
		t.Fatalf("LPOP single = %q", got)
	}

	h.Handle(tc.Conn, bargs("LPOP", "l", "2"))
	want := "*2\r\n$1\r\nb\r\n$1\r\nc\r\n"
	if got := tc.output(); got != want {
		t.Errorf("LPOP count = %q, want %q", got, want)
	}

	h.Handle(tc.Conn, bargs("LLEN", "l"))
	if got := tc.output(); got != ":0\r\n" {
		t.Errorf("LLEN after draining = %q, want :0 (key deleted)", got)
	}
}

func TestBlpopImmediate(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("RPUSH", "l", "a"))
	tc.output()

	h.Handle(tc.Conn, bargs("BLPOP", "l", "0"))
	want := "*2\r\n$1\r\nl\r\n$1\r\na\r\n"
	if got := tc.output(); got != want {
		t.Errorf("BLPOP immediate = %q, want %q", got, want)
	}
}

func TestBlpopWakesOnPush(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	done := make(chan string, 1)
	go func() {
		h.Handle(tc.Conn, bargs("BLPOP", "l", "5"))
		done <- tc.output()
	}()

	time.Sleep(20 * time.Millisecond)

	pusher := newTestConn()
	defer pusher.close()
	h.Handle(pusher.Conn, bargs("RPUSH", "l", "x"))
	pusher.output()

	select {
	case got := <-done:
		want := "*2\r\n$1\r\nl\r\n$1\r\nx\r\n"
		if got != want {
			t.Errorf("BLPOP wake = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BLPOP never woke up")
	}
}

func TestBlpopTimeout(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	start := time.Now()
	h.Handle(tc.Conn, bargs("BLPOP", "nokey", "0.05"))
	elapsed := time.Since(start)

	if got := tc.output(); got != "$-1\r\n" {
		t.Errorf("BLPOP timeout reply = %q, want null bulk", got)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("BLPOP returned too early: %v", elapsed)
	}
}

func TestBlpopNegativeTimeout(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("BLPOP", "l", "-1"))
	if got := tc.output(); !strings.Contains(got, "timeout is negative") {
		t.Errorf("got %q", got)
	}
}

// ============================================================
// Stream store
// ============================================================

func TestXaddXrange(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("XADD", "s", "1-1", "field", "value"))
	if got := tc.output(); got != "$3\r\n1-1\r\n" {
		t.Fatalf("XADD = %q", got)
	}

	h.Handle(tc.Conn, bargs("XADD", "s", "2-1", "a", "b"))
	tc.output()

	h.Handle(tc.Conn, bargs("XRANGE", "s", "-", "+"))
	want := "*2\r\n*2\r\n$3\r\n1-1\r\n*2\r\n$5\r\nfield\r\n$5\r\nvalue\r\n*2\r\n$3\r\n2-1\r\n*2\r\n$1\r\na\r\n$1\r\nb\r\n"
	if got := tc.output(); got != want {
		t.Errorf("XRANGE = %q, want %q", got, want)
	}
}

func TestXaddRejectsNonIncreasing(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("XADD", "s", "5-0", "f", "v"))
	tc.output()

	h.Handle(tc.Conn, bargs("XADD", "s", "5-0", "f", "v"))
	if got := tc.output(); !strings.Contains(got, "equal or smaller than the target stream top item") {
		t.Errorf("got %q", got)
	}
}

func TestXreadImmediate(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("XADD", "s", "1-1", "f", "v"))
	tc.output()

	h.Handle(tc.Conn, bargs("XREAD", "STREAMS", "s", "0-0"))
	want := "*1\r\n*2\r\n$1\r\ns\r\n*1\r\n*2\r\n$3\r\n1-1\r\n*2\r\n$1\r\nf\r\n$1\r\nv\r\n"
	if got := tc.output(); got != want {
		t.Errorf("XREAD = %q, want %q", got, want)
	}
}

func TestXreadNoDataNonBlocking(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("XREAD", "STREAMS", "s", "0-0"))
	if got := tc.output(); got != "*-1\r\n" {
		t.Errorf("XREAD with nothing new = %q, want null array", got)
	}
}

func TestXreadBlockWakesOnXadd(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	done := make(chan string, 1)
	go func() {
		h.Handle(tc.Conn, bargs("XREAD", "BLOCK", "5000", "STREAMS", "s", "0-0"))
		done <- tc.output()
	}()

	time.Sleep(20 * time.Millisecond)

	writer := newTestConn()
	defer writer.close()
	h.Handle(writer.Conn, bargs("XADD", "s", "1-1", "f", "v"))
	writer.output()

	select {
	case got := <-done:
		want := "*1\r\n*2\r\n$1\r\ns\r\n*1\r\n*2\r\n$3\r\n1-1\r\n*2\r\n$1\r\nf\r\n$1\r\nv\r\n"
		if got != want {
			t.Errorf("XREAD BLOCK wake = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("XREAD BLOCK never woke up")
	}
}

// ============================================================
// Transactions
// ============================================================

func TestMultiExec(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("MULTI"))
	if got := tc.output(); got != "+OK\r\n" {
		t.Fatalf("MULTI = %q", got)
	}

	h.Handle(tc.Conn, bargs("SET", "k", "v"))
	if got := tc.output(); got != "+QUEUED\r\n" {
		t.Fatalf("queued SET = %q", got)
	}

	h.Handle(tc.Conn, bargs("GET", "k"))
	if got := tc.output(); got != "+QUEUED\r\n" {
		t.Fatalf("queued GET = %q", got)
	}

	h.Handle(tc.Conn, bargs("EXEC"))
	want := "*2\r\n+OK\r\n$1\r\nv\r\n"
	if got := tc.output(); got != want {
		t.Errorf("EXEC = %q, want %q", got, want)
	}
}

func TestNestedMultiErrors(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("MULTI"))
	tc.output()
	h.Handle(tc.Conn, bargs("MULTI"))
	if got := tc.output(); !strings.Contains(got, "nested MULTI") {
		t.Errorf("got %q", got)
	}
}

func TestExecWithoutMulti(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("EXEC"))
	if got := tc.output(); !strings.Contains(got, "EXEC without MULTI") {
		t.Errorf("got %q", got)
	}
}

func TestDiscard(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("DISCARD"))
	if got := tc.output(); !strings.Contains(got, "DISCARD without MULTI") {
		t.Fatalf("got %q", got)
	}

	h.Handle(tc.Conn, bargs("MULTI"))
	tc.output()
	h.Handle(tc.Conn, bargs("SET", "k", "v"))
	tc.output()
	h.Handle(tc.Conn, bargs("DISCARD"))
	if got := tc.output(); got != "+OK\r\n" {
		t.Errorf("DISCARD = %q", got)
	}

	h.Handle(tc.Conn, bargs("GET", "k"))
	if got := tc.output(); got != "$-1\r\n" {
		t.Errorf("queued SET should never have run, GET = %q", got)
	}
}

// ============================================================
// Replication-adjacent commands
// ============================================================

func TestInfoAsMaster(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("INFO", "replication"))
	got := tc.output()
	if !strings.Contains(got, "role:master") || !strings.Contains(got, "master_replid:") {
		t.Errorf("got %q", got)
	}
}

func TestReplicaofNoOne(t *testing.T) {
	h := newTestHandler()
	h.SetReplica(true)
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("REPLICAOF", "NO", "ONE"))
	if got := tc.output(); got != "+OK\r\n" {
		t.Fatalf("REPLICAOF NO ONE = %q", got)
	}
	if h.IsReplica() {
		t.Error("expected role to switch to master")
	}
}

func TestConfigGet(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("CONFIG", "GET", "dir"))
	if got := tc.output(); got != "*2\r\n$3\r\ndir\r\n$4\r\n/tmp\r\n" {
		t.Errorf("CONFIG GET dir = %q", got)
	}

	h.Handle(tc.Conn, bargs("CONFIG", "GET", "unknown"))
	if got := tc.output(); got != "*2\r\n$7\r\nunknown\r\n$0\r\n\r\n" {
		t.Errorf("CONFIG GET unknown = %q", got)
	}
}

func TestKeysOnlySupportsStar(t *testing.T) {
	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("SET", "a", "1"))
	tc.output()
	h.Handle(tc.Conn, bargs("SET", "b", "2"))
	tc.output()

	h.Handle(tc.Conn, bargs("KEYS", "*"))
	got := tc.output()
	if !strings.Contains(got, "a") || !strings.Contains(got, "b") {
		t.Errorf("KEYS * = %q", got)
	}

	h.Handle(tc.Conn, bargs("KEYS", "a*"))
	if got := tc.output(); !strings.Contains(got, "only supports") {
		t.Errorf("got %q", got)
	}
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	old, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(old)

	h := newTestHandler()
	tc := newTestConn()
	defer tc.close()

	h.Handle(tc.Conn, bargs("SET", "k", "v"))
	tc.output()

	h.Handle(tc.Conn, bargs("SAVE"))
	if got := tc.output(); got != "+OK\r\n" {
		t.Fatalf("SAVE = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "dump.rdb")); err != nil {
		t.Errorf("dump.rdb not written: %v", err)
	}
}
