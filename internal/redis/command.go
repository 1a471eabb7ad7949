package redis

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ryz-labs/glimmerdb/internal/rdb"
	"github.com/ryz-labs/glimmerdb/internal/replication"
	"github.com/ryz-labs/glimmerdb/internal/resp"
	"github.com/ryz-labs/glimmerdb/internal/store"
	"github.com/ryz-labs/glimmerdb/internal/streamid"
	"github.com/ryz-labs/glimmerdb/internal/telemetry/logger"
	"github.com/ryz-labs/glimmerdb/internal/telemetry/metric"
)

// CommandHandler owns the shared stores and replication state a
// connection worker dispatches commands against.
type CommandHandler struct {
	strings *store.Strings
	lists   *store.Lists
	streams *store.Streams

	repl      *replication.Registry
	isReplica atomic.Bool

	dir        string
	dbfilename string

	metrics *metric.Registry
	log     logger.Logger
}

// NewCommandHandler builds a handler over the shared stores. repl is the
// master-side replica registry; every instance carries one even when the
// server starts as a replica, since REPLICAOF NO ONE can promote it to
// master without a restart.
func NewCommandHandler(strings *store.Strings, lists *store.Lists, streams *store.Streams, repl *replication.Registry, dir, dbfilename string, metrics *metric.Registry, log logger.Logger) *CommandHandler {
	return &CommandHandler{
		strings:    strings,
		lists:      lists,
		streams:    streams,
		repl:       repl,
		dir:        dir,
		dbfilename: dbfilename,
		metrics:    metrics,
		log:        log,
	}
}

// SetReplica marks whether this handler's server is currently replicating
// from a master. Write commands executed while this is true came from the
// replica's own apply loop and are never re-propagated.
func (h *CommandHandler) SetReplica(v bool) { h.isReplica.Store(v) }

// IsReplica reports the current role.
func (h *CommandHandler) IsReplica() bool { return h.isReplica.Load() }

type handlerFunc func(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte

var commandTable map[string]handlerFunc

func init() {
	commandTable = map[string]handlerFunc{
		"PING":      cmdPing,
		"ECHO":      cmdEcho,
		"SET":       cmdSet,
		"GET":       cmdGet,
		"DEL":       cmdDel,
		"RPUSH":     cmdPush,
		"LPUSH":     cmdPush,
		"LPOP":      cmdLpop,
		"BLPOP":     cmdBlpop,
		"LRANGE":    cmdLrange,
		"LLEN":      cmdLlen,
		"TYPE":      cmdType,
		"XADD":      cmdXadd,
		"XRANGE":    cmdXrange,
		"XREAD":     cmdXread,
		"INFO":      cmdInfo,
		"REPLCONF":  cmdReplconf,
		"REPLICAOF": cmdReplicaof,
		"PSYNC":     cmdPsync,
		"CONFIG":    cmdConfig,
		"KEYS":      cmdKeys,
		"INCR":      cmdIncr,
		"MULTI":     cmdMulti,
		"EXEC":      cmdExec,
		"DISCARD":   cmdDiscard,
		"SAVE":      cmdSave,
	}
}

// Handle decodes nothing itself — args is already a parsed command — and
// either queues it (inside MULTI) or executes it immediately, propagating
// to replicas when this handler's server is acting as master. It returns
// the normalized command name for the caller's metrics.
func (h *CommandHandler) Handle(conn *Conn, args [][]byte) string {
	name := resp.NormalizeCommandName(args[0])

	if conn.txn.Active() && name != "MULTI" && name != "EXEC" && name != "DISCARD" {
		conn.txn.Enqueue(args)
		resp.WriteSimpleString(conn.bw, "QUEUED")
		h.metrics.CommandsTotal.WithLabelValues(name).Inc()
		return name
	}

	propagated := h.execute(conn, name, args)
	h.metrics.CommandsTotal.WithLabelValues(name).Inc()

	if !h.IsReplica() {
		for _, cmd := range propagated {
			if errs := h.repl.Propagate(resp.EncodeCommand(cmd)); len(errs) > 0 {
				for _, e := range errs {
					h.log.Warn("replica propagation failed", "error", e)
				}
				h.metrics.CommandErrors.WithLabelValues(name).Inc()
			}
		}
	}
	return name
}

func (h *CommandHandler) execute(conn *Conn, name string, args [][]byte) [][][]byte {
	fn, ok := commandTable[name]
	if !ok {
		resp.WriteError(conn.bw, "ERR unknown command '"+string(args[0])+"'")
		return nil
	}
	return fn(h, conn, args)
}

func wrongArity(conn *Conn, cmd string) [][][]byte {
	resp.WriteError(conn.bw, "ERR wrong number of arguments for '"+strings.ToLower(cmd)+"' command")
	return nil
}

func cmdPing(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	resp.WriteSimpleString(conn.bw, "PONG")
	return nil
}

func cmdEcho(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) != 2 {
		return wrongArity(conn, "echo")
	}
	resp.WriteBulk(conn.bw, args[1])
	return nil
}

func cmdSet(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) < 3 {
		return wrongArity(conn, "set")
	}
	key := string(args[1])
	val := args[2]

	var ttl time.Duration
	for i := 3; i < len(args); {
		switch strings.ToUpper(string(args[i])) {
		case "PX":
			if i+1 >= len(args) {
				return wrongArity(conn, "set")
			}
			ms, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil || ms <= 0 {
				resp.WriteError(conn.bw, "ERR invalid expire time in set")
				return nil
			}
			ttl = time.Duration(ms) * time.Millisecond
			i += 2
		default:
			resp.WriteError(conn.bw, "ERR syntax error")
			return nil
		}
	}

	h.strings.Set(key, val, ttl)
	resp.WriteSimpleString(conn.bw, "OK")
	return [][][]byte{args}
}

func cmdGet(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) != 2 {
		return wrongArity(conn, "get")
	}
	val, ok := h.strings.Get(string(args[1]))
	if !ok {
		resp.WriteNullBulk(conn.bw)
		return nil
	}
	resp.WriteBulk(conn.bw, val)
	return nil
}

func cmdDel(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) < 2 {
		return wrongArity(conn, "del")
	}
	var removed int64
	for _, k := range args[1:] {
		key := string(k)
		inStrings := h.strings.Remove(key)
		inLists := h.lists.Delete(key)
		inStreams := h.streams.Delete(key)
		if inStrings || inLists || inStreams {
			removed++
		}
	}
	resp.WriteInteger(conn.bw, removed)
	if removed > 0 {
		return [][][]byte{args}
	}
	return nil
}

func cmdPush(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	name := resp.NormalizeCommandName(args[0])
	if len(args) < 3 {
		return wrongArity(conn, name)
	}
	key := string(args[1])
	values := args[2:]

	var n int
	var err error
	if name == "RPUSH" {
		n, err = h.lists.RPush(key, values)
	} else {
		n, err = h.lists.LPush(key, values)
	}
	if err != nil {
		resp.WriteError(conn.bw, "ERR "+err.Error())
		return nil
	}
	resp.WriteInteger(conn.bw, int64(n))
	return [][][]byte{args}
}

func cmdLpop(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) != 2 && len(args) != 3 {
		return wrongArity(conn, "lpop")
	}
	key := string(args[1])

	if len(args) == 2 {
		popped := h.lists.LPop(key, 1)
		if len(popped) == 0 {
			resp.WriteNullBulk(conn.bw)
			return nil
		}
		resp.WriteBulk(conn.bw, popped[0])
		return [][][]byte{args}
	}

	count, err := strconv.Atoi(string(args[2]))
	if err != nil || count < 0 {
		resp.WriteError(conn.bw, "ERR value is out of range, must be positive")
		return nil
	}
	popped := h.lists.LPop(key, count)
	resp.WriteBulkArray(conn.bw, popped)
	if len(popped) == 0 {
		return nil
	}
	return [][][]byte{args}
}

func cmdBlpop(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) != 3 {
		return wrongArity(conn, "blpop")
	}
	key := string(args[1])

	timeoutSec, err := strconv.ParseFloat(string(args[2]), 64)
	if err != nil {
		resp.WriteError(conn.bw, "ERR timeout is not a float or out of range")
		return nil
	}
	if timeoutSec < 0 {
		resp.WriteError(conn.bw, "ERR timeout is negative")
		return nil
	}

	val, ok, token := h.lists.TryPopOrRegister(key)
	if ok {
		resp.WriteArrayHeader(conn.bw, 2)
		resp.WriteBulkString(conn.bw, key)
		resp.WriteBulk(conn.bw, val)
		return [][][]byte{{[]byte("LPOP"), []byte(key)}}
	}

	var timeoutCh <-chan time.Time
	if timeoutSec > 0 {
		timer := time.NewTimer(time.Duration(timeoutSec * float64(time.Second)))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	h.metrics.BlockedWaiters.Inc()
	defer h.metrics.BlockedWaiters.Dec()

	select {
	case d := <-token.Channel():
		resp.WriteArrayHeader(conn.bw, 2)
		resp.WriteBulkString(conn.bw, d.Key)
		resp.WriteBulk(conn.bw, d.Value)
		return [][][]byte{{[]byte("LPOP"), []byte(d.Key)}}
	case <-timeoutCh:
		h.lists.CancelWaiter(token)
		resp.WriteNullBulk(conn.bw)
		return nil
	}
}

func cmdLrange(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) != 4 {
		return wrongArity(conn, "lrange")
	}
	start, err1 := strconv.Atoi(string(args[2]))
	end, err2 := strconv.Atoi(string(args[3]))
	if err1 != nil || err2 != nil {
		resp.WriteError(conn.bw, "ERR value is not an integer or out of range")
		return nil
	}
	vals, _ := h.lists.LRange(string(args[1]), start, end)
	resp.WriteBulkArray(conn.bw, vals)
	return nil
}

func cmdLlen(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) != 2 {
		return wrongArity(conn, "llen")
	}
	resp.WriteInteger(conn.bw, int64(h.lists.LLen(string(args[1]))))
	return nil
}

func cmdType(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) != 2 {
		return wrongArity(conn, "type")
	}
	key := string(args[1])
	switch {
	case h.strings.Exists(key):
		resp.WriteSimpleString(conn.bw, "string")
	case h.lists.Exists(key):
		resp.WriteSimpleString(conn.bw, "list")
	case h.streams.Exists(key):
		resp.WriteSimpleString(conn.bw, "stream")
	default:
		resp.WriteSimpleString(conn.bw, "none")
	}
	return nil
}

func cmdXadd(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) < 5 || (len(args)-3)%2 != 0 {
		return wrongArity(conn, "xadd")
	}
	key := string(args[1])

	spec, err := streamid.ParseSpec(string(args[2]))
	if err != nil {
		resp.WriteError(conn.bw, "ERR "+err.Error())
		return nil
	}

	fields := make([]store.StreamField, 0, (len(args)-3)/2)
	for i := 3; i < len(args); i += 2 {
		fields = append(fields, store.StreamField{Name: string(args[i]), Value: string(args[i+1])})
	}

	id, err := h.streams.Add(key, spec, fields)
	if err != nil {
		resp.WriteError(conn.bw, "ERR "+err.Error())
		return nil
	}
	resp.WriteBulkString(conn.bw, id.String())
	return [][][]byte{args}
}

func streamEntriesToWire(entries []store.StreamEntry) []resp.StreamEntry {
	out := make([]resp.StreamEntry, len(entries))
	for i, e := range entries {
		flat := make([]string, 0, len(e.Fields)*2)
		for _, f := range e.Fields {
			flat = append(flat, f.Name, f.Value)
		}
		out[i] = resp.StreamEntry{ID: e.ID.String(), Fields: flat}
	}
	return out
}

func cmdXrange(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) != 4 {
		return wrongArity(conn, "xrange")
	}
	start, err1 := streamid.ParseRangeBound(string(args[2]), true)
	end, err2 := streamid.ParseRangeBound(string(args[3]), false)
	if err1 != nil {
		resp.WriteError(conn.bw, "ERR "+err1.Error())
		return nil
	}
	if err2 != nil {
		resp.WriteError(conn.bw, "ERR "+err2.Error())
		return nil
	}
	entries := h.streams.Range(string(args[1]), start, end)
	resp.WriteStreamEntries(conn.bw, streamEntriesToWire(entries))
	return nil
}

func cmdXread(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	i := 1
	blockMs := -1
	if i < len(args) && strings.ToUpper(string(args[i])) == "BLOCK" {
		if i+1 >= len(args) {
			return wrongArity(conn, "xread")
		}
		ms, err := strconv.Atoi(string(args[i+1]))
		if err != nil || ms < 0 {
			resp.WriteError(conn.bw, "ERR timeout is not an integer or out of range")
			return nil
		}
		blockMs = ms
		i += 2
	}
	if i >= len(args) || strings.ToUpper(string(args[i])) != "STREAMS" {
		return wrongArity(conn, "xread")
	}
	i++
	rest := args[i:]
	if len(rest) == 0 || len(rest)%2 != 0 {
		return wrongArity(conn, "xread")
	}
	n := len(rest) / 2
	keys := rest[:n]
	idArgs := rest[n:]

	cursors := make([]streamid.ID, n)
	for j := range keys {
		id, err := streamid.Parse(string(idArgs[j]))
		if err != nil {
			resp.WriteError(conn.bw, "ERR "+err.Error())
			return nil
		}
		cursors[j] = id
	}

	results := make(map[string][]store.StreamEntry, n)
	var order []string
	for j, k := range keys {
		key := string(k)
		if entries := h.streams.EntriesAfter(key, cursors[j]); len(entries) > 0 {
			results[key] = entries
			order = append(order, key)
		}
	}

	if len(order) == 0 && blockMs >= 0 {
		order = xreadBlock(h, keys, cursors, blockMs, results)
	}

	if len(order) == 0 {
		resp.WriteNullArray(conn.bw)
		return nil
	}

	resp.WriteArrayHeader(conn.bw, len(order))
	for _, key := range order {
		resp.WriteArrayHeader(conn.bw, 2)
		resp.WriteBulkString(conn.bw, key)
		resp.WriteStreamEntries(conn.bw, streamEntriesToWire(results[key]))
	}
	return nil
}

// xreadBlock registers a waiter on every key that had nothing ready, then
// waits for the first one to fire or for blockMs to elapse (0 = no
// deadline). Exactly one of the registered waiters is ever delivered to
// here, matching the cross-stream blocking contract in the stream store.
func xreadBlock(h *CommandHandler, keys [][]byte, cursors []streamid.ID, blockMs int, results map[string][]store.StreamEntry) []string {
	type pending struct {
		key   string
		token store.StreamReadToken
	}
	var tokens []pending
	for j, k := range keys {
		key := string(k)
		entries, token := h.streams.TryReadOrRegister(key, cursors[j])
		if len(entries) > 0 {
			results[key] = entries
			return []string{key}
		}
		tokens = append(tokens, pending{key: key, token: token})
	}

	merged := make(chan store.StreamDelivery, len(tokens))
	for _, p := range tokens {
		ch := p.token.Channel()
		go func() {
			if d, ok := <-ch; ok {
				select {
				case merged <- d:
				default:
				}
			}
		}()
	}

	var timeoutCh <-chan time.Time
	if blockMs > 0 {
		timer := time.NewTimer(time.Duration(blockMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	h.metrics.BlockedWaiters.Inc()
	defer h.metrics.BlockedWaiters.Dec()

	var delivered *store.StreamDelivery
	select {
	case d := <-merged:
		delivered = &d
	case <-timeoutCh:
	}

	for _, p := range tokens {
		h.streams.CancelWaiter(p.token)
	}

	if delivered == nil {
		return nil
	}
	results[delivered.Key] = delivered.Entries
	return []string{delivered.Key}
}

func cmdInfo(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	var b strings.Builder
	if h.IsReplica() {
		b.WriteString("role:replica\r\n")
	} else {
		b.WriteString("role:master\r\n")
		b.WriteString("master_replid:" + h.repl.ReplID() + "\r\n")
		b.WriteString("master_repl_offset:" + strconv.FormatInt(h.repl.Offset(), 10) + "\r\n")
	}
	resp.WriteBulkString(conn.bw, b.String())
	return nil
}

func cmdReplconf(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	resp.WriteSimpleString(conn.bw, "OK")
	return nil
}

func cmdReplicaof(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) == 3 && strings.EqualFold(string(args[1]), "NO") && strings.EqualFold(string(args[2]), "ONE") {
		h.SetReplica(false)
		resp.WriteSimpleString(conn.bw, "OK")
		return nil
	}
	resp.WriteError(conn.bw, "ERR REPLICAOF only supports 'NO ONE' at runtime")
	return nil
}

func cmdPsync(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) != 3 {
		return wrongArity(conn, "psync")
	}
	if err := replication.WriteFullResync(conn.bw, h.repl.ReplID(), h.repl.Offset()); err != nil {
		return nil
	}
	payload := rdb.Encode(h.strings)
	if err := replication.WriteRDBBulk(conn.bw, payload); err != nil {
		return nil
	}
	if err := conn.bw.Flush(); err != nil {
		return nil
	}
	h.repl.Register(conn)
	h.metrics.ReplicaCount.Inc()
	conn.isReplicaSink = true
	return nil
}

func cmdConfig(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) != 3 || !strings.EqualFold(string(args[1]), "GET") {
		return wrongArity(conn, "config")
	}
	name := string(args[2])
	var value string
	switch name {
	case "dir":
		value = h.dir
	case "dbfilename":
		value = h.dbfilename
	}
	resp.WriteArrayHeader(conn.bw, 2)
	resp.WriteBulkString(conn.bw, name)
	resp.WriteBulkString(conn.bw, value)
	return nil
}

func cmdKeys(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) != 2 {
		return wrongArity(conn, "keys")
	}
	if string(args[1]) != "*" {
		resp.WriteError(conn.bw, "ERR KEYS only supports the '*' pattern")
		return nil
	}
	resp.WriteBulkStringArray(conn.bw, h.strings.Keys())
	return nil
}

func cmdIncr(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if len(args) != 2 {
		return wrongArity(conn, "incr")
	}
	n, err := h.strings.Incr(string(args[1]), 1)
	if err != nil {
		resp.WriteError(conn.bw, "ERR "+err.Error())
		return nil
	}
	resp.WriteInteger(conn.bw, n)
	return [][][]byte{args}
}

func cmdMulti(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if !conn.txn.Begin() {
		resp.WriteError(conn.bw, "ERR nested MULTI")
		return nil
	}
	resp.WriteSimpleString(conn.bw, "OK")
	return nil
}

func cmdExec(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	queued, ok := conn.txn.Exec()
	if !ok {
		resp.WriteError(conn.bw, "ERR EXEC without MULTI")
		return nil
	}
	resp.WriteArrayHeader(conn.bw, len(queued))
	var propagated [][][]byte
	for _, qargs := range queued {
		name := resp.NormalizeCommandName(qargs[0])
		propagated = append(propagated, h.execute(conn, name, qargs)...)
	}
	return propagated
}

func cmdDiscard(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	if !conn.txn.Discard() {
		resp.WriteError(conn.bw, "ERR DISCARD without MULTI")
		return nil
	}
	resp.WriteSimpleString(conn.bw, "OK")
	return nil
}

func cmdSave(h *CommandHandler, conn *Conn, args [][]byte) [][][]byte {
	// SAVE always targets dump.rdb in the process's current working
	// directory, not the configured --dir/--dbfilename (those only
	// govern the startup load).
	if err := rdb.Save(".", "dump.rdb", h.strings); err != nil {
		h.log.Warn("save failed", "error", err)
		resp.WriteError(conn.bw, "ERR "+err.Error())
		return nil
	}
	resp.WriteSimpleString(conn.bw, "OK")
	return nil
}
