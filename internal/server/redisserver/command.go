package redisserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/yndnr/statemesh-go/internal/core/domain"
	"github.com/yndnr/statemesh-go/internal/core/notify"
	"github.com/yndnr/statemesh-go/internal/core/txn"
	"github.com/yndnr/statemesh-go/internal/storage/snapshot"
	"github.com/yndnr/statemesh-go/pkg/cmap"
)

const defaultScanCount = 10

// formatError converts an error to a RESP error string.
// DomainErrors render as "ERR <code> <message>".
func formatError(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) {
		msg := "ERR " + de.Code + " " + de.Message
		if de.Details != "" {
			msg += ": " + de.Details
		}
		return msg
	}
	return "ERR " + err.Error()
}

// command describes one supported command.
type command struct {
	// arity counts the name. Negative means at least -arity.
	arity int
	// pairs requires the arguments after the key to come in field/value
	// pairs, starting at offset.
	pairs int
	run   func(h *CommandHandler, ctx context.Context, c *Conn, args [][]byte)
}

var commands = map[string]command{
	"ECHO":        {arity: 2, run: (*CommandHandler).handleEcho},
	"HGET":        {arity: 3, run: (*CommandHandler).handleHGet},
	"HGETALL":     {arity: 2, run: (*CommandHandler).handleHGetAll},
	"HKEYS":       {arity: 2, run: (*CommandHandler).handleHKeys},
	"HLEN":        {arity: 2, run: (*CommandHandler).handleHLen},
	"HEXISTS":     {arity: 3, run: (*CommandHandler).handleHExists},
	"EXISTS":      {arity: -2, run: (*CommandHandler).handleExists},
	"SCAN":        {arity: -2, run: (*CommandHandler).handleScan},
	"HSET":        {arity: -4, pairs: 2, run: (*CommandHandler).handleHSet},
	"HDEL":        {arity: -3, run: (*CommandHandler).handleHDel},
	"DEL":         {arity: -2, run: (*CommandHandler).handleDel},
	"SM.VERSION":  {arity: 1, run: (*CommandHandler).handleVersion},
	"SM.CAS":      {arity: -5, pairs: 3, run: (*CommandHandler).handleCAS},
	"SUBSCRIBE":   {arity: -2, run: (*CommandHandler).handleSubscribe},
	"UNSUBSCRIBE": {arity: -1, run: (*CommandHandler).handleUnsubscribe},
}

// CommandHandler executes commands against a Backend.
type CommandHandler struct {
	backend  Backend
	password string
	limiter  *clientLimiter
	logger   *slog.Logger
}

// NewCommandHandler creates a new CommandHandler.
func NewCommandHandler(backend Backend, cfg Config, logger *slog.Logger) *CommandHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{
		backend:  backend,
		password: cfg.Password,
		limiter:  newClientLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:   logger,
	}
}

// Handle executes one command and writes its reply to c.
func (h *CommandHandler) Handle(ctx context.Context, c *Conn, args [][]byte) {
	name := normalizeCommandName(args[0])

	// Connection-level commands work before AUTH and while subscribed.
	switch name {
	case "PING":
		h.handlePing(c, args)
		return
	case "AUTH":
		h.handleAuth(c, args)
		return
	case "QUIT":
		c.w.SimpleString("OK")
		c.quit = true
		return
	}

	if h.password != "" && !c.authenticated {
		c.w.Error("NOAUTH Authentication required.")
		return
	}
	if !h.limiter.allow(c.RemoteAddr()) {
		c.w.Error("ERR SM-RESP-4290 rate limit exceeded")
		return
	}
	if len(c.subs) > 0 && name != "SUBSCRIBE" && name != "UNSUBSCRIBE" {
		c.w.Error("ERR only SUBSCRIBE, UNSUBSCRIBE, PING and QUIT are allowed while subscribed")
		return
	}

	cmd, ok := commands[name]
	if !ok {
		c.w.Error("ERR unknown command '" + oneLine(string(args[0])) + "'")
		return
	}
	if !cmd.arityOK(len(args)) {
		c.w.Error("ERR wrong number of arguments for '" + strings.ToLower(name) + "' command")
		return
	}
	cmd.run(h, ctx, c, args)
}

func (cmd command) arityOK(n int) bool {
	if cmd.arity >= 0 && n != cmd.arity {
		return false
	}
	if cmd.arity < 0 && n < -cmd.arity {
		return false
	}
	return cmd.pairs == 0 || (n-cmd.pairs)%2 == 0
}

func (h *CommandHandler) handlePing(c *Conn, args [][]byte) {
	switch {
	case len(args) > 2:
		c.w.Error("ERR wrong number of arguments for 'ping' command")
	case len(c.subs) > 0:
		// Subscribed clients get the pub/sub form.
		msg := ""
		if len(args) == 2 {
			msg = string(args[1])
		}
		c.w.Strings("pong", msg)
	case len(args) == 2:
		c.w.Bulk(args[1])
	default:
		c.w.SimpleString("PONG")
	}
}

// handleAuth handles AUTH <password> and AUTH <username> <password>. The
// username is ignored.
func (h *CommandHandler) handleAuth(c *Conn, args [][]byte) {
	if len(args) != 2 && len(args) != 3 {
		c.w.Error("ERR wrong number of arguments for 'auth' command")
		return
	}
	if h.password == "" {
		c.w.Error("ERR AUTH called without any password configured")
		return
	}
	given := args[len(args)-1]
	if subtle.ConstantTimeCompare(given, []byte(h.password)) != 1 {
		c.authenticated = false
		c.w.Error("WRONGPASS invalid password")
		return
	}
	c.authenticated = true
	c.w.SimpleString("OK")
}

func (h *CommandHandler) handleEcho(_ context.Context, c *Conn, args [][]byte) {
	c.w.Bulk(args[1])
}

// lookup returns the view of an existing key. Names that were never
// interned are absent without being interned.
func (h *CommandHandler) lookup(snap *snapshot.Snapshot, name []byte) (snapshot.KeySnapshot, bool) {
	key, ok := domain.LookupKey(string(name))
	if !ok {
		return snapshot.KeySnapshot{}, false
	}
	return snap.Get(key)
}

// HGET <key> <subkey>
func (h *CommandHandler) handleHGet(_ context.Context, c *Conn, args [][]byte) {
	sub, err := parseSubkey(args[2])
	if err != nil {
		c.w.Error(formatError(err))
		return
	}
	ks, ok := h.lookup(h.backend.Current(), args[1])
	if !ok {
		c.w.Null()
		return
	}
	v, ok := ks.Get(sub)
	if !ok {
		c.w.Null()
		return
	}
	c.w.Bulk(v.Bytes())
}

// HGETALL <key>
func (h *CommandHandler) handleHGetAll(_ context.Context, c *Conn, args [][]byte) {
	ks, ok := h.lookup(h.backend.Current(), args[1])
	if !ok {
		c.w.ArrayHeader(0)
		return
	}
	c.w.ArrayHeader(2 * ks.Count())
	ks.Ascend(func(sub domain.Subkey, v domain.Value) bool {
		c.w.BulkString(formatSubkey(sub))
		c.w.Bulk(v.Bytes())
		return true
	})
}

// HKEYS <key>
func (h *CommandHandler) handleHKeys(_ context.Context, c *Conn, args [][]byte) {
	ks, ok := h.lookup(h.backend.Current(), args[1])
	if !ok {
		c.w.ArrayHeader(0)
		return
	}
	subs := ks.Subkeys()
	c.w.ArrayHeader(len(subs))
	for _, sub := range subs {
		c.w.BulkString(formatSubkey(sub))
	}
}

// HLEN <key>
func (h *CommandHandler) handleHLen(_ context.Context, c *Conn, args [][]byte) {
	ks, _ := h.lookup(h.backend.Current(), args[1])
	c.w.Integer(int64(ks.Count()))
}

// HEXISTS <key> <subkey>
func (h *CommandHandler) handleHExists(_ context.Context, c *Conn, args [][]byte) {
	sub, err := parseSubkey(args[2])
	if err != nil {
		c.w.Error(formatError(err))
		return
	}
	ks, ok := h.lookup(h.backend.Current(), args[1])
	c.w.Integer(boolInt(ok && ks.Has(sub)))
}

// EXISTS <key> [key ...]
func (h *CommandHandler) handleExists(_ context.Context, c *Conn, args [][]byte) {
	snap := h.backend.Current()
	var n int64
	for _, name := range args[1:] {
		if _, ok := h.lookup(snap, name); ok {
			n++
		}
	}
	c.w.Integer(n)
}

// SCAN <cursor> [MATCH pattern] [COUNT n]
//
// The cursor is the ordinal of the next key in the current snapshot, so a
// scan that spans state changes may skip or repeat keys.
func (h *CommandHandler) handleScan(_ context.Context, c *Conn, args [][]byte) {
	cursor, err := strconv.ParseUint(string(args[1]), 10, 64)
	if err != nil {
		c.w.Error("ERR invalid cursor")
		return
	}

	pattern := ""
	count := defaultScanCount
	for i := 2; i < len(args); i += 2 {
		if i+1 >= len(args) {
			c.w.Error("ERR syntax error")
			return
		}
		switch normalizeCommandName(args[i]) {
		case "MATCH":
			pattern = string(args[i+1])
		case "COUNT":
			n, err := strconv.Atoi(string(args[i+1]))
			if err != nil || n < 1 {
				c.w.Error("ERR value is not an integer or out of range")
				return
			}
			count = n
		default:
			c.w.Error("ERR syntax error")
			return
		}
	}

	var (
		pos     uint64
		visited int
		next    uint64
		keys    []string
	)
	h.backend.Current().Ascend(func(ks snapshot.KeySnapshot) bool {
		if pos < cursor {
			pos++
			return true
		}
		if visited == count {
			next = pos
			return false
		}
		pos++
		visited++
		name := ks.Key().String()
		if pattern == "" || matchGlob(pattern, name) {
			keys = append(keys, name)
		}
		return true
	})

	c.w.ArrayHeader(2)
	c.w.BulkString(strconv.FormatUint(next, 10))
	c.w.Strings(keys...)
}

// HSET <key> <subkey> <value> [subkey value ...] replies with the number
// of subkeys added.
func (h *CommandHandler) handleHSet(ctx context.Context, c *Conn, args [][]byte) {
	b := h.backend.NewTransaction()
	key := domain.Intern(args[1])
	ks, _ := b.Base().Get(key)

	added := make(map[domain.Subkey]struct{})
	for i := 2; i < len(args); i += 2 {
		sub, err := parseSubkey(args[i])
		if err != nil {
			c.w.Error(formatError(err))
			return
		}
		if !ks.Has(sub) {
			added[sub] = struct{}{}
		}
		b.Put(key, sub, domain.NewValue(args[i+1]))
	}
	if _, err := h.commit(ctx, b); err != nil {
		c.w.Error(formatError(err))
		return
	}
	c.w.Integer(int64(len(added)))
}

// HDEL <key> <subkey> [subkey ...] replies with the number of subkeys
// removed.
func (h *CommandHandler) handleHDel(ctx context.Context, c *Conn, args [][]byte) {
	subs := make([]domain.Subkey, 0, len(args)-2)
	for _, arg := range args[2:] {
		sub, err := parseSubkey(arg)
		if err != nil {
			c.w.Error(formatError(err))
			return
		}
		subs = append(subs, sub)
	}

	b := h.backend.NewTransaction()
	ks, ok := h.lookup(b.Base(), args[1])
	if !ok {
		c.w.Integer(0)
		return
	}
	removed := make(map[domain.Subkey]struct{})
	for _, sub := range subs {
		if ks.Has(sub) {
			removed[sub] = struct{}{}
			b.Delete(ks.Key(), sub)
		}
	}
	if len(removed) == 0 {
		c.w.Integer(0)
		return
	}
	if _, err := h.commit(ctx, b); err != nil {
		c.w.Error(formatError(err))
		return
	}
	c.w.Integer(int64(len(removed)))
}

// DEL <key> [key ...] removes every subkey of each key and replies with
// the number of keys removed.
func (h *CommandHandler) handleDel(ctx context.Context, c *Conn, args [][]byte) {
	b := h.backend.NewTransaction()
	removed := make(map[domain.Key]struct{})
	for _, name := range args[1:] {
		ks, ok := h.lookup(b.Base(), name)
		if !ok {
			continue
		}
		removed[ks.Key()] = struct{}{}
		for _, sub := range ks.Subkeys() {
			b.Delete(ks.Key(), sub)
		}
	}
	if len(removed) == 0 {
		c.w.Integer(0)
		return
	}
	if _, err := h.commit(ctx, b); err != nil {
		c.w.Error(formatError(err))
		return
	}
	c.w.Integer(int64(len(removed)))
}

// SM.VERSION replies with the current snapshot version.
func (h *CommandHandler) handleVersion(_ context.Context, c *Conn, _ [][]byte) {
	c.w.Integer(int64(h.backend.Current().Version()))
}

// SM.CAS <key> <version> <subkey> <value> [subkey value ...] writes the
// subkeys only if key was not modified after version, and replies with
// the version of the resulting snapshot.
func (h *CommandHandler) handleCAS(ctx context.Context, c *Conn, args [][]byte) {
	v, err := strconv.ParseUint(string(args[2]), 10, 64)
	if err != nil || !domain.Version(v).Valid() {
		c.w.Error(formatError(domain.ErrInvalidArgument.WithDetails("invalid version")))
		return
	}

	b := h.backend.NewTransaction()
	key := domain.Intern(args[1])
	b.RequireVersionAtMost(key, domain.Version(v))
	for i := 3; i < len(args); i += 2 {
		sub, err := parseSubkey(args[i])
		if err != nil {
			c.w.Error(formatError(err))
			return
		}
		b.Put(key, sub, domain.NewValue(args[i+1]))
	}
	snap, err := h.commit(ctx, b)
	if err != nil {
		c.w.Error(formatError(err))
		return
	}
	c.w.Integer(int64(snap.Version()))
}

func (h *CommandHandler) commit(ctx context.Context, b *txn.Builder) (*snapshot.Snapshot, error) {
	tx, err := b.Build()
	if err != nil {
		return nil, err
	}
	snap, err := h.backend.CommitAndWait(ctx, tx)
	if err != nil {
		h.logger.Debug("commit failed", "tx", tx.ID().String(), "error", err)
		return nil, err
	}
	return snap, nil
}

// keyEvent is the payload pushed to subscribers.
type keyEvent struct {
	Version  uint64   `json:"version,omitempty"`
	Deleted  bool     `json:"deleted,omitempty"`
	Inserted []uint64 `json:"inserted,omitempty"`
	Updated  []uint64 `json:"updated,omitempty"`
	Removed  []uint64 `json:"removed,omitempty"`
}

// SUBSCRIBE <key> [key ...]
func (h *CommandHandler) handleSubscribe(_ context.Context, c *Conn, args [][]byte) {
	c.startPush(h.logger)
	for _, arg := range args[1:] {
		name := string(arg)
		if _, ok := c.subs[name]; !ok {
			c.subs[name] = h.backend.Dispatcher().SubscribeKey(domain.Intern(arg), h.listener(c, name))
		}
		c.w.ArrayHeader(3)
		c.w.BulkString("subscribe")
		c.w.BulkString(name)
		c.w.Integer(int64(len(c.subs)))
	}
}

// UNSUBSCRIBE [key ...] with no keys drops every subscription.
func (h *CommandHandler) handleUnsubscribe(_ context.Context, c *Conn, args [][]byte) {
	names := make([]string, 0, len(args)-1)
	for _, arg := range args[1:] {
		names = append(names, string(arg))
	}
	if len(names) == 0 {
		for name := range c.subs {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	if len(names) == 0 {
		c.w.ArrayHeader(3)
		c.w.BulkString("unsubscribe")
		c.w.Null()
		c.w.Integer(0)
		return
	}

	for _, name := range names {
		h.release(c, name)
		c.w.ArrayHeader(3)
		c.w.BulkString("unsubscribe")
		c.w.BulkString(name)
		c.w.Integer(int64(len(c.subs)))
	}
}

func (h *CommandHandler) listener(c *Conn, name string) notify.KeyListener {
	return notify.KeyListenerFunc(func(_ domain.Key, _, next snapshot.KeySnapshot, inserted, updated, removed []domain.Subkey) {
		ev := keyEvent{
			Deleted:  !next.Exists(),
			Inserted: subkeyList(inserted),
			Updated:  subkeyList(updated),
			Removed:  subkeyList(removed),
		}
		if next.Exists() {
			ev.Version = uint64(next.Version())
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("encode key event", "key", name, "error", err)
			return
		}
		c.enqueue(pushMessage{channel: name, payload: payload})
	})
}

func (h *CommandHandler) release(c *Conn, name string) {
	tok, ok := c.subs[name]
	if !ok {
		return
	}
	delete(c.subs, name)
	if err := h.backend.Dispatcher().Release(tok); err != nil {
		h.logger.Debug("release subscription", "key", name, "error", err)
	}
}

// unsubscribeAll releases every subscription of a closing connection.
func (h *CommandHandler) unsubscribeAll(c *Conn) {
	for name := range c.subs {
		h.release(c, name)
	}
}

func parseSubkey(b []byte) (domain.Subkey, error) {
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, domain.ErrInvalidArgument.WithDetails("subkey must be an unsigned integer")
	}
	return domain.Subkey(n), nil
}

func formatSubkey(s domain.Subkey) string {
	return strconv.FormatUint(uint64(s), 10)
}

func subkeyList(in []domain.Subkey) []uint64 {
	if len(in) == 0 {
		return nil
	}
	out := make([]uint64, len(in))
	for i, s := range in {
		out[i] = uint64(s)
	}
	return out
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// matchGlob reports whether s matches pattern, where '*' matches any run
// of bytes and '?' matches one byte.
func matchGlob(pattern, s string) bool {
	// Backtrack to the most recent '*' on mismatch.
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, i
			p++
		case p < len(pattern) && (pattern[p] == '?' || pattern[p] == s[i]):
			p++
			i++
		case star >= 0:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// clientLimiter applies a token bucket per client IP.
type clientLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *cmap.Map[string, *rate.Limiter]
}

// newClientLimiter returns nil when rps is not positive.
func newClientLimiter(rps float64, burst int) *clientLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = max(1, int(rps))
	}
	return &clientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: cmap.New[string, *rate.Limiter](),
	}
}

func (l *clientLimiter) allow(addr net.Addr) bool {
	if l == nil {
		return true
	}
	ip := addr.String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return l.buckets.Update(ip, func(b *rate.Limiter, exists bool) *rate.Limiter {
		if exists {
			return b
		}
		return rate.NewLimiter(l.limit, l.burst)
	}).Allow()
}
