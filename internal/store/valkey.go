package store

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/miradorstack/mirador-events/internal/keys"
)

// claimScript adds ARGV[1] to the set only when it is empty and returns the
// canonical (lowest) member either way. EVAL runs atomically on the server.
const claimScript = `if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('SADD', KEYS[1], ARGV[1])
  return ARGV[1]
end
local members = redis.call('SMEMBERS', KEYS[1])
table.sort(members)
return members[1]`

// incrementScript runs HINCRBY only on an existing hash.
const incrementScript = `if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])`

// raiseScript writes ARGV[3]=ARGV[4] into the hash and moves ARGV[1] to score
// ARGV[2] in the index when the score grows. Returns -1 for a missing hash.
const raiseScript = `if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local current = redis.call('ZSCORE', KEYS[2], ARGV[1])
if current and tonumber(current) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[1], ARGV[3], ARGV[4])
return 1`

// ValkeyStore implements Store on a Valkey/Redis-compatible server: hashes for
// records and metadata, sorted sets for indexes and relations, sets for
// constraints.
type ValkeyStore struct {
	cfg  ValkeyConfig
	idle chan *valkeyConn
}

// ValkeyConfig holds connection parameters for the Valkey server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	PoolSize     int
	TLS          bool
}

// NewValkeyStore creates a Store using the supplied configuration. It performs a ping
// against the target to fail fast when credentials or connectivity are incorrect.
func NewValkeyStore(cfg ValkeyConfig) (*ValkeyStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}

	normaliseConfig(&cfg)
	s := &ValkeyStore{cfg: cfg, idle: make(chan *valkeyConn, cfg.PoolSize)}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := s.ping(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Add generates a primary key and writes fields under it.
func (s *ValkeyStore) Add(ctx context.Context, kind string, fields Fields) (string, error) {
	pk := keys.GenerateKey()
	if err := s.Set(ctx, kind, pk, fields); err != nil {
		return "", err
	}
	return pk, nil
}

// Set merges fields into the record hash.
func (s *ValkeyStore) Set(ctx context.Context, kind, pk string, fields Fields) error {
	return s.hset(ctx, keys.DataKey(kind, pk), fields)
}

// Get returns the record fields, empty when absent.
func (s *ValkeyStore) Get(ctx context.Context, kind, pk string) (Fields, error) {
	return s.hgetall(ctx, keys.DataKey(kind, pk))
}

// Increment atomically adds amount to an integer field of an existing hash.
func (s *ValkeyStore) Increment(ctx context.Context, kind, pk, field string, amount int64) (int64, error) {
	key := s.key(keys.DataKey(kind, pk))
	reply, err := s.do(ctx, "EVAL", incrementScript, "1", key, field, strconv.FormatInt(amount, 10))
	if err != nil {
		return 0, err
	}
	if reply.typ == replyNil {
		return 0, errors.Wrapf(ErrNoRecord, "%s", key)
	}
	return reply.integer()
}

// RaiseField writes field and the index score in one script when score grows.
func (s *ValkeyStore) RaiseField(ctx context.Context, kind, pk, field, raw, index string, score float64) (bool, error) {
	key := s.key(keys.DataKey(kind, pk))
	reply, err := s.do(ctx, "EVAL", raiseScript, "2", key, s.key(keys.IndexKey(kind, index)),
		pk, formatScore(score), field, raw)
	if err != nil {
		return false, err
	}
	n, err := reply.integer()
	if err != nil {
		return false, err
	}
	if n < 0 {
		return false, errors.Wrapf(ErrNoRecord, "%s", key)
	}
	return n == 1, nil
}

// Delete drops the record and its metadata.
func (s *ValkeyStore) Delete(ctx context.Context, kind, pk string) error {
	_, err := s.do(ctx, "DEL", s.key(keys.DataKey(kind, pk)), s.key(keys.MetaKey(kind, pk)))
	return err
}

// SetMeta merges fields into the metadata hash.
func (s *ValkeyStore) SetMeta(ctx context.Context, kind, pk string, fields Fields) error {
	return s.hset(ctx, keys.MetaKey(kind, pk), fields)
}

// GetMeta returns the metadata hash, empty when absent.
func (s *ValkeyStore) GetMeta(ctx context.Context, kind, pk string) (Fields, error) {
	return s.hgetall(ctx, keys.MetaKey(kind, pk))
}

// AddToIndex inserts or moves pk in a sorted index.
func (s *ValkeyStore) AddToIndex(ctx context.Context, kind, pk, index string, score float64) error {
	_, err := s.do(ctx, "ZADD", s.key(keys.IndexKey(kind, index)), formatScore(score), pk)
	return err
}

// RemoveFromIndex removes pk from a sorted index.
func (s *ValkeyStore) RemoveFromIndex(ctx context.Context, kind, pk, index string) error {
	_, err := s.do(ctx, "ZREM", s.key(keys.IndexKey(kind, index)), pk)
	return err
}

// List scans an index by rank and loads each record's fields in one pipeline.
func (s *ValkeyStore) List(ctx context.Context, kind, index string, offset, limit int, desc bool) ([]Entry, error) {
	return s.rangeEntries(ctx, keys.IndexKey(kind, index), kind, offset, limit, desc)
}

// Count returns the cardinality of an index.
func (s *ValkeyStore) Count(ctx context.Context, kind, index string) (int64, error) {
	reply, err := s.do(ctx, "ZCARD", s.key(keys.IndexKey(kind, index)))
	if err != nil {
		return 0, err
	}
	return reply.integer()
}

// AddRelation records a scored edge from one record to another.
func (s *ValkeyStore) AddRelation(ctx context.Context, fromKind, fromPK, toKind, toPK string, score float64) error {
	_, err := s.do(ctx, "ZADD", s.key(keys.RelationKey(fromKind, fromPK, toKind)), formatScore(score), toPK)
	return err
}

// RemoveRelation drops one edge, or the whole relation index when toPK is empty.
func (s *ValkeyStore) RemoveRelation(ctx context.Context, fromKind, fromPK, toKind, toPK string) error {
	key := s.key(keys.RelationKey(fromKind, fromPK, toKind))
	var err error
	if toPK == "" {
		_, err = s.do(ctx, "DEL", key)
	} else {
		_, err = s.do(ctx, "ZREM", key, toPK)
	}
	return err
}

// ListRelations scans the related records of one instance by rank.
func (s *ValkeyStore) ListRelations(ctx context.Context, fromKind, fromPK, toKind string, offset, limit int, desc bool) ([]Entry, error) {
	return s.rangeEntries(ctx, keys.RelationKey(fromKind, fromPK, toKind), toKind, offset, limit, desc)
}

// AddToConstraint adds pk to the member set of a composite value.
func (s *ValkeyStore) AddToConstraint(ctx context.Context, kind, pk string, keyFields map[string]string) error {
	_, err := s.do(ctx, "SADD", s.key(keys.ConstraintKey(kind, keyFields)), pk)
	return err
}

// ClaimConstraint inserts pk into an empty constraint set and returns the canonical member.
func (s *ValkeyStore) ClaimConstraint(ctx context.Context, kind, pk string, keyFields map[string]string) (string, error) {
	reply, err := s.do(ctx, "EVAL", claimScript, "1", s.key(keys.ConstraintKey(kind, keyFields)), pk)
	if err != nil {
		return "", err
	}
	if reply.typ != replyBulkString {
		return "", fmt.Errorf("unexpected valkey reply type %q for EVAL", reply.typ)
	}
	return string(reply.data), nil
}

// RemoveFromConstraint removes pk from a constraint set.
func (s *ValkeyStore) RemoveFromConstraint(ctx context.Context, kind, pk string, keyFields map[string]string) error {
	_, err := s.do(ctx, "SREM", s.key(keys.ConstraintKey(kind, keyFields)), pk)
	return err
}

// ListByConstraint returns the members of a constraint set in lexical order.
func (s *ValkeyStore) ListByConstraint(ctx context.Context, kind string, keyFields map[string]string) ([]string, error) {
	reply, err := s.do(ctx, "SMEMBERS", s.key(keys.ConstraintKey(kind, keyFields)))
	if err != nil {
		return nil, err
	}
	members, err := reply.strings()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

// Close releases pooled connections.
func (s *ValkeyStore) Close() error {
	for {
		select {
		case vc := <-s.idle:
			vc.close()
		default:
			return nil
		}
	}
}

func (s *ValkeyStore) key(k string) string {
	return s.cfg.KeyPrefix + k
}

func (s *ValkeyStore) hset(ctx context.Context, key string, fields Fields) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]string, 0, 1+2*len(fields))
	args = append(args, s.key(key))
	for k, v := range fields {
		args = append(args, k, v)
	}
	_, err := s.do(ctx, "HSET", args...)
	return err
}

func (s *ValkeyStore) hgetall(ctx context.Context, key string) (Fields, error) {
	reply, err := s.do(ctx, "HGETALL", s.key(key))
	if err != nil {
		return nil, err
	}
	return reply.fields()
}

func (s *ValkeyStore) rangeEntries(ctx context.Context, key, kind string, offset, limit int, desc bool) ([]Entry, error) {
	start, stop := rankRange(offset, limit)
	cmd := "ZRANGE"
	if desc {
		cmd = "ZREVRANGE"
	}
	reply, err := s.do(ctx, cmd, s.key(key), strconv.Itoa(start), strconv.Itoa(stop))
	if err != nil {
		return nil, err
	}
	members, err := reply.strings()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([][]string, 0, len(members))
	for _, pk := range members {
		cmds = append(cmds, []string{"HGETALL", s.key(keys.DataKey(kind, pk))})
	}
	replies, err := s.pipeline(ctx, cmds)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(members))
	for i, pk := range members {
		fields, err := replies[i].fields()
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{PK: pk, Fields: fields})
	}
	return entries, nil
}

func (s *ValkeyStore) ping(ctx context.Context) error {
	reply, err := s.do(ctx, "PING")
	if err != nil {
		return err
	}
	if reply.typ != replySimpleString || string(reply.data) != "PONG" {
		return fmt.Errorf("unexpected PING response: %s", reply.data)
	}
	return nil
}

func (s *ValkeyStore) do(ctx context.Context, command string, args ...string) (respReply, error) {
	replies, err := s.pipeline(ctx, [][]string{append([]string{command}, args...)})
	if err != nil {
		return respReply{}, err
	}
	return replies[0], nil
}

// pipeline writes every command before reading any reply. Server error
// replies fail the call but do not poison the connection.
func (s *ValkeyStore) pipeline(ctx context.Context, cmds [][]string) ([]respReply, error) {
	var replies []respReply
	err := s.withConn(ctx, func(vc *valkeyConn) error {
		for _, cmd := range cmds {
			if err := vc.writeStrings(cmd...); err != nil {
				return err
			}
		}
		if err := vc.flush(); err != nil {
			return err
		}
		replies = make([]respReply, 0, len(cmds))
		var firstServerErr error
		for range cmds {
			reply, err := vc.readReply()
			if err != nil {
				var serverErr *serverError
				if errors.As(err, &serverErr) {
					if firstServerErr == nil {
						firstServerErr = err
					}
					replies = append(replies, respReply{typ: replyError})
					continue
				}
				return err
			}
			replies = append(replies, reply)
		}
		return firstServerErr
	})
	return replies, err
}

func (s *ValkeyStore) withConn(ctx context.Context, fn func(*valkeyConn) error) error {
	var lastErr error
	retries := s.cfg.MaxRetries
	for attempt := 0; attempt < retries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		vc, err := s.acquire(ctx)
		if err != nil {
			lastErr = err
			if shouldRetry(err) && attempt < retries-1 {
				time.Sleep(backoff(attempt))
				continue
			}
			return errors.Mark(err, ErrTransient)
		}

		// a failed exchange may have been applied server-side, so only
		// connection setup is retried
		err = fn(vc)
		var serverErr *serverError
		if err == nil || errors.As(err, &serverErr) {
			s.release(vc)
			return err
		}
		vc.close()
		return errors.Mark(err, ErrTransient)
	}
	return errors.Mark(lastErr, ErrTransient)
}

func (s *ValkeyStore) acquire(ctx context.Context) (*valkeyConn, error) {
	select {
	case vc := <-s.idle:
		return vc, nil
	default:
	}
	vc, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.bootstrap(vc); err != nil {
		vc.close()
		return nil, err
	}
	return vc, nil
}

func (s *ValkeyStore) release(vc *valkeyConn) {
	select {
	case s.idle <- vc:
	default:
		vc.close()
	}
}

func (s *ValkeyStore) dial(ctx context.Context) (*valkeyConn, error) {
	dialer := net.Dialer{Timeout: deadlineOr(ctx, s.cfg.DialTimeout)}
	var (
		conn net.Conn
		err  error
	)
	if s.cfg.TLS {
		host := hostForTLS(s.cfg.Addr)
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
		conn, err = tls.DialWithDialer(&dialer, "tcp", s.cfg.Addr, tlsCfg)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return &valkeyConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		cfg:    s.cfg,
	}, nil
}

func (s *ValkeyStore) bootstrap(vc *valkeyConn) error {
	if s.cfg.Password != "" {
		cmd := []string{"AUTH"}
		if s.cfg.Username != "" {
			cmd = append(cmd, s.cfg.Username, s.cfg.Password)
		} else {
			cmd = append(cmd, s.cfg.Password)
		}
		if err := vc.command(cmd...); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replySimpleString || !strings.EqualFold(string(reply.data), "OK") {
			return fmt.Errorf("auth failed: %s", reply.data)
		}
	}
	if s.cfg.DB > 0 {
		if err := vc.command("SELECT", strconv.Itoa(s.cfg.DB)); err != nil {
			return err
		}
		reply, err := vc.readReply()
		if err != nil {
			return err
		}
		if reply.typ != replySimpleString || !strings.EqualFold(string(reply.data), "OK") {
			return fmt.Errorf("select failed: %s", reply.data)
		}
	}
	return nil
}

// replyType enumerates the subset of RESP types needed by the store.
type replyType string

const (
	replySimpleString replyType = "+"
	replyBulkString   replyType = "$"
	replyError        replyType = "-"
	replyInteger      replyType = ":"
	replyArray        replyType = "*"
	replyNil          replyType = "_"
)

type respReply struct {
	typ   replyType
	data  []byte
	elems []respReply
}

func (r respReply) integer() (int64, error) {
	if r.typ != replyInteger {
		return 0, fmt.Errorf("unexpected valkey reply type %q, want integer", r.typ)
	}
	return strconv.ParseInt(string(r.data), 10, 64)
}

func (r respReply) strings() ([]string, error) {
	switch r.typ {
	case replyNil:
		return nil, nil
	case replyArray:
	default:
		return nil, fmt.Errorf("unexpected valkey reply type %q, want array", r.typ)
	}
	out := make([]string, 0, len(r.elems))
	for _, elem := range r.elems {
		out = append(out, string(elem.data))
	}
	return out, nil
}

func (r respReply) fields() (Fields, error) {
	values, err := r.strings()
	if err != nil {
		return nil, err
	}
	if len(values)%2 != 0 {
		return nil, fmt.Errorf("odd number of elements in hash reply")
	}
	fields := make(Fields, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		fields[values[i]] = values[i+1]
	}
	return fields, nil
}

// serverError is an error reply sent by the server; the connection stays usable.
type serverError struct {
	msg string
}

func (e *serverError) Error() string { return "valkey: " + e.msg }

// valkeyConn wraps a network connection with RESP helpers.
type valkeyConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	cfg    ValkeyConfig
}

func (vc *valkeyConn) close() {
	_ = vc.conn.Close()
}

func (vc *valkeyConn) command(parts ...string) error {
	if err := vc.writeStrings(parts...); err != nil {
		return err
	}
	return vc.flush()
}

func (vc *valkeyConn) writeStrings(parts ...string) error {
	if err := vc.conn.SetWriteDeadline(time.Now().Add(vc.cfg.WriteTimeout)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(vc.writer, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, part := range parts {
		if _, err := fmt.Fprintf(vc.writer, "$%d\r\n", len(part)); err != nil {
			return err
		}
		if _, err := vc.writer.WriteString(part); err != nil {
			return err
		}
		if _, err := vc.writer.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return nil
}

func (vc *valkeyConn) flush() error {
	return vc.writer.Flush()
}

func (vc *valkeyConn) readReply() (respReply, error) {
	if err := vc.conn.SetReadDeadline(time.Now().Add(vc.cfg.ReadTimeout)); err != nil {
		return respReply{}, err
	}
	prefix, err := vc.reader.ReadByte()
	if err != nil {
		return respReply{}, err
	}
	switch prefix {
	case '+':
		line, err := vc.readLine()
		return respReply{typ: replySimpleString, data: line}, err
	case '-':
		line, err := vc.readLine()
		if err != nil {
			return respReply{}, err
		}
		return respReply{}, &serverError{msg: string(line)}
	case ':':
		line, err := vc.readLine()
		return respReply{typ: replyInteger, data: line}, err
	case '_':
		_, err := vc.readLine()
		return respReply{typ: replyNil}, err
	case '$':
		size, err := vc.readSize()
		if err != nil {
			return respReply{}, err
		}
		if size == -1 {
			return respReply{typ: replyNil}, nil
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(vc.reader, buf); err != nil {
			return respReply{}, err
		}
		if err := vc.expectCRLF(); err != nil {
			return respReply{}, err
		}
		return respReply{typ: replyBulkString, data: buf}, nil
	case '*':
		size, err := vc.readSize()
		if err != nil {
			return respReply{}, err
		}
		if size == -1 {
			return respReply{typ: replyNil}, nil
		}
		elems := make([]respReply, 0, size)
		for i := 0; i < size; i++ {
			elem, err := vc.readReply()
			if err != nil {
				return respReply{}, err
			}
			elems = append(elems, elem)
		}
		return respReply{typ: replyArray, elems: elems}, nil
	default:
		return respReply{}, fmt.Errorf("unexpected RESP prefix %q", prefix)
	}
}

func (vc *valkeyConn) readSize() (int, error) {
	line, err := vc.readLine()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(line))
}

func (vc *valkeyConn) readLine() ([]byte, error) {
	line, err := vc.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return []byte(line), nil
}

func (vc *valkeyConn) expectCRLF() error {
	b1, err := vc.reader.ReadByte()
	if err != nil {
		return err
	}
	b2, err := vc.reader.ReadByte()
	if err != nil {
		return err
	}
	if b1 != '\r' || b2 != '\n' {
		return fmt.Errorf("invalid line termination")
	}
	return nil
}

func normaliseConfig(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 16
	}
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}

func deadlineOr(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Millisecond
		}
		if d == 0 || remaining < d {
			return remaining
		}
	}
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

func backoff(attempt int) time.Duration {
	base := 25 * time.Millisecond
	return time.Duration(1<<attempt) * base
}

func shouldRetry(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func hostForTLS(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
