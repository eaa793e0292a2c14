// Package redisstub runs an in-process Redis stand-in that speaks enough RESP2
// for the relay's Redis Streams queue and rate limit counters: connection
// setup, AUTH, XADD, XGROUP CREATE, XREADGROUP, XACK, INCR, EXPIRE and PTTL.
package redisstub

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options configures the stub.
type Options struct {
	// Password, when set, is required through AUTH before stream commands.
	Password string
}

// Server is a running stub.
type Server struct {
	opts     Options
	listener net.Listener

	mu       sync.Mutex
	streams  map[string]*stream
	counters map[string]*counter
	seq      int64
	wake     chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

type counter struct {
	value   int64
	expires time.Time
}

type stream struct {
	entries []entry
	groups  map[string]*group
}

type entry struct {
	id     string
	fields []string
}

type group struct {
	next    int
	pending map[string]struct{}
}

// Start listens on a random loopback port.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:     opts,
		listener: ln,
		streams:  make(map[string]*stream),
		counters: make(map[string]*counter),
		wake:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

// Addr is the host:port clients dial.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.listener.Close()
	})
	return nil
}

// StreamLen reports the number of entries appended to a stream.
func (s *Server) StreamLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[name]; ok {
		return len(st.entries)
	}
	return 0
}

// Pending reports entries delivered to a group but not yet acknowledged.
func (s *Server) Pending(name, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return 0
	}
	g, ok := st.groups[groupName]
	if !ok {
		return 0
	}
	return len(g.pending)
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				continue
			}
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := &respWriter{w: bufio.NewWriter(conn)}
	authed := s.opts.Password == ""
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			w.err("ERR empty command")
			continue
		}
		name := strings.ToUpper(args[0])
		switch {
		case name == "PING":
			w.simple("PONG")
		case name == "HELLO":
			// Forces clients back to RESP2.
			w.err("ERR unknown command 'HELLO'")
		case name == "CLIENT" || name == "SELECT":
			w.simple("OK")
		case name == "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 || password != s.opts.Password {
				w.err("WRONGPASS invalid username-password pair or user is disabled.")
				continue
			}
			authed = true
			w.simple("OK")
		case !authed:
			w.err("NOAUTH Authentication required.")
		default:
			s.dispatch(w, name, args[1:])
		}
		if err := w.flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *respWriter, name string, args []string) {
	switch name {
	case "XADD":
		s.xadd(w, args)
	case "XGROUP":
		s.xgroup(w, args)
	case "XREADGROUP":
		s.xreadgroup(w, args)
	case "XACK":
		s.xack(w, args)
	case "INCR":
		s.incr(w, args)
	case "EXPIRE", "PEXPIRE":
		s.expire(w, name, args)
	case "PTTL":
		s.pttl(w, args)
	default:
		w.err(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(name)))
	}
}

// counterLocked returns the live counter for key, dropping it when expired.
func (s *Server) counterLocked(key string) *counter {
	c, ok := s.counters[key]
	if ok && !c.expires.IsZero() && !time.Now().Before(c.expires) {
		delete(s.counters, key)
		return nil
	}
	return c
}

func (s *Server) incr(w *respWriter, args []string) {
	if len(args) != 1 {
		w.err("ERR wrong number of arguments for 'incr' command")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counterLocked(args[0])
	if c == nil {
		c = &counter{}
		s.counters[args[0]] = c
	}
	c.value++
	w.integer(c.value)
}

// expire handles EXPIRE and PEXPIRE with an optional NX flag.
func (s *Server) expire(w *respWriter, name string, args []string) {
	if len(args) < 2 || len(args) > 3 {
		w.err("ERR wrong number of arguments for 'expire' command")
		return
	}
	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		w.err("ERR value is not an integer or out of range")
		return
	}
	ttl := time.Duration(n) * time.Second
	if name == "PEXPIRE" {
		ttl = time.Duration(n) * time.Millisecond
	}
	nx := len(args) == 3 && strings.EqualFold(args[2], "NX")
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counterLocked(args[0])
	if c == nil || (nx && !c.expires.IsZero()) {
		w.integer(0)
		return
	}
	c.expires = time.Now().Add(ttl)
	w.integer(1)
}

func (s *Server) pttl(w *respWriter, args []string) {
	if len(args) != 1 {
		w.err("ERR wrong number of arguments for 'pttl' command")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counterLocked(args[0])
	switch {
	case c == nil:
		w.integer(-2)
	case c.expires.IsZero():
		w.integer(-1)
	default:
		w.integer(time.Until(c.expires).Milliseconds())
	}
}

func (s *Server) streamLocked(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[name] = st
	}
	return st
}

// xadd handles XADD key [NOMKSTREAM] [MAXLEN|MINID [=|~] n [LIMIT c]] id field value...
func (s *Server) xadd(w *respWriter, args []string) {
	if len(args) < 4 {
		w.err("ERR wrong number of arguments for 'xadd' command")
		return
	}
	key := args[0]
	i := 1
	for option := true; option && i < len(args); {
		switch strings.ToUpper(args[i]) {
		case "NOMKSTREAM":
			i++
		case "MAXLEN", "MINID":
			i++
			if i < len(args) && (args[i] == "~" || args[i] == "=") {
				i++
			}
			i++
		case "LIMIT":
			i += 2
		default:
			option = false
		}
	}
	if i >= len(args) || (len(args)-i-1)%2 != 0 || len(args)-i-1 == 0 {
		w.err("ERR wrong number of arguments for 'xadd' command")
		return
	}
	id := args[i]
	s.mu.Lock()
	if id == "*" {
		s.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	st := s.streamLocked(key)
	st.entries = append(st.entries, entry{id: id, fields: append([]string(nil), args[i+1:]...)})
	wake := s.wake
	s.wake = make(chan struct{})
	s.mu.Unlock()
	close(wake)
	w.bulk(id)
}

func (s *Server) xgroup(w *respWriter, args []string) {
	if len(args) < 4 || strings.ToUpper(args[0]) != "CREATE" {
		w.err("ERR only XGROUP CREATE is supported")
		return
	}
	key, name := args[1], args[2]
	mkstream := len(args) > 4 && strings.ToUpper(args[4]) == "MKSTREAM"

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok && !mkstream {
		w.err("ERR The XGROUP subcommand requires the key to exist.")
		return
	}
	st = s.streamLocked(key)
	if _, exists := st.groups[name]; exists {
		w.err("BUSYGROUP Consumer Group name already exists")
		return
	}
	// "$" starts after the current tail; anything else replays from the start.
	next := 0
	if args[3] == "$" {
		next = len(st.entries)
	}
	st.groups[name] = &group{next: next, pending: make(map[string]struct{})}
	w.simple("OK")
}

// xreadgroup handles GROUP g c [COUNT n] [BLOCK ms] [NOACK] STREAMS key >.
func (s *Server) xreadgroup(w *respWriter, args []string) {
	var groupName, key string
	count, block := 0, -1
	for i := 0; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				w.err("ERR syntax error")
				return
			}
			groupName = args[i+1]
			i += 2
		case "COUNT":
			if i+1 < len(args) {
				count, _ = strconv.Atoi(args[i+1])
			}
			i++
		case "BLOCK":
			if i+1 < len(args) {
				block, _ = strconv.Atoi(args[i+1])
			}
			i++
		case "NOACK":
		case "STREAMS":
			if i+2 >= len(args) {
				w.err("ERR syntax error")
				return
			}
			key = args[i+1]
			i = len(args)
		}
	}
	if groupName == "" || key == "" {
		w.err("ERR syntax error")
		return
	}

	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(time.Duration(block) * time.Millisecond)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		s.mu.Lock()
		st, ok := s.streams[key]
		var g *group
		if ok {
			g = st.groups[groupName]
		}
		if g == nil {
			s.mu.Unlock()
			w.err("NOGROUP No such key or consumer group")
			return
		}
		if g.next < len(st.entries) {
			end := len(st.entries)
			if count > 0 && g.next+count < end {
				end = g.next + count
			}
			batch := st.entries[g.next:end]
			g.next = end
			for _, e := range batch {
				g.pending[e.id] = struct{}{}
			}
			s.mu.Unlock()
			w.streamReply(key, batch)
			return
		}
		wake := s.wake
		s.mu.Unlock()

		if block < 0 {
			w.nilArray()
			return
		}
		select {
		case <-wake:
		case <-deadline:
			w.nilArray()
			return
		case <-s.closed:
			w.nilArray()
			return
		}
	}
}

func (s *Server) xack(w *respWriter, args []string) {
	if len(args) < 3 {
		w.err("ERR wrong number of arguments for 'xack' command")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := 0
	if st, ok := s.streams[args[0]]; ok {
		if g, ok := st.groups[args[1]]; ok {
			for _, id := range args[2:] {
				if _, pending := g.pending[id]; pending {
					delete(g.pending, id)
					acked++
				}
			}
		}
	}
	w.integer(int64(acked))
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("unexpected request %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(header) == 0 || header[0] != '$' {
			return nil, fmt.Errorf("unexpected argument header %q", header)
		}
		size, err := strconv.Atoi(header[1:])
		if err != nil || size < 0 {
			return nil, errors.New("invalid bulk length")
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

type respWriter struct {
	w      *bufio.Writer
	failed error
}

func (rw *respWriter) printf(format string, args ...any) {
	if rw.failed != nil {
		return
	}
	_, rw.failed = fmt.Fprintf(rw.w, format, args...)
}

func (rw *respWriter) simple(s string)   { rw.printf("+%s\r\n", s) }
func (rw *respWriter) err(msg string)    { rw.printf("-%s\r\n", msg) }
func (rw *respWriter) integer(n int64)   { rw.printf(":%d\r\n", n) }
func (rw *respWriter) bulk(s string)     { rw.printf("$%d\r\n%s\r\n", len(s), s) }
func (rw *respWriter) nilArray()         { rw.printf("*-1\r\n") }
func (rw *respWriter) arrayHeader(n int) { rw.printf("*%d\r\n", n) }

// streamReply writes [[key, [[id, [field, value...]]...]]].
func (rw *respWriter) streamReply(key string, entries []entry) {
	rw.arrayHeader(1)
	rw.arrayHeader(2)
	rw.bulk(key)
	rw.arrayHeader(len(entries))
	for _, e := range entries {
		rw.arrayHeader(2)
		rw.bulk(e.id)
		rw.arrayHeader(len(e.fields))
		for _, f := range e.fields {
			rw.bulk(f)
		}
	}
}

func (rw *respWriter) flush() error {
	if rw.failed != nil {
		return rw.failed
	}
	return rw.w.Flush()
}
