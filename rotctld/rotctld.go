// Package rotctld serves the position subset of the hamlib rotctld text
// protocol and forwards every parsed command to a rotator.Handler.
package rotctld

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/by6dx/rotator_bridge/rotator"
	"github.com/google/uuid"
)

// MaxLine is the longest command accepted, including the newline.
const MaxLine = 80

type Config struct {
	// Addr is the host:port to listen on.
	Addr string
	// Compat takes whatever a single read returns as one command, newline
	// or not. Gpredict 2.2.1 drops the trailing newline on some platforms.
	Compat bool
}

type Server struct {
	cfg Config

	handlerMu sync.RWMutex
	handler   rotator.Handler

	mu         sync.Mutex
	ln         net.Listener
	closing    bool
	conns      map[net.Conn]struct{}
	clients    sync.WaitGroup
	acceptDone chan struct{}
}

func New(cfg Config) *Server {
	return &Server{
		cfg:   cfg,
		conns: make(map[net.Conn]struct{}),
	}
}

// SetRequestHandler installs the handler called for every command from
// every connection. It may be called concurrently.
func (s *Server) SetRequestHandler(h rotator.Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = h
}

func (s *Server) handle(cmd rotator.Command) rotator.Result {
	s.handlerMu.RLock()
	h := s.handler
	s.handlerMu.RUnlock()
	if h == nil {
		return rotator.Result{}
	}
	return h(cmd)
}

// Start listens on the configured address and accepts connections in the
// background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return errors.New("rotctld: server terminated")
	}
	if s.ln != nil {
		return errors.New("rotctld: server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", s.cfg.Addr, err)
	}
	log.Printf("rotctld: listening on %v", ln.Addr())
	s.ln = ln
	s.acceptDone = make(chan struct{})
	go s.accept(ln, s.acceptDone)
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) accept(ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("rotctld: failed to accept: %v", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		go func() {
			defer s.clients.Done()
			defer s.untrack(conn)
			s.serve(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.clients.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Terminate stops accepting, closes every client connection and waits
// for their goroutines to finish.
func (s *Server) Terminate() {
	s.mu.Lock()
	s.closing = true
	if s.ln != nil {
		log.Print("rotctld: shutdown; closing socket")
		s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.WaitForClose()
	s.clients.Wait()
}

// WaitForClose blocks until the accept loop has ended. It returns at once
// if the server was never started.
func (s *Server) WaitForClose() {
	s.mu.Lock()
	done := s.acceptDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	id := uuid.New()
	log.Printf("rotctld %v: accepted connection from %v", id, conn.RemoteAddr())
	var read func() (string, error)
	if s.cfg.Compat {
		buf := make([]byte, MaxLine)
		read = func() (string, error) {
			n, err := conn.Read(buf)
			if n == 0 {
				if err == nil {
					err = io.ErrNoProgress
				}
				return "", err
			}
			return string(buf[:n]), nil
		}
	} else {
		br := bufio.NewReaderSize(conn, MaxLine)
		read = func() (string, error) {
			line, err := br.ReadSlice('\n')
			if errors.Is(err, bufio.ErrBufferFull) {
				return "", fmt.Errorf("line longer than %d bytes", MaxLine)
			}
			return string(line), err
		}
	}
	for {
		line, err := read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("rotctld %v: reading from %v: %v", id, conn.RemoteAddr(), err)
			}
			break
		}
		reply, stop := s.dispatch(line)
		if reply != "" {
			if _, err := io.WriteString(conn, reply); err != nil {
				log.Printf("rotctld %v: writing to %v: %v", id, conn.RemoteAddr(), err)
				break
			}
		}
		if stop {
			break
		}
	}
	log.Printf("rotctld %v: client %v exited", id, conn.RemoteAddr())
}

// Long-form names of the supported commands.
var longForms = map[string]byte{
	"get_pos": 'p',
	"set_pos": 'P',
	"stop":    'S',
}

// dispatch runs one command line and returns the reply to write and
// whether the connection should be closed afterwards. Unknown commands get
// no reply.
func (s *Server) dispatch(line string) (reply string, stop bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", false
	}
	cmd, args := line[0], line[1:]
	if cmd == '\\' {
		name, rest, _ := strings.Cut(line[1:], " ")
		c, ok := longForms[name]
		if !ok {
			return "", false
		}
		cmd, args = c, rest
	}
	switch cmd {
	case 'p':
		az := s.handle(rotator.QueryAzimuth())
		el := s.handle(rotator.QueryElevation())
		return fmt.Sprintf("%.6f\n%.6f\n", az.Azimuth, el.Elevation), false
	case 'P':
		az, el, err := parsePosition(args)
		if err != nil {
			log.Printf("rotctld: bad set position %q: %v", line, err)
			return "RPRT -22\n", false
		}
		s.handle(rotator.SetAzimuth(az))
		s.handle(rotator.SetElevation(el))
		return "RET 0\n", false
	case 'S':
		return "RET 0\n", true
	}
	return "", false
}

func parsePosition(args string) (az, el float64, err error) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("want 2 arguments, got %d", len(fields))
	}
	if az, err = strconv.ParseFloat(fields[0], 64); err != nil {
		return 0, 0, err
	}
	if el, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return 0, 0, err
	}
	return az, el, nil
}
