package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/by6dx/rotator_bridge/pelco"
	"github.com/by6dx/rotator_bridge/rotator"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server exposes the controller status over HTTP and a websocket, and
// accepts manual commands on the websocket.
type Server struct {
	handle  rotator.Handler
	publish func(pelco.Status)

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     pelco.Status
	// version counts status updates so waiters can tell a new one arrived.
	version uint64
}

func NewServer(handle rotator.Handler) *Server {
	s := &Server{handle: handle}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/api/status", http.HandlerFunc(s.StatusHandler)).Methods(http.MethodGet)
	r.Handle("/api/ws", http.HandlerFunc(s.StatusSocketHandler))
	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(status)
	if err != nil {
		log.Print(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

type Command struct {
	Command   string  `json:"command"`
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
	Preset    byte    `json:"preset"`
}

func (s *Server) runCommand(msg Command) {
	var cmds []rotator.Command
	switch msg.Command {
	case "set_position":
		cmds = []rotator.Command{rotator.SetAzimuth(msg.Azimuth), rotator.SetElevation(msg.Elevation)}
	case "preset_call":
		cmds = []rotator.Command{rotator.CallPreset(msg.Preset)}
	case "preset_set":
		cmds = []rotator.Command{rotator.SavePreset(msg.Preset)}
	case "preset_clear":
		cmds = []rotator.Command{rotator.ClearPreset(msg.Preset)}
	default:
		log.Printf("status: unknown command %q", msg.Command)
		return
	}
	for _, cmd := range cmds {
		if res := s.handle(cmd); !res.Success {
			log.Printf("status: %v failed", cmd)
		}
	}
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.runCommand(msg)
		}
	}()
	// Wake the wait below when the client goes away.
	go func() {
		<-ctx.Done()
		s.statusMu.Lock()
		s.statusCond.Broadcast()
		s.statusMu.Unlock()
	}()

	send := func(status pelco.Status) bool {
		data, err := json.Marshal(status)
		if err != nil {
			log.Print(err)
			return false
		}
		conn.SetWriteDeadline(time.Now().Add(15 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Print(err)
			return false
		}
		return true
	}

	s.statusMu.RLock()
	status, seen := s.status, s.version
	s.statusMu.RUnlock()
	if !send(status) {
		return
	}
	for {
		s.statusMu.RLock()
		for s.version == seen && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		status, seen = s.status, s.version
		s.statusMu.RUnlock()
		if ctx.Err() != nil || !send(status) {
			return
		}
	}
}

func (s *Server) statusCallback(status pelco.Status) {
	s.statusMu.Lock()
	s.status = status
	s.version++
	s.statusCond.Broadcast()
	s.statusMu.Unlock()
	if s.publish != nil {
		s.publish(status)
	}
}
