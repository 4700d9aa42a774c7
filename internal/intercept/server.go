// Package intercept answers the editor's save and download traffic
// locally. It owns the HTTP surface of the emulator: the websocket the
// editor treats as its collaboration socket, the /downloadas/ and
// /savefile/ command endpoints, and the resource URLs minted for each
// session.
package intercept

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/webdocs/emulator/internal/convert"
	"github.com/webdocs/emulator/internal/editor"
	"github.com/webdocs/emulator/internal/health"
	"github.com/webdocs/emulator/internal/metrics"
	"github.com/webdocs/emulator/internal/registry"
	"github.com/webdocs/emulator/internal/resource"
	"github.com/webdocs/emulator/internal/savesess"
	"github.com/webdocs/emulator/internal/transport"
)

type Options struct {
	Editor    *editor.Orchestrator
	Chunks    *savesess.Reassembler
	Engine    convert.Engine
	Registry  *registry.Registry
	Resources *resource.Store
	Health    *health.Checker
	Metrics   *metrics.Metrics

	// AuthToken, when set, gates every route. Clients present it as
	// ?token=, a bearer header, or X-Webdocs-Token.
	AuthToken string
	// AllowedOrigins restricts websocket upgrades; empty allows all.
	AllowedOrigins []string
}

// Server routes intercepted calls to the owning subsystem.
type Server struct {
	editor    *editor.Orchestrator
	chunks    *savesess.Reassembler
	engine    convert.Engine
	registry  *registry.Registry
	resources *resource.Store
	health    *health.Checker
	metrics   *metrics.Metrics

	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	installMu sync.Mutex
	installed bool
}

func NewServer(opts Options) *Server {
	s := &Server{
		editor:         opts.Editor,
		chunks:         opts.Chunks,
		engine:         opts.Engine,
		registry:       opts.Registry,
		resources:      opts.Resources,
		health:         opts.Health,
		metrics:        opts.Metrics,
		authToken:      opts.AuthToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}
	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	return s
}

// Install registers the server's routes on mux exactly once per server.
// A second Install for the same server is a no-op, so the embedding code
// can call it unconditionally. State lives on the Server so that no mux
// is retained past its own lifetime.
func Install(mux *http.ServeMux, s *Server) {
	s.installMu.Lock()
	defer s.installMu.Unlock()
	if s.installed {
		return
	}
	s.installed = true
	s.setupRoutes(mux)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/doc/ws", s.handleWS)
	mux.HandleFunc("/downloadas/", s.handleCommand)
	mux.HandleFunc("/savefile/", s.handleCommand)
	if s.resources != nil {
		mux.Handle("/resources/", s.resources)
	}
	if s.health != nil {
		mux.Handle("/api/health", s.health)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("intercept: ws upgrade: %v", err)
		return
	}

	log.Printf("intercept: editor channel connected: %s", r.RemoteAddr)
	h := transport.NewHandle(transport.NewWSConn(conn), s.editor, s.registry)
	go func() {
		if s.metrics != nil {
			s.metrics.LiveHandles.Inc()
		}
		h.Start()
		if s.metrics != nil {
			s.metrics.LiveHandles.Dec()
		}
		log.Printf("intercept: editor channel closed: %s", r.RemoteAddr)
	}()
}

// reply is the body shape of every intercepted command response.
type reply struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Data     string `json:"data,omitempty"`
	FileType string `json:"filetype,omitempty"`
}

func writeReply(w http.ResponseWriter, rep reply) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		log.Printf("intercept: encode reply: %v", err)
	}
}

// handleCommand serves /downloadas/ and /savefile/. Both carry a cmd
// parameter holding the JSON command; the emulator is liberal about
// traffic it does not understand and acknowledges it instead of
// erroring.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	raw := r.URL.Query().Get("cmd")
	if raw == "" {
		raw = r.FormValue("cmd")
	}
	cmd, ok := parseCommand(raw)
	if !ok {
		writeReply(w, reply{Status: "ok"})
		return
	}

	switch cmd.C {
	case cmdSave:
		s.handleSave(w, r, cmd)
	case cmdPathURL:
		s.handlePathURL(w, cmd)
	default:
		writeReply(w, reply{Type: cmd.C, Status: "ok"})
	}
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, cmd SaveCommand) {
	sess, ok := s.editor.Lookup(cmd.DocumentID())
	if !ok {
		log.Printf("intercept: save for unknown document %q", cmd.DocumentID())
		writeReply(w, reply{Type: cmdSave, Status: "err"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeReply(w, reply{Type: cmdSave, Status: "err"})
		return
	}

	full, complete, err := s.chunks.HandleChunk(cmd.ChunkKey(), body, cmd.Position())
	if err != nil {
		log.Printf("intercept: chunk %s for %q: %v", cmd.Position(), cmd.ChunkKey(), err)
		writeReply(w, reply{Type: cmdSave, Status: "err"})
		return
	}
	if !complete {
		// Partial ack; the editor keeps streaming chunks.
		writeReply(w, reply{Type: cmdSave, Status: "ok"})
		return
	}

	target := cmd.TargetFormat()
	if target == "" {
		target = editor.NormalizeFormat(sess.NativeFormat)
	}

	out, err := s.engine.FromInternal(r.Context(), full, target)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ConversionFailures.Inc()
		}
		log.Printf("intercept: save conversion to %s: %v", target, err)
		writeReply(w, reply{Type: cmdSave, Status: "err"})
		return
	}

	name := downloadName(cmd, target)
	u, err := sess.RegisterDownload(name, out)
	if err != nil {
		log.Printf("intercept: register download %q: %v", name, err)
		writeReply(w, reply{Type: cmdSave, Status: "err"})
		return
	}

	if s.metrics != nil && s.resources != nil {
		s.metrics.CacheBytes.Set(float64(s.resources.TotalSize()))
	}
	writeReply(w, reply{Type: cmdSave, Status: "ok", Data: u, FileType: target})

	// The editor also expects the asynchronous completion push a real
	// server would send over the socket.
	s.notifySaved(sess, u, target)
}

func (s *Server) notifySaved(sess *editor.Session, url, fileType string) {
	if s.registry == nil {
		return
	}
	msg := transport.SaveCompletedMessage{
		Type:     transport.MsgSaveCompleted,
		URL:      url,
		FileType: fileType,
	}
	// The channel may be registered under any of the document's
	// identifiers, not necessarily the session id.
	for _, id := range sess.Aliases() {
		if s.registry.EmitToSession(id, msg) {
			return
		}
	}
	log.Printf("intercept: no live channel for session %s, save push dropped", sess.ID)
}

func (s *Server) handlePathURL(w http.ResponseWriter, cmd SaveCommand) {
	sess, ok := s.editor.Lookup(cmd.DocumentID())
	if !ok {
		writeReply(w, reply{Type: cmdPathURL, Status: "err"})
		return
	}
	name := cmd.Title
	if name == "" {
		writeReply(w, reply{Type: cmdPathURL, Status: "err"})
		return
	}
	u, ok := sess.DownloadURL(name)
	if !ok {
		writeReply(w, reply{Type: cmdPathURL, Status: "err"})
		return
	}
	writeReply(w, reply{Type: cmdPathURL, Status: "ok", Data: u, FileType: normalizeExt(path.Ext(name))})
}

// downloadName names the stored output for a completed save.
func downloadName(cmd SaveCommand, target string) string {
	if cmd.Title != "" {
		return cmd.Title
	}
	return fmt.Sprintf("%s.%s", cmd.ChunkKey(), target)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	if r.Header.Get("X-Webdocs-Token") == s.authToken {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}
	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}
