// Package health reports the emulator's runtime vitals: process memory,
// open sessions, cached resource bytes, and live transport handles. The
// report is served as JSON from /api/health.
package health

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSource exposes the resource store counters the report needs.
type ResourceSource interface {
	Len() int
	TotalSize() int64
}

// RegistrySource exposes the transport registry size.
type RegistrySource interface {
	Size() int
}

// ChunkSource exposes the number of in-flight chunked saves.
type ChunkSource interface {
	Len() int
}

// StateSource reports the editor lifecycle state as a string.
type StateSource func() string

type Options struct {
	Resources ResourceSource
	Registry  RegistrySource
	Chunks    ChunkSource
	State     StateSource
}

// Report is the JSON body of a health response. All fields are computed
// at request time.
type Report struct {
	Status        string    `json:"status"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
	StartedAt     time.Time `json:"startedAt"`
	PID           int       `json:"pid"`
	RSSBytes      uint64    `json:"rssBytes,omitempty"`

	EditorState   string `json:"editorState,omitempty"`
	LiveHandles   int    `json:"liveHandles"`
	LedgerCount   int    `json:"ledgerCount"`
	ResourceBytes int64  `json:"resourceBytes"`
	PendingSaves  int    `json:"pendingSaves"`
}

// Checker computes health reports. Safe for concurrent use; the process
// handle is created once and reused.
type Checker struct {
	opts    Options
	started time.Time

	procOnce sync.Once
	proc     *process.Process
}

func New(opts Options) *Checker {
	return &Checker{opts: opts, started: time.Now()}
}

// Report builds the current report. A process-stat failure degrades the
// memory fields rather than the whole response.
func (c *Checker) Report() Report {
	rep := Report{
		Status:        "ok",
		UptimeSeconds: time.Since(c.started).Seconds(),
		StartedAt:     c.started,
		PID:           os.Getpid(),
	}
	if rss, ok := c.rss(); ok {
		rep.RSSBytes = rss
	}
	if c.opts.State != nil {
		rep.EditorState = c.opts.State()
	}
	if c.opts.Registry != nil {
		rep.LiveHandles = c.opts.Registry.Size()
	}
	if c.opts.Resources != nil {
		rep.LedgerCount = c.opts.Resources.Len()
		rep.ResourceBytes = c.opts.Resources.TotalSize()
	}
	if c.opts.Chunks != nil {
		rep.PendingSaves = c.opts.Chunks.Len()
	}
	return rep
}

func (c *Checker) rss() (uint64, bool) {
	c.procOnce.Do(func() {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			log.Printf("health: process handle: %v", err)
			return
		}
		c.proc = p
	})
	if c.proc == nil {
		return 0, false
	}
	mem, err := c.proc.MemoryInfo()
	if err != nil {
		return 0, false
	}
	return mem.RSS, true
}

// ServeHTTP writes the report as JSON.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(c.Report()); err != nil {
		log.Printf("health: encode report: %v", err)
	}
}
