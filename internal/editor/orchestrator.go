// Package editor coordinates the lifecycle of the document currently
// open in the embedded editor: open, save, export, dispose. It owns the
// session state machine and guarantees that closing or replacing a
// session releases every resource the lower layers allocated for it.
package editor

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webdocs/emulator/internal/convert"
	"github.com/webdocs/emulator/internal/docerr"
	"github.com/webdocs/emulator/internal/metrics"
	"github.com/webdocs/emulator/internal/resource"
	"github.com/webdocs/emulator/internal/syncq"
	"github.com/webdocs/emulator/internal/transport"
)

// Frontend is the embedded editor GUI, reached only through the
// callbacks it was configured with. Both operations are optional in the
// GUI; implementations return an error when unsupported.
type Frontend interface {
	// DownloadAs asks the editor to natively produce its current bytes
	// in the given format.
	DownloadAs(ctx context.Context, format string) ([]byte, error)
	// Destroy tears the editor instance down.
	Destroy() error
}

// OpenInput describes the document to open. Data may carry the source
// bytes directly; otherwise they are fetched from URL.
type OpenInput struct {
	URL    string
	Data   []byte
	Format string
	Title  string
}

// Fetcher retrieves source bytes for a URL. The default uses an HTTP
// client with a request timeout.
type Fetcher func(ctx context.Context, url string) ([]byte, error)

type Options struct {
	Engine    convert.Engine
	Resources *resource.Store
	Frontend  Frontend
	Fetch     Fetcher
	Metrics   *metrics.Metrics
	// SaveTimeout bounds each DownloadAs attempt. Zero means no bound.
	SaveTimeout time.Duration
}

// Orchestrator sequences open -> ready -> {saving|exporting} -> ready
// transitions and enforces at most one active session.
type Orchestrator struct {
	machine   *Machine
	engine    convert.Engine
	resources *resource.Store
	frontend  Frontend
	fetch     Fetcher
	metrics   *metrics.Metrics
	timeout   time.Duration

	// opGate serializes lifecycle operations; two logically concurrent
	// requests interleave across suspension points otherwise.
	opGate syncq.Mutex

	curMu   sync.RWMutex
	current *Session // at most one; replaced only under opGate
}

func New(opts Options) *Orchestrator {
	fetch := opts.Fetch
	if fetch == nil {
		fetch = defaultFetch
	}
	return &Orchestrator{
		machine:   NewMachine(),
		engine:    opts.Engine,
		resources: opts.Resources,
		frontend:  opts.Frontend,
		fetch:     fetch,
		metrics:   opts.Metrics,
		timeout:   opts.SaveTimeout,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.machine.State() }

// Subscribe registers a transition listener.
func (o *Orchestrator) Subscribe(l Listener) { o.machine.Subscribe(l) }

// Current returns the active session, nil when none is open. It does
// not take the operation gate, so lookups from the interception layer
// cannot deadlock against an in-flight save.
func (o *Orchestrator) Current() *Session {
	o.curMu.RLock()
	defer o.curMu.RUnlock()
	return o.current
}

// Lookup finds the active session by any of its aliases.
func (o *Orchestrator) Lookup(id string) (*Session, bool) {
	s := o.Current()
	if s == nil || !s.hasAlias(id) {
		return nil, false
	}
	return s, true
}

// Assets implements transport.AssetSource.
func (o *Orchestrator) Assets(docID string) (*transport.DocumentAssets, bool) {
	s, ok := o.Lookup(docID)
	if !ok {
		return nil, false
	}
	return s.Assets(), true
}

// Open converts input through the external engine and makes the result
// the current session. Legal only from idle, ready, or error. A session
// already current is fully closed before the new one is created, so a
// failed open leaves no partially-registered resources behind.
func (o *Orchestrator) Open(ctx context.Context, input OpenInput) (*Session, error) {
	if err := o.opGate.Lock(ctx); err != nil {
		return nil, err
	}
	defer o.opGate.Unlock()

	switch o.machine.State() {
	case Idle, Ready, Errored:
	default:
		return nil, docerr.Op("editor.Open", docerr.ErrInvalidOperation,
			fmt.Errorf("open from %s", o.machine.State()))
	}
	if err := o.machine.Transition(Loading); err != nil {
		return nil, err
	}

	o.closeCurrent()

	sess, err := o.load(ctx, input)
	if err != nil {
		o.machine.Transition(Errored)
		return nil, err
	}

	o.curMu.Lock()
	o.current = sess
	o.curMu.Unlock()
	if o.metrics != nil {
		o.metrics.Opens.Inc()
		o.metrics.OpenSessions.Set(1)
		o.metrics.CacheBytes.Set(float64(o.resources.TotalSize()))
	}
	if err := o.machine.Transition(Ready); err != nil {
		return nil, err
	}
	return sess, nil
}

func (o *Orchestrator) load(ctx context.Context, input OpenInput) (*Session, error) {
	src := input.Data
	if src == nil {
		if input.URL == "" {
			return nil, docerr.Op("editor.Open", docerr.ErrInvalidOperation,
				fmt.Errorf("neither source bytes nor a URL given"))
		}
		fetched, err := o.fetch(ctx, input.URL)
		if err != nil {
			return nil, docerr.Op("editor.Open", docerr.ErrNetwork, err)
		}
		src = fetched
	}

	format := NormalizeFormat(input.Format)
	if format == "" {
		format = inferFormat(input.URL, input.Title)
	}

	res, err := o.engine.ToInternal(ctx, src, format)
	if err != nil {
		if o.metrics != nil {
			o.metrics.ConversionFailures.Inc()
		}
		return nil, docerr.Op("editor.Open", docerr.ErrConversionFailed, err)
	}

	id := uuid.NewString()
	ledger := o.resources.NewLedger(id)
	sess := &Session{
		ID:           id,
		NativeFormat: format,
		SourceURL:    input.URL,
		Title:        input.Title,
		sourceBytes:  src,
		mediaURLs:    make(map[string]string, len(res.Media)),
		downloads:    map[string]string{},
		aliases:      map[string]struct{}{id: {}},
		ledger:       ledger,
	}
	if input.URL != "" {
		sess.aliases[input.URL] = struct{}{}
	}
	if input.Title != "" {
		sess.aliases[input.Title] = struct{}{}
	}

	if err := o.register(sess, res, src, format); err != nil {
		ledger.Dispose()
		return nil, err
	}
	return sess, nil
}

func (o *Orchestrator) register(sess *Session, res *convert.Result, src []byte, format string) error {
	u, err := sess.ledger.RegisterMedia("document.bin", res.Internal)
	if err != nil {
		return docerr.Op("editor.Open", docerr.ErrInvalidOperation, err)
	}
	sess.binaryURL = u

	if format != "" {
		u, err = sess.ledger.RegisterMedia("origin."+format, src)
		if err != nil {
			return docerr.Op("editor.Open", docerr.ErrInvalidOperation, err)
		}
		sess.originURL = u
	}

	for name, data := range res.Media {
		mu, err := sess.ledger.RegisterMedia(name, data)
		if err != nil {
			log.Printf("editor: media %q skipped: %v", name, err)
			continue
		}
		sess.mediaURLs[name] = mu
	}
	return nil
}

// Save produces the document's current bytes. Legal only from ready.
// It tries the frontend's native download first, then the last bytes
// obtained that way, then the originally-opened source, and finally
// returns an explicitly empty buffer: save always yields something the
// caller can persist, and always returns to ready.
func (o *Orchestrator) Save(ctx context.Context) ([]byte, error) {
	if err := o.opGate.Lock(ctx); err != nil {
		return nil, err
	}
	defer o.opGate.Unlock()

	if o.machine.State() != Ready {
		return nil, docerr.Op("editor.Save", docerr.ErrInvalidOperation,
			fmt.Errorf("save from %s", o.machine.State()))
	}
	sess := o.Current()
	if sess == nil {
		return nil, docerr.Op("editor.Save", docerr.ErrNoSession, nil)
	}
	if err := o.machine.Transition(Saving); err != nil {
		return nil, err
	}

	data := o.saveBytes(ctx, sess)
	if o.metrics != nil {
		o.metrics.Saves.Inc()
	}
	o.machine.Transition(Ready)
	return data, nil
}

func (o *Orchestrator) saveBytes(ctx context.Context, sess *Session) []byte {
	if data, err := o.downloadAs(ctx, sess.NativeFormat); err == nil {
		sess.setLastDownloaded(data)
		return data
	} else if err != errNoFrontend {
		log.Printf("editor: native download failed, falling back: %v", err)
	}

	last, source := sess.fallbackBytes()
	if last != nil {
		return last
	}
	if source != nil {
		return source
	}
	if sess.SourceURL != "" {
		if data, err := o.fetch(ctx, sess.SourceURL); err == nil {
			return data
		} else {
			log.Printf("editor: source refetch failed: %v", err)
		}
	}
	return []byte{}
}

// Export produces the document in the requested format. Legal only from
// ready. A request for the native format behaves like Save; otherwise
// the frontend is asked to natively produce the format, with the
// external engine converting the most recent save as the fallback.
func (o *Orchestrator) Export(ctx context.Context, format string) ([]byte, error) {
	if err := o.opGate.Lock(ctx); err != nil {
		return nil, err
	}
	defer o.opGate.Unlock()

	if o.machine.State() != Ready {
		return nil, docerr.Op("editor.Export", docerr.ErrInvalidOperation,
			fmt.Errorf("export from %s", o.machine.State()))
	}
	sess := o.Current()
	if sess == nil {
		return nil, docerr.Op("editor.Export", docerr.ErrNoSession, nil)
	}
	if err := o.machine.Transition(Exporting); err != nil {
		return nil, err
	}

	format = NormalizeFormat(format)
	if format == "" || format == NormalizeFormat(sess.NativeFormat) {
		data := o.saveBytes(ctx, sess)
		if o.metrics != nil {
			o.metrics.Exports.Inc()
		}
		o.machine.Transition(Ready)
		return data, nil
	}

	// Exactly one native-download attempt before the engine fallback.
	if data, err := o.downloadAs(ctx, format); err == nil {
		if o.metrics != nil {
			o.metrics.Exports.Inc()
		}
		o.machine.Transition(Ready)
		return data, nil
	} else if err != errNoFrontend {
		log.Printf("editor: native export to %s denied, converting instead: %v", format, err)
	}

	src := o.exportFallbackSource(ctx, sess)
	data, err := o.engine.FromInternal(ctx, src, format)
	if err != nil {
		if o.metrics != nil {
			o.metrics.ConversionFailures.Inc()
		}
		o.machine.Transition(Errored)
		return nil, docerr.Op("editor.Export", docerr.ErrConversionFailed, err)
	}
	if o.metrics != nil {
		o.metrics.Exports.Inc()
	}
	o.machine.Transition(Ready)
	return data, nil
}

// exportFallbackSource picks the bytes to convert when the frontend
// cannot export natively: the most recent save, else the source.
func (o *Orchestrator) exportFallbackSource(ctx context.Context, sess *Session) []byte {
	last, source := sess.fallbackBytes()
	if last != nil {
		return last
	}
	if source != nil {
		return source
	}
	if sess.SourceURL != "" {
		if data, err := o.fetch(ctx, sess.SourceURL); err == nil {
			return data
		}
	}
	return []byte{}
}

// Dispose closes the current session and releases every owned
// sub-component. Legal from any state; idempotent.
func (o *Orchestrator) Dispose() {
	if err := o.opGate.Lock(context.Background()); err != nil {
		return
	}
	defer o.opGate.Unlock()

	if o.machine.State() == Disposed {
		return
	}
	o.closeCurrent()
	if o.frontend != nil {
		if err := o.frontend.Destroy(); err != nil {
			log.Printf("editor: frontend destroy: %v", err)
		}
	}
	o.machine.Transition(Disposed)
}

func (o *Orchestrator) closeCurrent() {
	o.curMu.Lock()
	sess := o.current
	o.current = nil
	o.curMu.Unlock()
	if sess == nil {
		return
	}
	sess.close()
	if o.metrics != nil {
		o.metrics.OpenSessions.Set(0)
		o.metrics.CacheBytes.Set(float64(o.resources.TotalSize()))
	}
}

var errNoFrontend = fmt.Errorf("no frontend attached")

// downloadAs invokes the frontend's native download under the save
// timeout. The timer is cancelled as soon as the call completes so it
// cannot fire against reused state.
func (o *Orchestrator) downloadAs(ctx context.Context, format string) ([]byte, error) {
	if o.frontend == nil {
		return nil, errNoFrontend
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	data, err := o.frontend.DownloadAs(ctx, format)
	if err != nil {
		return nil, docerr.Op("editor.downloadAs", docerr.ErrDownloadFailed, err)
	}
	return data, nil
}

func inferFormat(url, title string) string {
	for _, s := range []string{url, title} {
		if ext := NormalizeFormat(path.Ext(s)); ext != "" {
			return ext
		}
	}
	return ""
}

var defaultClient = &http.Client{Timeout: 30 * time.Second}

func defaultFetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := defaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
