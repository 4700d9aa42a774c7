// Package transport emulates the collaboration server end of the
// editor's bidirectional channel. A Handle answers every message type
// the editor's handshake, lock, and save protocol requires, without any
// backend behind it: capability is always granted, locks are granted and
// released immediately, and saved change lists only advance a counter.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/webdocs/emulator/internal/syncq"
)

var (
	errClosed   = errors.New("transport: handle closed")
	errSendFull = errors.New("transport: send buffer full")
)

// ServerBuild is the build metadata announced to the editor on auth.
var ServerBuild = BuildInfo{Version: "8.1.0", Build: "local-emulator"}

// AssetSource resolves a document identifier to the URLs manufactured
// for it. Implemented by the session orchestrator.
type AssetSource interface {
	Assets(docID string) (*DocumentAssets, bool)
}

// Registrar receives the handle under every identifier of an
// authenticated open command. Implemented by the weak session registry.
type Registrar interface {
	Register(id string, h *Handle)
}

// DocumentAssets is the set of resolvable URLs for one open document.
type DocumentAssets struct {
	SessionID string
	BinaryURL string
	OriginURL string
	OriginExt string
	// MediaURLs maps extracted media names (as produced by the
	// conversion engine) to their exposed URLs.
	MediaURLs map[string]string
}

// CanonicalBinaryName is the virtual filename of the editor-consumable
// binary representation.
const CanonicalBinaryName = "document.bin"

const sendBuffer = 64

// Handle is one emulated channel bound to one underlying connection.
// Its protocol state is implicit in which messages have been exchanged:
// construction is not-connected, Start enters connected, a successful
// auth makes it document-open.
type Handle struct {
	conn      Conn
	assets    AssetSource
	registrar Registrar

	send     chan []byte
	lockGate syncq.Mutex

	mu          sync.Mutex
	connected   bool
	closed      bool
	doc         *OpenCommand
	user        Participant
	sessionID   string
	locks       map[string]struct{}
	changeCount int

	closeOnce sync.Once
}

// NewHandle builds a handle. No goroutines start until Start, so an
// unstarted handle is freely collectable — the weak session registry
// depends on that.
func NewHandle(conn Conn, assets AssetSource, registrar Registrar) *Handle {
	return &Handle{
		conn:      conn,
		assets:    assets,
		registrar: registrar,
		send:      make(chan []byte, sendBuffer),
		locks:     make(map[string]struct{}),
	}
}

// Start enters the connected state, announces capability, and serves
// inbound traffic until the connection fails or Close is called. It
// blocks; run it on its own goroutine.
func (h *Handle) Start() {
	h.mu.Lock()
	h.connected = true
	h.mu.Unlock()

	go h.writePump()

	// Capability is always granted; there is no license backend to ask.
	h.emit(LicenseMessage{Type: MsgLicense, CanEdit: true, CanCoauthor: true})

	for {
		data, err := h.conn.ReadMessage()
		if err != nil {
			h.Close()
			return
		}
		h.dispatch(data)
	}
}

func (h *Handle) writePump() {
	defer h.conn.Close()
	for msg := range h.send {
		if err := h.conn.WriteMessage(msg); err != nil {
			return
		}
	}
}

func (h *Handle) dispatch(data []byte) {
	switch cmd := decodeInbound(data).(type) {
	case authCommand:
		h.handleAuth(cmd)
	case resolveImagesCommand:
		h.handleResolveImages(cmd)
	case lockCommand:
		h.handleLock(cmd)
	case unlockCommand:
		h.handleUnlock()
	case saveChangesCommand:
		h.handleSaveChanges(cmd)
	case ignoreCommand:
		// Approximating a protocol, not validating one.
	}
}

func (h *Handle) handleAuth(cmd authCommand) {
	ids := cmd.Doc.Identifiers()
	if len(ids) == 0 {
		return
	}

	h.mu.Lock()
	doc := cmd.Doc
	h.doc = &doc
	h.user = cmd.User
	h.sessionID = uuid.NewString()
	sessionID := h.sessionID
	h.mu.Unlock()

	// A later save or lock message may address this document by any of
	// its identifiers; register the handle under all of them.
	if h.registrar != nil {
		for _, id := range ids {
			h.registrar.Register(id, h)
		}
	}

	participants := []Participant{cmd.User}
	if participants[0].ID == "" {
		participants = nil
	}
	h.emit(AuthAcceptedMessage{
		Type:         MsgAuthAccepted,
		SessionID:    sessionID,
		Participants: participants,
		Server:       ServerBuild,
	})
	h.emit(PendingChangesMessage{Type: MsgPendingChanges, Changes: []json.RawMessage{}})

	assets := h.lookupAssets(ids)
	if assets == nil {
		log.Printf("transport: no assets for document %q, editor will wait", ids[0])
		return
	}
	h.emit(DocumentOpenedMessage{Type: MsgDocumentOpened, Files: virtualFiles(assets)})
}

// virtualFiles maps every well-known virtual filename to its URL. Every
// path spelling the editor might use — with or without the media folder
// prefix, with or without a leading relative marker — resolves to the
// same resource.
func virtualFiles(a *DocumentAssets) map[string]string {
	files := map[string]string{
		CanonicalBinaryName: a.BinaryURL,
	}
	if a.OriginURL != "" && a.OriginExt != "" {
		files["origin."+a.OriginExt] = a.OriginURL
	}
	for name, u := range a.MediaURLs {
		for _, variant := range pathVariants(name) {
			files[variant] = u
		}
	}
	return files
}

// pathVariants returns every accepted spelling of a media path.
func pathVariants(name string) []string {
	base := strings.TrimPrefix(name, "./")
	bare := strings.TrimPrefix(base, "media/")
	return []string{
		bare,
		"media/" + bare,
		"./" + bare,
		"./media/" + bare,
	}
}

func (h *Handle) handleResolveImages(cmd resolveImagesCommand) {
	h.mu.Lock()
	doc := h.doc
	h.mu.Unlock()

	var assets *DocumentAssets
	if doc != nil {
		assets = h.lookupAssets(doc.Identifiers())
	}

	images := make([]ResolvedImage, 0, len(cmd.Paths))
	for _, p := range cmd.Paths {
		images = append(images, ResolvedImage{URL: resolveImage(assets, p), Path: p})
	}
	h.emit(ImagesResolvedMessage{Type: MsgImagesResolved, Images: images})
}

// resolveImage tries the raw path first, then normalized spellings, and
// returns nil for anything unresolved. Unresolved is an answer here, not
// an error.
func resolveImage(assets *DocumentAssets, p string) *string {
	if assets == nil {
		return nil
	}
	candidates := []string{p}
	candidates = append(candidates, pathVariants(p)...)
	for _, c := range candidates {
		if u, ok := assets.MediaURLs[c]; ok {
			return &u
		}
		// Media names are stored as produced by the engine; try their
		// bare form against the normalized candidate.
		for name, u := range assets.MediaURLs {
			if strings.TrimPrefix(strings.TrimPrefix(name, "./"), "media/") == strings.TrimPrefix(strings.TrimPrefix(c, "./"), "media/") {
				return &u
			}
		}
	}
	return nil
}

// handleLock grants the requested locks and releases them immediately:
// without a real multi-user backend there is no contention to arbitrate,
// but the editor still expects both messages. The grant and release form
// one unit under the FIFO gate so two overlapping lock requests can
// never interleave their halves.
func (h *Handle) handleLock(cmd lockCommand) {
	if err := h.lockGate.Lock(context.Background()); err != nil {
		return
	}
	defer h.lockGate.Unlock()

	h.mu.Lock()
	for _, b := range cmd.Blocks {
		h.locks[b] = struct{}{}
	}
	h.mu.Unlock()

	h.emit(LocksAcquiredMessage{Type: MsgLocksAcquired, Blocks: cmd.Blocks, Granted: true})

	h.mu.Lock()
	for _, b := range cmd.Blocks {
		delete(h.locks, b)
	}
	h.mu.Unlock()

	h.emit(LocksReleasedMessage{Type: MsgLocksReleased, Blocks: cmd.Blocks})
}

func (h *Handle) handleUnlock() {
	h.mu.Lock()
	held := make([]string, 0, len(h.locks))
	for b := range h.locks {
		held = append(held, b)
	}
	h.locks = make(map[string]struct{})
	h.mu.Unlock()

	h.emit(LocksReleasedMessage{Type: MsgLocksReleased, Blocks: held})
}

func (h *Handle) handleSaveChanges(cmd saveChangesCommand) {
	h.mu.Lock()
	h.changeCount += len(cmd.Changes)
	count := h.changeCount
	h.mu.Unlock()

	h.emit(ChangesSavedMessage{Type: MsgChangesSaved, ChangeCount: count})
}

func (h *Handle) lookupAssets(ids []string) *DocumentAssets {
	if h.assets == nil {
		return nil
	}
	for _, id := range ids {
		if a, ok := h.assets.Assets(id); ok {
			return a
		}
	}
	return nil
}

// Emit marshals and queues a message for delivery. A full send buffer or
// a closed handle reports an error; it never blocks.
func (h *Handle) Emit(v any) error {
	return h.emit(v)
}

func (h *Handle) emit(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errClosed
	}
	select {
	case h.send <- data:
		return nil
	default:
		return errSendFull
	}
}

// Connected reports whether the handle is eligible for delivery.
func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected && !h.closed
}

// SessionID returns the id minted during auth, empty before auth.
func (h *Handle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// ChangeCount returns the running change counter.
func (h *Handle) ChangeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.changeCount
}

// Document returns a copy of the open command, nil before auth.
func (h *Handle) Document() *OpenCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doc == nil {
		return nil
	}
	doc := *h.doc
	return &doc
}

// Close announces disconnection once and removes the handle from
// delivery eligibility. Idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		data, _ := json.Marshal(DisconnectedMessage{Type: MsgDisconnected})
		h.mu.Lock()
		select {
		case h.send <- data:
		default:
		}
		h.closed = true
		h.connected = false
		close(h.send)
		h.mu.Unlock()
	})
	return nil
}
