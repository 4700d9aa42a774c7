package editor

import (
	"strings"
	"sync"

	"github.com/webdocs/emulator/internal/resource"
	"github.com/webdocs/emulator/internal/transport"
)

// Session is one currently-open document and its derived resources.
type Session struct {
	ID           string
	NativeFormat string
	SourceURL    string
	Title        string

	mu             sync.Mutex
	sourceBytes    []byte
	lastDownloaded []byte            // most recent bytes obtained from the frontend
	mediaURLs      map[string]string // media name -> exposed URL
	binaryURL      string
	originURL      string
	downloads      map[string]string // pending download name -> URL
	aliases        map[string]struct{}
	ledger         *resource.Ledger
}

// Aliases returns every identifier the session answers to.
func (s *Session) Aliases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.aliases))
	for a := range s.aliases {
		out = append(out, a)
	}
	return out
}

func (s *Session) hasAlias(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.aliases[id]
	return ok
}

// Assets returns the URL map the transport hands the editor.
func (s *Session) Assets() *transport.DocumentAssets {
	s.mu.Lock()
	defer s.mu.Unlock()
	media := make(map[string]string, len(s.mediaURLs))
	for k, v := range s.mediaURLs {
		media[k] = v
	}
	return &transport.DocumentAssets{
		SessionID: s.ID,
		BinaryURL: s.binaryURL,
		OriginURL: s.originURL,
		OriginExt: s.NativeFormat,
		MediaURLs: media,
	}
}

// RegisterDownload stores converted save output under a download URL the
// editor can fetch. The URL is tracked by the session ledger and revoked
// with it.
func (s *Session) RegisterDownload(name string, data []byte) (string, error) {
	s.mu.Lock()
	ledger := s.ledger
	s.mu.Unlock()

	u, err := ledger.RegisterMedia("download/"+name, data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.downloads[name] = u
	s.mu.Unlock()
	return u, nil
}

// DownloadURL resolves a previously registered download name.
func (s *Session) DownloadURL(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.downloads[name]
	return u, ok
}

func (s *Session) setLastDownloaded(data []byte) {
	s.mu.Lock()
	s.lastDownloaded = data
	s.mu.Unlock()
}

func (s *Session) fallbackBytes() (last, source []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDownloaded, s.sourceBytes
}

// close disposes the session ledger, revoking every URL and media entry
// the session owns.
func (s *Session) close() {
	s.mu.Lock()
	ledger := s.ledger
	s.lastDownloaded = nil
	s.sourceBytes = nil
	s.downloads = map[string]string{}
	s.mediaURLs = map[string]string{}
	s.mu.Unlock()
	if ledger != nil {
		ledger.Dispose()
	}
}

// NormalizeFormat folds a format spelling to its canonical form: lower
// case, no leading dot. "PDF", ".pdf" and "pdf" are one format.
func NormalizeFormat(format string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
}
