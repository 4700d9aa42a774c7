package intercept

import (
	"encoding/json"
	"path"
	"strings"

	"github.com/webdocs/emulator/internal/savesess"
)

// Command names carried in the cmd parameter.
const (
	cmdSave    = "save"
	cmdPathURL = "pathurl"
)

// SaveCommand is the JSON command object the editor packs into the cmd
// query parameter of its save and download calls.
type SaveCommand struct {
	C        string `json:"c"`
	ID       string `json:"id"`
	Key      string `json:"key"`
	DocID    string `json:"docId"`
	SaveType *int   `json:"savetype"`
	// OutputFormat, FileType, and Title all hint at the target
	// extension; the first that yields one wins.
	OutputFormat string `json:"outputformat"`
	FileType     string `json:"filetype"`
	Title        string `json:"title"`
	// SaveKey correlates the chunks of one multi-part save.
	SaveKey string `json:"savekey"`
}

// parseCommand decodes raw. A second return of false means the payload
// was not a usable command and should be ignored.
func parseCommand(raw string) (SaveCommand, bool) {
	if raw == "" {
		return SaveCommand{}, false
	}
	var cmd SaveCommand
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		return SaveCommand{}, false
	}
	return cmd, true
}

// DocumentID picks the document identifier: id, key, docId — first
// non-empty wins.
func (c SaveCommand) DocumentID() string {
	for _, id := range []string{c.ID, c.Key, c.DocID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// Position maps savetype to the chunk position. Absent or out-of-range
// values mean a single-chunk save.
func (c SaveCommand) Position() savesess.Position {
	if c.SaveType == nil {
		return savesess.Single
	}
	switch p := savesess.Position(*c.SaveType); p {
	case savesess.First, savesess.Middle, savesess.Last, savesess.Single:
		return p
	}
	return savesess.Single
}

// TargetFormat infers the requested output extension from outputformat,
// filetype, or the title's extension, normalized to lower case without
// the dot. Empty when the command names no format at all.
func (c SaveCommand) TargetFormat() string {
	for _, f := range []string{c.OutputFormat, c.FileType} {
		if f = normalizeExt(f); f != "" {
			return f
		}
	}
	return normalizeExt(path.Ext(c.Title))
}

// ChunkKey correlates chunks: the savekey when present, else the
// document identifier.
func (c SaveCommand) ChunkKey() string {
	if c.SaveKey != "" {
		return c.SaveKey
	}
	return c.DocumentID()
}

func normalizeExt(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))
}
