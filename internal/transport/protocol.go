package transport

import "encoding/json"

type MessageType string

// Outbound message types.
const (
	MsgLicense        MessageType = "license"
	MsgAuthAccepted   MessageType = "authAccepted"
	MsgPendingChanges MessageType = "pendingChanges"
	MsgDocumentOpened MessageType = "documentOpened"
	MsgImagesResolved MessageType = "imagesResolved"
	MsgLocksAcquired  MessageType = "locksAcquired"
	MsgLocksReleased  MessageType = "locksReleased"
	MsgChangesSaved   MessageType = "changesSaved"
	MsgSaveCompleted  MessageType = "saveCompleted"
	MsgDisconnected   MessageType = "disconnected"
)

// Inbound message types.
const (
	MsgAuth          MessageType = "auth"
	MsgResolveImages MessageType = "resolveImages"
	MsgLockBlocks    MessageType = "lockBlocks"
	MsgUnlockBlocks  MessageType = "unlockBlocks"
	MsgSaveChanges   MessageType = "saveChanges"
)

type envelope struct {
	Type MessageType `json:"type"`
}

// OpenCommand is the document half of the auth handshake: every
// identifier the editor may later use to address this document.
type OpenCommand struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	DocID  string `json:"docId"`
	URL    string `json:"url"`
	Format string `json:"format"`
	Title  string `json:"title"`
}

// Identifiers returns the non-empty identifiers of the command, primary
// first. A save or lock message addressed by any of them must reach the
// handle that authenticated with this command.
func (c *OpenCommand) Identifiers() []string {
	var ids []string
	for _, id := range []string{c.ID, c.Key, c.DocID, c.URL} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// inbound command variants. Every inbound frame is normalized into
// exactly one of these before any handler runs; anything unparseable
// becomes ignoreCommand.
type (
	authCommand struct {
		Doc  OpenCommand `json:"doc"`
		User Participant `json:"user"`
	}
	resolveImagesCommand struct {
		Paths []string `json:"paths"`
	}
	lockCommand struct {
		Blocks []string `json:"blocks"`
	}
	unlockCommand struct{}
	saveChangesCommand struct {
		Changes []json.RawMessage `json:"changes"`
	}
	ignoreCommand struct{}
)

// decodeInbound parses a raw frame into one command variant. The
// emulator approximates a real protocol rather than validating one, so
// malformed or unrecognized traffic decodes to ignoreCommand instead of
// an error.
func decodeInbound(data []byte) any {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ignoreCommand{}
	}
	switch env.Type {
	case MsgAuth:
		var cmd authCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return ignoreCommand{}
		}
		return cmd
	case MsgResolveImages:
		var cmd resolveImagesCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return ignoreCommand{}
		}
		return cmd
	case MsgLockBlocks:
		var cmd lockCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return ignoreCommand{}
		}
		return cmd
	case MsgUnlockBlocks:
		return unlockCommand{}
	case MsgSaveChanges:
		var cmd saveChangesCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return ignoreCommand{}
		}
		return cmd
	default:
		return ignoreCommand{}
	}
}

// Outbound message shapes.

type LicenseMessage struct {
	Type          MessageType `json:"type"`
	CanEdit       bool        `json:"canEdit"`
	CanCoauthor   bool        `json:"canCoauthor"`
	LicenseExpiry string      `json:"licenseExpiry,omitempty"`
}

type BuildInfo struct {
	Version string `json:"version"`
	Build   string `json:"build"`
}

type AuthAcceptedMessage struct {
	Type         MessageType   `json:"type"`
	SessionID    string        `json:"sessionId"`
	Participants []Participant `json:"participants"`
	Server       BuildInfo     `json:"server"`
}

type PendingChangesMessage struct {
	Type    MessageType       `json:"type"`
	Changes []json.RawMessage `json:"changes"`
}

// DocumentOpenedMessage maps every virtual filename the editor may ask
// for to a concrete resolvable URL.
type DocumentOpenedMessage struct {
	Type  MessageType       `json:"type"`
	Files map[string]string `json:"files"`
}

type ResolvedImage struct {
	URL  *string `json:"url"`
	Path string  `json:"path"`
}

type ImagesResolvedMessage struct {
	Type   MessageType     `json:"type"`
	Images []ResolvedImage `json:"images"`
}

type LocksAcquiredMessage struct {
	Type    MessageType `json:"type"`
	Blocks  []string    `json:"blocks"`
	Granted bool        `json:"granted"`
}

type LocksReleasedMessage struct {
	Type   MessageType `json:"type"`
	Blocks []string    `json:"blocks"`
}

type ChangesSavedMessage struct {
	Type        MessageType `json:"type"`
	ChangeCount int         `json:"changeCount"`
}

// SaveCompletedMessage is pushed through the session registry when the
// interception layer finishes a chunked save, exactly as a real server
// would notify the editor asynchronously.
type SaveCompletedMessage struct {
	Type     MessageType `json:"type"`
	URL      string      `json:"url"`
	FileType string      `json:"filetype"`
}

type DisconnectedMessage struct {
	Type MessageType `json:"type"`
}
