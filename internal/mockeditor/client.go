// Package mockeditor is a scripted stand-in for the real editor GUI. It
// dials the emulated collaboration socket, performs the auth handshake,
// and exercises the save endpoints the way the editor would. It drives
// the -mock demo mode and the end-to-end tests.
package mockeditor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webdocs/emulator/internal/savesess"
	"github.com/webdocs/emulator/internal/transport"
)

// Message is one inbound frame, kept raw so callers can decode the
// payload for the types they care about.
type Message struct {
	Type transport.MessageType
	Raw  json.RawMessage
}

// Client is one scripted editor connection.
type Client struct {
	baseURL string
	token   string
	conn    *websocket.Conn
	hc      *http.Client

	// ReadTimeout bounds each wait for an expected message.
	ReadTimeout time.Duration
}

// Dial connects to the emulator's editor socket at baseURL (an http://
// or https:// address).
func Dial(ctx context.Context, baseURL, token string) (*Client, error) {
	wsURL, err := socketURL(baseURL, token)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		token:       token,
		conn:        conn,
		hc:          &http.Client{Timeout: 30 * time.Second},
		ReadTimeout: 10 * time.Second,
	}, nil
}

func socketURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("base url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/doc/ws"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Next reads the next frame.
func (c *Client) Next() (Message, error) {
	if c.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	var env struct {
		Type transport.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("frame %q: %w", data, err)
	}
	return Message{Type: env.Type, Raw: data}, nil
}

// Expect reads frames until one of the wanted type arrives, skipping
// everything else.
func (c *Client) Expect(want transport.MessageType) (Message, error) {
	for {
		msg, err := c.Next()
		if err != nil {
			return Message{}, fmt.Errorf("waiting for %s: %w", want, err)
		}
		if msg.Type == want {
			return msg, nil
		}
	}
}

// Auth performs the open-document handshake and waits for the synthetic
// server responses: authAccepted, pendingChanges, then documentOpened.
// It returns the virtual file map from the documentOpened payload.
func (c *Client) Auth(doc transport.OpenCommand, user transport.Participant) (map[string]string, error) {
	err := c.send(struct {
		Type transport.MessageType `json:"type"`
		Doc  transport.OpenCommand `json:"doc"`
		User transport.Participant `json:"user"`
	}{transport.MsgAuth, doc, user})
	if err != nil {
		return nil, err
	}
	if _, err := c.Expect(transport.MsgAuthAccepted); err != nil {
		return nil, err
	}
	if _, err := c.Expect(transport.MsgPendingChanges); err != nil {
		return nil, err
	}
	opened, err := c.Expect(transport.MsgDocumentOpened)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Files map[string]string `json:"files"`
	}
	if err := json.Unmarshal(opened.Raw, &payload); err != nil {
		return nil, err
	}
	return payload.Files, nil
}

// ResolveImages asks for the URLs of the given virtual image paths.
func (c *Client) ResolveImages(paths []string) ([]transport.ResolvedImage, error) {
	err := c.send(struct {
		Type  transport.MessageType `json:"type"`
		Paths []string              `json:"paths"`
	}{transport.MsgResolveImages, paths})
	if err != nil {
		return nil, err
	}
	msg, err := c.Expect(transport.MsgImagesResolved)
	if err != nil {
		return nil, err
	}
	var payload transport.ImagesResolvedMessage
	if err := json.Unmarshal(msg.Raw, &payload); err != nil {
		return nil, err
	}
	return payload.Images, nil
}

// LockUnlock runs one acquire/release round and returns whether the
// lock was granted.
func (c *Client) LockUnlock(blocks []string) (bool, error) {
	err := c.send(struct {
		Type   transport.MessageType `json:"type"`
		Blocks []string              `json:"blocks"`
	}{transport.MsgLockBlocks, blocks})
	if err != nil {
		return false, err
	}
	acquired, err := c.Expect(transport.MsgLocksAcquired)
	if err != nil {
		return false, err
	}
	var payload transport.LocksAcquiredMessage
	if err := json.Unmarshal(acquired.Raw, &payload); err != nil {
		return false, err
	}
	if _, err := c.Expect(transport.MsgLocksReleased); err != nil {
		return false, err
	}
	return payload.Granted, nil
}

// SaveChanges reports a change list and returns the server's running
// change counter.
func (c *Client) SaveChanges(changes []string) (int, error) {
	raw := make([]json.RawMessage, len(changes))
	for i, ch := range changes {
		b, err := json.Marshal(ch)
		if err != nil {
			return 0, err
		}
		raw[i] = b
	}
	err := c.send(struct {
		Type    transport.MessageType `json:"type"`
		Changes []json.RawMessage     `json:"changes"`
	}{transport.MsgSaveChanges, raw})
	if err != nil {
		return 0, err
	}
	msg, err := c.Expect(transport.MsgChangesSaved)
	if err != nil {
		return 0, err
	}
	var payload transport.ChangesSavedMessage
	if err := json.Unmarshal(msg.Raw, &payload); err != nil {
		return 0, err
	}
	return payload.ChangeCount, nil
}

// commandReply mirrors the intercepted endpoint response body.
type commandReply struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Data     string `json:"data"`
	FileType string `json:"filetype"`
}

// SaveChunked uploads the given chunks as one correlated save and
// returns the download URL and file type from the completing reply. A
// single chunk is sent as a single-part save.
func (c *Client) SaveChunked(ctx context.Context, docID, saveKey, format string, chunks [][]byte) (url, fileType string, err error) {
	positions := func(i int) savesess.Position {
		switch {
		case len(chunks) == 1:
			return savesess.Single
		case i == 0:
			return savesess.First
		case i == len(chunks)-1:
			return savesess.Last
		default:
			return savesess.Middle
		}
	}

	var final commandReply
	for i, chunk := range chunks {
		rep, err := c.postSave(ctx, map[string]any{
			"c":            "save",
			"id":           docID,
			"savetype":     int(positions(i)),
			"outputformat": format,
			"savekey":      saveKey,
		}, chunk)
		if err != nil {
			return "", "", fmt.Errorf("chunk %d: %w", i, err)
		}
		if rep.Status != "ok" {
			return "", "", fmt.Errorf("chunk %d: status %q", i, rep.Status)
		}
		final = rep
	}
	if final.Data == "" {
		return "", "", fmt.Errorf("save completed without a download URL")
	}
	return final.Data, final.FileType, nil
}

func (c *Client) postSave(ctx context.Context, cmd map[string]any, body []byte) (commandReply, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return commandReply{}, err
	}
	target := fmt.Sprintf("%s/savefile/?cmd=%s", c.baseURL, url.QueryEscape(string(raw)))
	if c.token != "" {
		target += "&token=" + url.QueryEscape(c.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return commandReply{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return commandReply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return commandReply{}, fmt.Errorf("savefile: status %d", resp.StatusCode)
	}
	var rep commandReply
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return commandReply{}, err
	}
	return rep, nil
}

// Fetch retrieves an emulator-minted URL (resource or download).
func (c *Client) Fetch(ctx context.Context, u string) ([]byte, error) {
	if strings.HasPrefix(u, "/") {
		u = c.baseURL + u
	}
	if c.token != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "token=" + url.QueryEscape(c.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// RunDemo plays a full editor session against a running emulator: auth,
// image resolution, one lock round, a change report, and a chunked save
// with the completion push. docID must identify an open document.
func RunDemo(ctx context.Context, baseURL, token, docID string) error {
	client, err := Dial(ctx, baseURL, token)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.Expect(transport.MsgLicense); err != nil {
		return err
	}
	files, err := client.Auth(
		transport.OpenCommand{ID: docID, Format: "docx", Title: "demo.docx"},
		transport.Participant{ID: "demo-user", Name: "Demo User"},
	)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	log.Printf("mockeditor: document opened with %d virtual files", len(files))

	binaryURL, ok := files[transport.CanonicalBinaryName]
	if !ok {
		return fmt.Errorf("no %s in virtual file map", transport.CanonicalBinaryName)
	}
	if _, err := client.Fetch(ctx, binaryURL); err != nil {
		return fmt.Errorf("fetch binary: %w", err)
	}

	granted, err := client.LockUnlock([]string{"para-1", "para-2"})
	if err != nil {
		return fmt.Errorf("lock round: %w", err)
	}
	log.Printf("mockeditor: lock round done, granted=%v", granted)

	count, err := client.SaveChanges([]string{"insert:hello", "delete:world"})
	if err != nil {
		return fmt.Errorf("save changes: %w", err)
	}
	log.Printf("mockeditor: change counter at %d", count)

	downloadURL, fileType, err := client.SaveChunked(ctx, docID, "demo-save-1", "docx",
		[][]byte{[]byte("edited-"), []byte("document-"), []byte("bytes")})
	if err != nil {
		return fmt.Errorf("chunked save: %w", err)
	}
	log.Printf("mockeditor: save stored as %s (%s)", downloadURL, fileType)

	if _, err := client.Expect(transport.MsgSaveCompleted); err != nil {
		return fmt.Errorf("save completion push: %w", err)
	}
	data, err := client.Fetch(ctx, downloadURL)
	if err != nil {
		return fmt.Errorf("fetch save output: %w", err)
	}
	log.Printf("mockeditor: fetched %d saved bytes", len(data))
	return nil
}
