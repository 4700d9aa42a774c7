package convert

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/webdocs/emulator/internal/docerr"
)

// ExecEngine runs the external converter binary. Each call operates on
// an isolated scratch directory that is reset beforehand, so state from
// a failed conversion can never bleed into the next one.
type ExecEngine struct {
	// Binary is the converter executable path.
	Binary string
	// ScratchDir is the working area, wiped before every call.
	ScratchDir string
}

func NewExecEngine(binary, scratchDir string) *ExecEngine {
	return &ExecEngine{Binary: binary, ScratchDir: scratchDir}
}

const mediaDirName = "media"

func (e *ExecEngine) ToInternal(ctx context.Context, src []byte, formatHint string) (*Result, error) {
	dir, err := e.resetScratch()
	if err != nil {
		return nil, docerr.Op("convert.ToInternal", docerr.ErrConversionFailed, err)
	}

	in := filepath.Join(dir, "input."+nonEmpty(formatHint, "bin"))
	out := filepath.Join(dir, "output.bin")
	mediaDir := filepath.Join(dir, mediaDirName)
	if err := os.WriteFile(in, src, 0o600); err != nil {
		return nil, docerr.Op("convert.ToInternal", docerr.ErrConversionFailed, err)
	}
	if err := os.MkdirAll(mediaDir, 0o700); err != nil {
		return nil, docerr.Op("convert.ToInternal", docerr.ErrConversionFailed, err)
	}

	if err := e.run(ctx, "--input", in, "--output", out, "--target-format", "bin", "--media-dir", mediaDir); err != nil {
		return nil, err
	}

	internal, err := os.ReadFile(out)
	if err != nil {
		return nil, docerr.Op("convert.ToInternal", docerr.ErrConversionFailed, err)
	}
	media, err := collectMedia(mediaDir)
	if err != nil {
		return nil, docerr.Op("convert.ToInternal", docerr.ErrConversionFailed, err)
	}
	return &Result{Internal: internal, Media: media}, nil
}

func (e *ExecEngine) FromInternal(ctx context.Context, src []byte, targetFormat string) ([]byte, error) {
	dir, err := e.resetScratch()
	if err != nil {
		return nil, docerr.Op("convert.FromInternal", docerr.ErrConversionFailed, err)
	}

	in := filepath.Join(dir, "input.bin")
	out := filepath.Join(dir, "output."+nonEmpty(targetFormat, "bin"))
	if err := os.WriteFile(in, src, 0o600); err != nil {
		return nil, docerr.Op("convert.FromInternal", docerr.ErrConversionFailed, err)
	}

	if err := e.run(ctx, "--input", in, "--output", out, "--target-format", nonEmpty(targetFormat, "bin")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, docerr.Op("convert.FromInternal", docerr.ErrConversionFailed, err)
	}
	return data, nil
}

// resetScratch wipes and recreates the scratch directory.
func (e *ExecEngine) resetScratch() (string, error) {
	dir := e.ScratchDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "webdocs-convert")
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// run executes the converter; a non-zero status is the engine's failure
// signal.
func (e *ExecEngine) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			err = fmt.Errorf("%w: %s", err, detail)
		}
		return docerr.Op("convert.run", docerr.ErrConversionFailed, err)
	}
	return nil
}

// collectMedia reads every file the converter dropped in the media dir,
// keyed by its path relative to the scratch dir ("media/...").
func collectMedia(mediaDir string) (map[string][]byte, error) {
	media := make(map[string][]byte)
	err := filepath.WalkDir(mediaDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(mediaDir), p)
		if err != nil {
			return err
		}
		media[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return media, nil
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
