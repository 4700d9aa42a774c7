// Package convert is the boundary to the external document conversion
// engine. The engine itself is a black box: a binary, format-aware
// converter that maps bytes+format to bytes+format and extracts embedded
// media. Nothing in this package understands document formats.
package convert

import "context"

// Result is the output of converting a source document into the
// editor-consumable internal representation.
type Result struct {
	// Internal is the binary representation the editor renders.
	Internal []byte
	// Media maps extracted media names (e.g. "media/image1.png") to
	// their decoded bytes.
	Media map[string][]byte
}

// Engine converts documents. Implementations signal failure with an
// error matching docerr.ErrConversionFailed.
type Engine interface {
	// ToInternal converts source bytes into the internal representation
	// plus extracted media. formatHint is the source extension without a
	// dot, e.g. "docx"; an empty hint asks the engine to sniff.
	ToInternal(ctx context.Context, src []byte, formatHint string) (*Result, error)

	// FromInternal converts internal (or any other recognized) bytes to
	// targetFormat, again an extension without a dot.
	FromInternal(ctx context.Context, src []byte, targetFormat string) ([]byte, error)
}
