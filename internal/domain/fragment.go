// Package domain holds the core types shared between layers: fragments,
// embeddings, search hits, and the sentinel errors of the pipeline.
package domain

import "strings"

// SourceType identifies the kind of ingester that produced a fragment.
// It also decides the storage collection: conversational fragments live
// apart from document fragments.
type SourceType string

// Known source types. Ingesters may introduce new ones; only SourceChat
// changes storage routing.
const (
	SourceText    SourceType = "text"
	SourcePDF     SourceType = "pdf"
	SourceCSV     SourceType = "csv"
	SourceCode    SourceType = "code"
	SourceGitHub  SourceType = "github"
	SourceChat    SourceType = "chat"
	SourceYouTube SourceType = "youtube"
	SourceWebsite SourceType = "website"
	SourceImage   SourceType = "image"
	SourceVoice   SourceType = "voice"
)

// Well-known metadata keys. The metadata map is open: ingesters may add
// arbitrary keys, these are the ones the pipeline and the answer generator
// know how to render.
const (
	MetaFilePath     = "file_path"
	MetaPageNumber   = "page_number"
	MetaRowIndex     = "row_index"
	MetaTurnIndex    = "turn_index"
	MetaChunkIndex   = "chunk_index"
	MetaFunctionName = "function_name"
	MetaVideoURL     = "video_url"
	MetaIngestedAt   = "ingested_at"
)

// Fragment is a unit of ingested content prior to embedding. Fragments are
// immutable once created; the pipeline never mutates them.
type Fragment struct {
	Text       string
	SourceType SourceType
	SourceName string
	Metadata   map[string]any
}

// HasText reports whether the fragment carries non-whitespace text.
// Fragments without text must never be embedded or stored.
func (f Fragment) HasText() bool {
	return strings.TrimSpace(f.Text) != ""
}

// FilePath returns the file_path metadata value, if present.
func (f Fragment) FilePath() string {
	if v, ok := f.Metadata[MetaFilePath].(string); ok {
		return v
	}
	return ""
}

// IsConversational reports whether the fragment belongs in the
// conversations collection rather than the documents collection.
func (f Fragment) IsConversational() bool {
	return f.SourceType == SourceChat
}
