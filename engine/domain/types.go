// Package domain defines the core data model and error taxonomy for the
// Maple engine pipeline. Every pipeline stage consumes and produces these
// types; nothing here touches the network.
package domain

import "time"

// Document is the unit of ingestion: text extracted from an uploaded file.
// Immutable once produced by extraction; its lifecycle ends once chunked.
type Document struct {
	ID             string `json:"id"`
	PatientID      string `json:"patient_id,omitempty"`
	RawText        string `json:"raw_text"`
	SourceFilename string `json:"source_filename"`
}

// Chunk is a bounded, overlapping substring of a document, the unit of
// embedding and storage. Offsets index into the source text so a chunk can
// always be traced back to where it came from.
type Chunk struct {
	SequenceIndex int               `json:"sequence_index"`
	Text          string            `json:"text"`
	CharStart     int               `json:"char_start"`
	CharEnd       int               `json:"char_end"`
	DocumentID    string            `json:"document_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IndexedRecord is the persisted unit in the vector index: a deterministic
// id, the chunk's embedding, and its payload metadata.
type IndexedRecord struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// RetrievalMatch is a single similarity hit. It exists only for the duration
// of one query response.
type RetrievalMatch struct {
	RecordID string            `json:"record_id"`
	Content  string            `json:"content"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IngestResult reports what an ingestion actually achieved. On partial
// failure both counts still reflect real progress.
type IngestResult struct {
	DocumentID     string `json:"document_id"`
	ChunksCreated  int    `json:"chunks_created"`
	RecordsWritten int    `json:"records_written"`
}

// UploadedDocument is the message published for asynchronous ingestion.
type UploadedDocument struct {
	Document   Document  `json:"document"`
	UploadedAt time.Time `json:"uploaded_at"`
}
