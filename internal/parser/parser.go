// Package parser streams large JSON files (json_array or ndjson, optionally
// gzip-compressed) into a lazy sequence of extracted, chunked items without
// loading the whole file into memory.
package parser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"github.com/voyantai/ragline/internal/schema"
	"github.com/voyantai/ragline/internal/tokens"

	. "github.com/voyantai/ragline/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const lineBufferSize = 8192

// ProcessedItem is one chunk of extracted content with its metadata.
// Items are produced lazily and never stored by the parser.
type ProcessedItem struct {
	Text        string
	Metadata    map[string]interface{}
	SourceIndex int
	ChunkIndex  int

	// CachedTokens is filled in by the batch manager on first count.
	CachedTokens int
}

// Stats tracks streaming progress. Counters are safe to read while a
// Process call is running.
type Stats struct {
	itemsProcessed    atomic.Int64
	bytesProcessed    atomic.Int64
	errorsEncountered atomic.Int64

	mu    sync.Mutex
	phase string
}

// Snapshot of the stats counters.
type StatsSnapshot struct {
	ItemsProcessed    int64  `json:"items_processed"`
	BytesProcessed    int64  `json:"bytes_processed"`
	ErrorsEncountered int64  `json:"errors_encountered"`
	CurrentPhase      string `json:"current_phase"`
}

func (s *Stats) setPhase(phase string) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()
	return StatsSnapshot{
		ItemsProcessed:    s.itemsProcessed.Load(),
		BytesProcessed:    s.bytesProcessed.Load(),
		ErrorsEncountered: s.errorsEncountered.Load(),
		CurrentPhase:      phase,
	}
}

// ValidationError carries the collected JSON Schema violations that failed
// a job before embedding started.
type ValidationError struct {
	Errors []schema.ItemError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "schema validation failed"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, ie := range e.Errors {
		parts = append(parts, ie.String())
	}
	return fmt.Sprintf("schema validation failed (%d errors): %s", len(e.Errors), strings.Join(parts, "; "))
}

// EmitFunc receives each processed item. Returning an error stops the stream.
type EmitFunc func(item ProcessedItem) error

// Parser turns one file stream into processed items. A Parser is single-use
// and single-consumer; the stream is not restartable.
type Parser struct {
	cfg     *schema.Config
	chunker *schema.Chunker
	stats   Stats

	validationErrs []schema.ItemError
}

// New creates a parser for the given schema config. The token counter is
// only used when the chunking strategy is token_aware.
func New(cfg *schema.Config, counter *tokens.Counter) *Parser {
	return &Parser{
		cfg:     cfg,
		chunker: schema.NewChunker(cfg.Chunking, counter),
	}
}

// Stats exposes the live counters.
func (p *Parser) Stats() *Stats {
	return &p.stats
}

// Process streams the input and calls emit for every chunk. Per-item errors
// (bad line, bad mapping result) are logged and counted; structural errors
// and schema validation failures abort the stream.
func (p *Parser) Process(ctx context.Context, r io.Reader, emit EmitFunc) error {
	p.stats.setPhase("parsing")

	counted := &countingReader{r: r, n: &p.stats.bytesProcessed}

	var err error
	switch p.cfg.Format {
	case schema.FormatNDJSON:
		err = p.processNDJSON(ctx, counted, emit)
	default:
		err = p.processJSONArray(ctx, counted, emit)
	}

	if err == nil && len(p.validationErrs) > 0 {
		err = &ValidationError{Errors: p.validationErrs}
	}
	if err != nil {
		p.stats.setPhase("error")
		return err
	}

	p.stats.setPhase("completed")
	return nil
}

// processJSONArray walks the top-level array one element at a time. Each
// element is fully decoded, processed, then released.
func (p *Parser) processJSONArray(ctx context.Context, r io.Reader, emit EmitFunc) error {
	iter := jsoniter.Parse(json, r, lineBufferSize)

	index := 0
	for iter.ReadArray() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var item interface{}
		iter.ReadVal(&item)
		if iter.Error != nil && iter.Error != io.EOF {
			return fmt.Errorf("invalid json at array element %d: %w", index, iter.Error)
		}

		if err := p.processItem(item, index, emit); err != nil {
			return err
		}
		index++
		p.stats.itemsProcessed.Add(1)
	}
	if iter.Error != nil && iter.Error != io.EOF {
		return fmt.Errorf("invalid json array framing: %w", iter.Error)
	}

	return nil
}

// processNDJSON reads one JSON object per line. Undecodable lines are
// skipped with a warning.
func (p *Parser) processNDJSON(ctx context.Context, r io.Reader, emit EmitFunc) error {
	br := bufio.NewReaderSize(r, lineBufferSize)

	index := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, readErr := br.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			var item interface{}
			if err := json.UnmarshalFromString(trimmed, &item); err != nil {
				L_warn("parser: invalid json line, skipping", "line", index+1, "error", err)
				p.stats.errorsEncountered.Add(1)
			} else {
				if err := p.processItem(item, index, emit); err != nil {
					return err
				}
				p.stats.itemsProcessed.Add(1)
			}
			index++
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading ndjson stream: %w", readErr)
		}
	}
}

// processItem validates, extracts, chunks and emits one parsed object.
func (p *Parser) processItem(item interface{}, index int, emit EmitFunc) error {
	if p.cfg.HasValidator() {
		errs, err := p.cfg.ValidateItem(item, index)
		if err != nil {
			return err
		}
		if len(errs) > 0 {
			room := schema.MaxValidationErrors - len(p.validationErrs)
			if room > 0 {
				if len(errs) > room {
					errs = errs[:room]
				}
				p.validationErrs = append(p.validationErrs, errs...)
			}
			if len(p.validationErrs) >= schema.MaxValidationErrors {
				return &ValidationError{Errors: p.validationErrs}
			}
			return nil
		}
	}

	// Once any item has failed validation the job is doomed; stop emitting
	// but keep scanning so the failure report covers more of the file.
	if len(p.validationErrs) > 0 {
		return nil
	}

	content, ok := schema.ResolvePath(p.cfg.Mapping.ContentPath, item).(string)
	if !ok || strings.TrimSpace(content) == "" {
		L_trace("parser: item has no usable content, skipping", "index", index)
		return nil
	}

	metadata := make(map[string]interface{}, len(p.cfg.Mapping.MetadataPaths)+3)
	for name, path := range p.cfg.Mapping.MetadataPaths {
		metadata[name] = schema.ResolvePath(path, item)
	}
	metadata["_source_index"] = index

	chunks := p.chunker.Chunk(content)
	for ci, chunk := range chunks {
		md := make(map[string]interface{}, len(metadata)+2)
		for k, v := range metadata {
			md[k] = v
		}
		md["_chunk_index"] = ci
		md["_total_chunks"] = len(chunks)

		if err := emit(ProcessedItem{
			Text:        chunk,
			Metadata:    md,
			SourceIndex: index,
			ChunkIndex:  ci,
		}); err != nil {
			return err
		}
	}

	return nil
}

// countingReader tallies bytes read into an atomic counter.
type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n.Add(int64(n))
	}
	return n, err
}
