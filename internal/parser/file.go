package parser

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/voyantai/ragline/internal/schema"

	. "github.com/voyantai/ragline/internal/logging"
)

const (
	formatSampleLines = 5
	statsSampleBytes  = 10000
	statsSampleLines  = 1000
)

// Open opens a file for streaming, transparently decompressing gzip.
// Compression is detected by the .gz suffix or by content sniffing.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	gzipped := strings.HasSuffix(path, ".gz")
	if !gzipped {
		mtype, err := mimetype.DetectFile(path)
		if err == nil && mtype.Is("application/gzip") {
			gzipped = true
		}
	}

	if !gzipped {
		return f, nil
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening gzip stream %s: %w", path, err)
	}
	return &gzipReadCloser{gz: gz, f: f}, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	if err := g.f.Close(); err != nil {
		return err
	}
	return gzErr
}

// DetectFormat peeks at the stream and guesses json_array vs ndjson without
// consuming input. A leading '[' means json_array; otherwise any of the
// first few lines parsing as a JSON object means ndjson. Lines holding bare
// scalars are not evidence; ndjson records are objects.
func DetectFormat(br *bufio.Reader) string {
	sample, _ := br.Peek(lineBufferSize)
	if len(sample) == 0 {
		return schema.FormatJSONArray
	}

	lines := strings.Split(string(sample), "\n")
	if len(lines) > formatSampleLines {
		lines = lines[:formatSampleLines]
	}

	first := strings.TrimSpace(lines[0])
	if strings.HasPrefix(first, "[") {
		return schema.FormatJSONArray
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var v map[string]interface{}
		if err := json.UnmarshalFromString(line, &v); err == nil {
			return schema.FormatNDJSON
		}
	}

	return schema.FormatJSONArray
}

// FileStats summarizes a file without fully processing it.
type FileStats struct {
	FileSizeBytes  int64  `json:"file_size_bytes"`
	DetectedFormat string `json:"detected_format"`
	EstimatedItems int    `json:"estimated_items"`
	FilePath       string `json:"file_path"`
}

// Stat opens the file, detects its format, and produces a rough item count
// estimate from a bounded sample. Used to seed expected totals before the
// real pass.
func Stat(path string) (*FileStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	rc, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, lineBufferSize)
	format := DetectFormat(br)

	stats := &FileStats{
		FileSizeBytes:  info.Size(),
		DetectedFormat: format,
		FilePath:       path,
	}

	if format == schema.FormatJSONArray {
		sample := make([]byte, statsSampleBytes)
		n, _ := io.ReadFull(br, sample)
		commas := strings.Count(string(sample[:n]), ",")
		stats.EstimatedItems = commas / 10
		if stats.EstimatedItems < 1 {
			stats.EstimatedItems = 1
		}
	} else {
		count := 0
		for count < statsSampleLines {
			line, err := br.ReadString('\n')
			if strings.TrimSpace(line) != "" {
				count++
			}
			if err != nil {
				break
			}
		}
		stats.EstimatedItems = count
	}

	L_debug("parser: file stats", "path", path, "size", info.Size(), "format", format, "estimated_items", stats.EstimatedItems)
	return stats, nil
}
