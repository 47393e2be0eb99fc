package store

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Format selects an export encoding.
type Format string

// Supported export formats.
const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates a caller-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatCSV, FormatMarkdown:
		return Format(s), nil
	default:
		return "", &UnsupportedFormatError{Format: s}
	}
}

// Sink receives export output chunk by chunk, so consumers can stream to a
// file or network response without buffering the whole export. A non-nil
// error aborts the export.
type Sink func(chunk []byte) error

// Exporter incrementally encodes records into bounded-size chunks. Add feeds
// one record; Flush emits any buffered remainder and must be called exactly
// once after the last Add.
type Exporter interface {
	Add(rec Record) error
	Flush() error
	// Emitted reports whether the sink has received at least one chunk.
	// Backends use it to decide whether a failed export may be retried
	// without duplicating output.
	Emitted() bool
}

// jsonChunkSize bounds how many records a single JSON array chunk carries.
const jsonChunkSize = 100

// markdownChunkSize is the rendered-text threshold that closes a markdown
// chunk.
const markdownChunkSize = 1 << 20

// NewExporter builds the Exporter for format, writing chunks to sink.
func NewExporter(format Format, sink Sink) (Exporter, error) {
	switch format {
	case FormatJSON:
		return &jsonExporter{sink: sink}, nil
	case FormatCSV:
		e := &csvExporter{sink: sink}
		e.writer = csv.NewWriter(&e.buf)
		if err := e.writer.Write(exportColumns); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		return e, nil
	case FormatMarkdown:
		return &markdownExporter{sink: sink}, nil
	default:
		return nil, &UnsupportedFormatError{Format: string(format)}
	}
}

// exportColumns is the CSV header, matching the persisted column order.
var exportColumns = []string{
	"url",
	"html",
	"cleaned_html",
	"markdown",
	"extracted_content",
	"success",
	"media",
	"links",
	"metadata",
	"screenshot",
	"timestamp",
}

type jsonExporter struct {
	sink    Sink
	batch   []Record
	emitted bool
}

func (e *jsonExporter) Add(rec Record) error {
	e.batch = append(e.batch, rec)
	if len(e.batch) >= jsonChunkSize {
		return e.emit()
	}
	return nil
}

func (e *jsonExporter) Flush() error {
	if len(e.batch) == 0 {
		return nil
	}
	return e.emit()
}

func (e *jsonExporter) Emitted() bool { return e.emitted }

func (e *jsonExporter) emit() error {
	b, err := json.MarshalIndent(e.batch, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json chunk: %w", err)
	}
	e.batch = e.batch[:0]
	e.emitted = true
	if err := e.sink(append(b, '\n')); err != nil {
		return fmt.Errorf("write json chunk: %w", err)
	}
	return nil
}

type csvExporter struct {
	sink    Sink
	buf     bytes.Buffer
	writer  *csv.Writer
	emitted bool
}

func (e *csvExporter) Add(rec Record) error {
	media, err := EncodeMedia(rec.Media)
	if err != nil {
		return err
	}
	links, err := EncodeLinks(rec.Links)
	if err != nil {
		return err
	}
	metadata, err := EncodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	row := []string{
		rec.URL,
		rec.HTML,
		rec.CleanedHTML,
		rec.Markdown,
		rec.ExtractedContent,
		strconv.FormatBool(rec.Success),
		string(media),
		string(links),
		string(metadata),
		rec.Screenshot,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if err := e.writer.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	return nil
}

// Flush emits the whole document as a single chunk; a header-only chunk is
// emitted for an empty store.
func (e *csvExporter) Flush() error {
	e.writer.Flush()
	if err := e.writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	e.emitted = true
	if err := e.sink(e.buf.Bytes()); err != nil {
		return fmt.Errorf("write csv chunk: %w", err)
	}
	return nil
}

func (e *csvExporter) Emitted() bool { return e.emitted }

type markdownExporter struct {
	sink    Sink
	buf     bytes.Buffer
	emitted bool
}

func (e *markdownExporter) Add(rec Record) error {
	renderMarkdown(&e.buf, rec)
	if e.buf.Len() > markdownChunkSize {
		return e.emit()
	}
	return nil
}

func (e *markdownExporter) Flush() error {
	if e.buf.Len() == 0 {
		return nil
	}
	return e.emit()
}

func (e *markdownExporter) Emitted() bool { return e.emitted }

func (e *markdownExporter) emit() error {
	chunk := append([]byte(nil), e.buf.Bytes()...)
	e.buf.Reset()
	e.emitted = true
	if err := e.sink(chunk); err != nil {
		return fmt.Errorf("write markdown chunk: %w", err)
	}
	return nil
}

func renderMarkdown(buf *bytes.Buffer, rec Record) {
	buf.WriteString("# ")
	buf.WriteString(rec.URL)
	buf.WriteString("\n\n")

	if rec.Markdown != "" {
		buf.WriteString(rec.Markdown)
		buf.WriteString("\n\n")
	}

	if rec.Links.ItemCount() > 0 {
		buf.WriteString("## Links\n\n")
		renderLinkList(buf, "### Internal Links", rec.Links.Internal)
		renderLinkList(buf, "### External Links", rec.Links.External)
	}

	buf.WriteString("---\n\n")
}

func renderLinkList(buf *bytes.Buffer, heading string, links []Link) {
	if len(links) == 0 {
		return
	}
	buf.WriteString(heading)
	buf.WriteString("\n\n")
	for _, link := range links {
		text := link.Text
		if text == "" {
			text = link.Href
		}
		if text == "" {
			text = "Link"
		}
		fmt.Fprintf(buf, "- [%s](%s)\n", text, link.Href)
	}
	buf.WriteString("\n")
}
