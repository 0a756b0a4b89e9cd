// Package intake reads delimited-text and spreadsheet contact files and maps
// their rows onto contacts through a caller-supplied column mapping.
package intake

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune            // default ','
	HasHeader  bool            // if true, first row is skipped but sent to HeaderCh
	HeaderCh   chan<- []string // optional: receives the header row
	Comment    rune            // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV reads CSV rows from r and sends them on the returned channel.
// The caller must drain the row channel; a read error is sent on the error
// channel. Both channels are closed when reading stops.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1 // short rows are reported by MapRow, not the reader

		first := true
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			if first && opts.HasHeader {
				first = false
				if opts.HeaderCh != nil {
					select {
					case opts.HeaderCh <- record:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled sending header")
						return
					}
				}
				continue
			}
			first = false

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// XLSXOptions configures the spreadsheet reader.
type XLSXOptions struct {
	SheetIndex int             // default 0
	SheetName  string          // if set, overrides SheetIndex
	HasHeader  bool            // if true, first row is skipped but sent to HeaderCh
	HeaderCh   chan<- []string // optional: receives the first row
}

// StreamXLSX reads rows from the chosen sheet of an .xlsx file. Channel
// semantics match StreamCSV.
func StreamXLSX(ctx context.Context, path string, opts XLSXOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		f, err := xlsx.OpenFile(path)
		if err != nil {
			errCh <- eris.Wrap(err, "xlsx: open file")
			return
		}

		sheet, err := getSheet(f, opts)
		if err != nil {
			errCh <- err
			return
		}

		for i, row := range sheet.Rows {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled")
				return
			}

			cells := rowToStrings(row)

			if i == 0 && opts.HasHeader {
				if opts.HeaderCh != nil {
					select {
					case opts.HeaderCh <- cells:
					case <-ctx.Done():
						errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled sending header")
						return
					}
				}
				continue
			}

			select {
			case rowCh <- cells:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}

// Source is an opened contact file: its header and a stream of data rows.
type Source struct {
	Header []string
	Rows   <-chan []string

	errs   <-chan error
	closer io.Closer
}

// Err returns the first read error. Call it after Rows is drained.
func (s *Source) Err() error {
	for err := range s.errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying file.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Options selects how Open parses a file.
type Options struct {
	Delimiter rune
	Sheet     string
}

// Open starts streaming path, choosing the spreadsheet reader for .xlsx and
// the CSV reader otherwise. It blocks until the header row is read.
func Open(ctx context.Context, path string, opts Options) (*Source, error) {
	headerCh := make(chan []string, 1)
	src := &Source{}

	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		src.Rows, src.errs = StreamXLSX(ctx, path, XLSXOptions{SheetName: opts.Sheet, HasHeader: true, HeaderCh: headerCh})
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "intake: open %s", path)
		}
		src.closer = f
		src.Rows, src.errs = StreamCSV(ctx, f, CSVOptions{
			Delimiter:  opts.Delimiter,
			HasHeader:  true,
			HeaderCh:   headerCh,
			LazyQuotes: true,
			TrimSpace:  true,
		})
	}

	header, err := awaitHeader(headerCh, src.errs)
	if err != nil {
		src.Close() //nolint:errcheck
		return nil, err
	}
	src.Header = header
	return src, nil
}

// OpenReader streams CSV from r. The caller owns r.
func OpenReader(ctx context.Context, r io.Reader, opts Options) (*Source, error) {
	headerCh := make(chan []string, 1)
	src := &Source{}
	src.Rows, src.errs = StreamCSV(ctx, r, CSVOptions{
		Delimiter:  opts.Delimiter,
		HasHeader:  true,
		HeaderCh:   headerCh,
		LazyQuotes: true,
		TrimSpace:  true,
	})
	header, err := awaitHeader(headerCh, src.errs)
	if err != nil {
		return nil, err
	}
	src.Header = header
	return src, nil
}

// awaitHeader waits for the header row. The reader sends the header before
// any data row, so the error channel closing without a header means the
// input was empty.
func awaitHeader(headerCh <-chan []string, errs <-chan error) ([]string, error) {
	select {
	case h := <-headerCh:
		return h, nil
	case err, ok := <-errs:
		select {
		case h := <-headerCh:
			return h, nil
		default:
		}
		if ok && err != nil {
			return nil, eris.Wrap(err, "intake: read header")
		}
		return nil, eris.New("intake: input has no header row")
	}
}
