// Package reader normalizes heterogeneous plant exports into the uniform
// raw record shape. Each supported format is an adapter; the rest of the
// pipeline only ever sees record.Raw.
package reader

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"go.uber.org/zap"

	"github.com/plantops/plantkg/record"
)

// ErrUnsupportedFormat is fatal: there is no safe partial result for an
// input the pipeline cannot parse.
var ErrUnsupportedFormat = errors.New("unsupported input format")

// Reader turns a file into raw records, dispatching on extension.
type Reader struct {
	log *zap.SugaredLogger

	recordsRead   int
	recordsFailed int
}

func New(log *zap.SugaredLogger) *Reader {
	return &Reader{log: log}
}

// ReadRecords loads every record from path. Corrupt individual rows are
// logged and skipped; an unreadable file or unsupported extension is an
// error.
func (r *Reader) ReadRecords(path string) ([]record.Raw, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return r.readCSV(path)
	case ".jsonl":
		return r.readJSONL(path)
	case ".json":
		return r.readJSON(path)
	case ".parquet":
		return r.readParquet(path)
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "%s", path)
	}
}

// Stats returns how many rows were produced and how many were skipped.
func (r *Reader) Stats() (read, failed int) {
	return r.recordsRead, r.recordsFailed
}

func (r *Reader) readCSV(path string) ([]record.Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open csv")
	}
	defer f.Close()

	cr := csv.NewReader(f)
	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "read csv header")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var out []record.Raw
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.recordsFailed++
			r.log.Warnw("skipping malformed csv row", "file", path, "error", err)
			continue
		}

		m := make(map[string]any, len(header))
		for i, name := range header {
			if i < len(row) {
				m[name] = row[i]
			}
		}
		out = append(out, fromMap(m))
		r.recordsRead++
	}
	return out, nil
}

func (r *Reader) readJSONL(path string) ([]record.Raw, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open jsonl")
	}
	defer f.Close()

	var out []record.Raw
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			r.recordsFailed++
			r.log.Warnw("skipping corrupt jsonl line", "file", path, "line", lineNum)
			continue
		}
		out = append(out, fromMap(m))
		r.recordsRead++
	}
	return out, errors.Wrap(scanner.Err(), "read jsonl")
}

func (r *Reader) readJSON(path string) ([]record.Raw, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open json")
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errors.Wrap(err, "parse json array")
	}
	out := make([]record.Raw, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromMap(m))
		r.recordsRead++
	}
	return out, nil
}

// readParquet reads the whole row group through parquet-go and round-trips
// the generated row structs through JSON to get uniform maps.
func (r *Reader) readParquet(path string) ([]record.Raw, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, errors.Wrap(err, "open parquet")
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, nil, 4)
	if err != nil {
		return nil, errors.Wrap(err, "create parquet reader")
	}
	defer pr.ReadStop()

	rows, err := pr.ReadByNumber(int(pr.GetNumRows()))
	if err != nil {
		return nil, errors.Wrap(err, "read parquet rows")
	}

	buf, err := json.Marshal(rows)
	if err != nil {
		return nil, errors.Wrap(err, "decode parquet rows")
	}
	var maps []map[string]any
	if err := json.Unmarshal(buf, &maps); err != nil {
		return nil, errors.Wrap(err, "decode parquet rows")
	}

	out := make([]record.Raw, 0, len(maps))
	for _, m := range maps {
		lowered := make(map[string]any, len(m))
		for k, v := range m {
			lowered[strings.ToLower(k)] = v
		}
		out = append(out, fromMap(lowered))
		r.recordsRead++
	}
	return out, nil
}

// fromMap splits a flat row into the known fields and tags. An embedded
// "tags" object wins over flat columns.
func fromMap(m map[string]any) record.Raw {
	rec := record.Raw{Tags: map[string]any{}}

	if nested, ok := m["tags"].(map[string]any); ok {
		rec.Tags = nested
	}

	for k, v := range m {
		switch strings.ToLower(k) {
		case "timestamp":
			rec.Timestamp = fmt.Sprint(v)
		case "source_id":
			rec.SourceID = fmt.Sprint(v)
		case "location":
			rec.Location = fmt.Sprint(v)
		case "tags":
			// handled above
		default:
			if _, exists := rec.Tags[k]; !exists {
				rec.Tags[k] = v
			}
		}
	}
	return rec
}
