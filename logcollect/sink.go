package logcollect

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// sink is one append-only JSON array file. The array is opened with the
// first record and closed on Close; records are separated by ",\n".
type sink struct {
	path  string
	file  *os.File
	w     *bufio.Writer
	count int
}

func openSink(dir string, eventType EventType, now time.Time) (*sink, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, err
	}

	base := fmt.Sprintf("%s_%s", eventType.String(), now.UTC().Format("2006-01-02_15-04-05"))
	for i := 0; ; i++ {
		name := base + ".json"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.json", base, i)
		}
		path := filepath.Join(dir, name)

		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		return &sink{
			path: path,
			file: file,
			w:    bufio.NewWriter(file),
		}, nil
	}
}

func (s *sink) Write(record []byte) error {
	var err error
	if s.count == 0 {
		_, err = s.w.WriteString("[\n")
	} else {
		_, err = s.w.WriteString(",\n")
	}
	if err != nil {
		return err
	}

	_, err = s.w.Write(record)
	if err != nil {
		return err
	}

	s.count++
	return nil
}

func (s *sink) Flush() error {
	return s.w.Flush()
}

func (s *sink) Close() error {
	var err error
	if s.count == 0 {
		_, err = s.w.WriteString("[\n]\n")
	} else {
		_, err = s.w.WriteString("\n]\n")
	}
	if err == nil {
		err = s.w.Flush()
	}

	cerr := s.file.Close()
	if err == nil {
		err = cerr
	}
	return err
}

// ReadSink returns the records of a sink file. A file cut short by a crash,
// missing its closing bracket or ending in a partial record, yields the
// records that were complete.
func ReadSink(r io.Reader) ([]json.RawMessage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("sink does not start with an array, got %v", tok)
	}

	var records []json.RawMessage
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			break
		}
		records = append(records, raw)
	}

	return records, nil
}

func ReadSinkFile(path string) ([]json.RawMessage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ReadSink(file)
}
