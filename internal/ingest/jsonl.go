package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	buddyerrors "github.com/rsrini7/Smart-Support-Buddy/internal/errors"
)

// maxLineSize caps one JSONL record (a long Confluence page fits).
const maxLineSize = 8 << 20

// LoadJSONL reads one Document per line. Blank lines are skipped; a
// malformed line or a line without text fails with its line number.
func LoadJSONL(r io.Reader) ([]Document, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)

	var docs []Document
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, buddyerrors.ValidationError(fmt.Sprintf("line %d: invalid JSON", line), err)
		}
		if strings.TrimSpace(doc.Text) == "" {
			return nil, buddyerrors.ValidationError(fmt.Sprintf("line %d: missing text", line), nil)
		}
		docs = append(docs, doc)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read line %d: %w", line+1, err)
	}
	return docs, nil
}

// LoadJSONLFile reads a JSONL file from disk.
func LoadJSONLFile(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, buddyerrors.New(buddyerrors.ErrCodeFileNotFound, "cannot open documents file", err).
			WithDetail("path", path)
	}
	defer f.Close()
	return LoadJSONL(f)
}
