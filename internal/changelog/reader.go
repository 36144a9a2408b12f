package changelog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrTruncated marks a journal whose tail could not be decoded, typically
// a line cut short by a crash mid-append.
var ErrTruncated = errors.New("journal truncated")

// ReadFile calls fn for every event in the JSONL journal at path, in file
// order. A missing file reads as empty. Decoding stops at the first bad line
// and returns ErrTruncated wrapped with its line number.
func ReadFile(path string, fn func(Event) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("line %d: %w: %v", lineNum, ErrTruncated, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan journal: %w", err)
	}
	return nil
}

// LastSeq returns the highest seq in the journal at path, 0 for a missing or
// empty journal. A truncated tail is ignored.
func LastSeq(path string) (int64, error) {
	var last int64
	err := ReadFile(path, func(e Event) error {
		if e.Seq > last {
			last = e.Seq
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrTruncated) {
		return 0, err
	}
	return last, nil
}
