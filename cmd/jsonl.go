package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-frontier/internal/frontier"
)

const maxLineBytes = 1 << 20

// openInput returns stdin for "-" or no argument, otherwise the named file.
func openInput(args []string, stdin io.Reader) (io.ReadCloser, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(stdin), nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	return f, nil
}

// readRecords decodes one LinkRecord per line and hands them to fn in groups
// of at most batch. Blank lines are ignored; malformed lines are logged and
// counted in the returned total.
func readRecords(r io.Reader, batch int, logger *zap.Logger, fn func([]frontier.LinkRecord) error) (int, error) {
	if batch <= 0 {
		batch = frontier.DefaultBatchSize
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	malformed := 0
	line := 0
	buf := make([]frontier.LinkRecord, 0, batch)
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec frontier.LinkRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			logger.Warn("skipping malformed line", zap.Int("line", line), zap.Error(err))
			malformed++
			continue
		}
		buf = append(buf, rec)
		if len(buf) >= batch {
			if err := fn(buf); err != nil {
				return malformed, err
			}
			buf = buf[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return malformed, fmt.Errorf("read input: %w", err)
	}
	if len(buf) > 0 {
		if err := fn(buf); err != nil {
			return malformed, err
		}
	}
	return malformed, nil
}

func writeJSONLine(w io.Writer, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
