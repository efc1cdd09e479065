package ffmpeg

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// ParseProgress reads the key=value records ffmpeg emits with
// `-progress pipe:1` and calls report with a whole percentage each
// time a record flushes. Percentages are capped at 99 until the final
// progress=end record; 100 belongs to the caller's completion path.
func ParseProgress(r io.Reader, totalSeconds float64, report func(percent int)) error {
	scanner := bufio.NewScanner(r)
	var outTimeUS int64

	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		switch key {
		case "out_time_us":
			if us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
				outTimeUS = us
			}
		case "progress":
			// A "progress" line terminates one record.
			if totalSeconds <= 0 {
				continue
			}
			pct := int(float64(outTimeUS) / 1e6 / totalSeconds * 100)
			if pct < 0 {
				pct = 0
			}
			if pct > 99 {
				pct = 99
			}
			report(pct)
		}
	}
	return scanner.Err()
}
