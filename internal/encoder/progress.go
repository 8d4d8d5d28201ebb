package encoder

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// readProgress parses ffmpeg's "-progress pipe:1" key=value stream and calls
// emit once per block, at each "progress=" line. It returns when r is
// exhausted.
func readProgress(r io.Reader, emit func(Progress)) error {
	scanner := bufio.NewScanner(r)
	var cur Progress
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// both keys carry microseconds
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				cur.OutTime = time.Duration(us) * time.Microsecond
			}
		case "out_time":
			if d, ok := parseClock(value); ok && cur.OutTime == 0 {
				cur.OutTime = d
			}
		case "speed":
			cur.Speed = value
		case "progress":
			cur.Done = value == "end"
			if emit != nil {
				emit(cur)
			}
			cur = Progress{OutTime: cur.OutTime}
		}
	}
	return scanner.Err()
}

// parseClock parses HH:MM:SS.micro as printed by ffmpeg.
func parseClock(s string) (time.Duration, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || h < 0 || m < 0 || sec < 0 {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second)), true
}

// Fraction maps elapsed output time onto [0,1] against the expected total.
// A non-positive total yields 0 until the encode reports done.
func Fraction(p Progress, total time.Duration) float64 {
	if p.Done {
		return 1
	}
	if total <= 0 {
		return 0
	}
	f := float64(p.OutTime) / float64(total)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
