// gen_file writes a file of random bytes for distribute runs.
//
// Usage:
//
//	go run ./cmd/gen_file <size> [filename]
//
// Size takes an optional B, KB, MB or GB suffix with binary multiples and
// may be fractional ("3.5MB" is 3.5 MiB, a file spanning four blocks).
// Without a filename the file lands in local/upload/. An existing file of
// the requested size is reused.
package main

import (
	"crypto/rand"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const DefaultUploadDir = "local/upload"

var suffixes = []struct {
	suffix     string
	multiplier float64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	multiplier := 1.0
	for _, sfx := range suffixes {
		if after, ok := strings.CutSuffix(s, sfx.suffix); ok {
			s = strings.TrimSpace(after)
			multiplier = sfx.multiplier
			break
		}
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(math.Round(n * multiplier)), nil
}

func defaultSizeLabel(size int64) string {
	switch {
	case size > 0 && size%(1<<30) == 0:
		return fmt.Sprintf("%dGB", size>>30)
	case size > 0 && size%(1<<20) == 0:
		return fmt.Sprintf("%dMB", size>>20)
	case size > 0 && size%(1<<10) == 0:
		return fmt.Sprintf("%dKB", size>>10)
	default:
		return fmt.Sprintf("%dB", size)
	}
}

func writeRandom(filename string, size int64) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filename, err)
	}
	defer f.Close()

	const bufSize = 4 << 20
	buf := make([]byte, bufSize)
	for remaining := size; remaining > 0; {
		n := min(remaining, int64(bufSize))
		if _, err := rand.Read(buf[:n]); err != nil {
			return fmt.Errorf("failed to generate random data: %w", err)
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return fmt.Errorf("failed to write %s: %w", filename, err)
		}
		remaining -= n
	}
	return f.Sync()
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: gen_file <size> [filename]\n")
		fmt.Fprintf(os.Stderr, "  size: number with optional suffix (B, KB, MB, GB), fractions allowed\n")
		fmt.Fprintf(os.Stderr, "  Examples: 1MB, 3.5MB, 65536\n")
		fmt.Fprintf(os.Stderr, "  Default output dir when filename omitted: %s/\n", DefaultUploadDir)
		os.Exit(1)
	}

	size, err := parseSize(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	filename := filepath.Join(DefaultUploadDir, fmt.Sprintf("test_%s.dat", defaultSizeLabel(size)))
	if len(os.Args) >= 3 {
		filename = os.Args[2]
	}

	if dir := filepath.Dir(filename); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
			os.Exit(1)
		}
	}

	if info, err := os.Stat(filename); err == nil {
		if info.Size() == size {
			fmt.Printf("Reusing existing file: %s (%d bytes)\n", filename, size)
			return
		}
		fmt.Printf("File exists but size mismatch (%d != %d), regenerating\n", info.Size(), size)
	}

	fmt.Printf("Generating %s (%d bytes)...\n", filename, size)
	if err := writeRandom(filename, size); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated: %s (%d bytes)\n", filename, size)
}
