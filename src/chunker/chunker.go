package chunker

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// BlockSize is the fixed size of every block except possibly the last.
const BlockSize = 1 << 20 // 1 MiB

var ErrInvalidBlockSize = errors.New("block size must be positive")

// Block is one contiguous slice of an input file.
type Block struct {
	Index    uint32
	Data     []byte
	Checksum string // hex md5 of Data
}

func (b Block) Size() int64 {
	return int64(len(b.Data))
}

// Split reads r to EOF and returns its content as ordered 1 MiB blocks.
// Empty input yields an empty slice and no error.
func Split(r io.Reader) ([]Block, error) {
	return SplitSize(r, BlockSize)
}

// SplitSize is Split with a caller-chosen block size.
func SplitSize(r io.Reader, size int) ([]Block, error) {
	if size <= 0 {
		return nil, ErrInvalidBlockSize
	}

	var blocks []Block
	for index := uint32(0); ; index++ {
		buf := make([]byte, size)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := buf[:n]
			blocks = append(blocks, Block{
				Index:    index,
				Data:     data,
				Checksum: Checksum(data),
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return blocks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read block %d: %w", index, err)
		}
	}
}

// SplitFile opens path and splits its content.
func SplitFile(path string) ([]Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	return Split(f)
}

// Checksum returns the hex md5 digest of data.
func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether data matches the stored checksum.
func Verify(data []byte, checksum string) bool {
	return Checksum(data) == checksum
}

// TotalSize sums the payload sizes of blocks.
func TotalSize(blocks []Block) int64 {
	var total int64
	for _, b := range blocks {
		total += b.Size()
	}
	return total
}
