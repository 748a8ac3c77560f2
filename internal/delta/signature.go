package delta

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidBlockSize = errors.New("block size must be positive")

// BlockDescriptor holds the checksums of one block of a file version.
type BlockDescriptor struct {
	Index          int    `json:"index"`
	WeakChecksum   uint32 `json:"weakChecksum"`
	StrongChecksum string `json:"strongChecksum"`
}

// Signature describes one file version as contiguous, zero-indexed blocks.
// Every block is BlockSize bytes except possibly the last.
type Signature struct {
	BlockSize     int               `json:"blockSize"`
	VersionNumber int64             `json:"versionNumber"`
	ContentLength int64             `json:"contentLength"`
	Blocks        []BlockDescriptor `json:"blocks"`
}

// BlockLen returns the byte length of block i.
func (s Signature) BlockLen(i int) int {
	if i < 0 || i >= len(s.Blocks) || s.BlockSize <= 0 {
		return 0
	}
	if i < len(s.Blocks)-1 {
		return s.BlockSize
	}
	return int(s.ContentLength) - i*s.BlockSize
}

// BuildSignature partitions content into blockSize blocks and checksums
// each of them. The same content and block size always produce the same
// signature.
func BuildSignature(content []byte, blockSize int, versionNumber int64) (Signature, error) {
	return BuildSignatureParallel(context.Background(), content, blockSize, versionNumber, 1)
}

// BuildSignatureParallel is BuildSignature with the block hashing spread
// over up to workers goroutines.
func BuildSignatureParallel(ctx context.Context, content []byte, blockSize int, versionNumber int64, workers int) (Signature, error) {
	if blockSize <= 0 {
		return Signature{}, fmt.Errorf("%w: %d", ErrInvalidBlockSize, blockSize)
	}
	count := (len(content) + blockSize - 1) / blockSize
	sig := Signature{
		BlockSize:     blockSize,
		VersionNumber: versionNumber,
		ContentLength: int64(len(content)),
		Blocks:        make([]BlockDescriptor, count),
	}
	if workers < 1 {
		workers = 1
	}
	if workers > count {
		workers = count
	}

	describe := func(i int) {
		start := i * blockSize
		end := min(start+blockSize, len(content))
		block := content[start:end]
		sig.Blocks[i] = BlockDescriptor{
			Index:          i,
			WeakChecksum:   WeakChecksum(block),
			StrongChecksum: StrongChecksum(block),
		}
	}

	if workers <= 1 {
		for i := 0; i < count; i++ {
			if i%256 == 0 {
				if err := ctx.Err(); err != nil {
					return Signature{}, err
				}
			}
			describe(i)
		}
		return sig, nil
	}

	next := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				describe(i)
			}
		}()
	}
	var err error
feed:
	for i := 0; i < count; i++ {
		select {
		case next <- i:
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		}
	}
	close(next)
	wg.Wait()
	if err != nil {
		return Signature{}, err
	}
	return sig, nil
}
