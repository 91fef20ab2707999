package blockupload

import "fmt"

// BlockSize is the fixed size of every block except the last one.
const BlockSize int64 = 4 * 1024 * 1024

// Block is a contiguous byte range of the source.
type Block struct {
	Index  int
	Offset int64
	Size   int64
}

// BlockCount returns ceil(fileSize / BlockSize).
func BlockCount(fileSize int64) int {
	if fileSize <= 0 {
		return 0
	}
	return int((fileSize + BlockSize - 1) / BlockSize)
}

// Plan splits a source of fileSize bytes into blocks.
func Plan(fileSize int64) ([]Block, error) {
	if fileSize < 0 {
		return nil, fmt.Errorf("invalid file size: %d", fileSize)
	}

	count := BlockCount(fileSize)
	blocks := make([]Block, count)
	for i := 0; i < count; i++ {
		offset := int64(i) * BlockSize
		size := BlockSize
		if i == count-1 {
			size = fileSize - offset
		}
		blocks[i] = Block{Index: i, Offset: offset, Size: size}
	}

	return blocks, nil
}
