package ldb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"chromium-storage-go/config"
	"chromium-storage-go/leveldb/common"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Constants from the LevelDB table format specification.
const (
	BlockTrailerSize            = 5
	PackedSequenceAndTypeLength = 8
	BlockRestartEntryLength     = 4
	TableFooterSize             = 48
)

var tableMagic = []byte{0x57, 0xfb, 0x80, 0x8b, 0x24, 0x75, 0x47, 0xdb}

// Block compression types from the block trailer byte.
const (
	NoCompression byte = 0x0
	Snappy        byte = 0x1
	Zstd          byte = 0x4
)

type Block struct {
	Offset      int64
	BlockOffset int64
	Data        []byte
	Footer      []byte
}

// GetBuffer returns the decompressed block contents.
func (b *Block) GetBuffer() ([]byte, error) {
	if len(b.Footer) == 0 {
		return b.Data, nil
	}
	switch b.Footer[0] {
	case Snappy:
		return snappy.Decode(nil, b.Data)
	case Zstd:
		reader, err := zstd.NewReader(bytes.NewReader(b.Data))
		if err != nil {
			return nil, err
		}
		defer reader.Close()
		return io.ReadAll(reader)
	default:
		return b.Data, nil
	}
}

// GetRecords decodes every key/value entry in the block, resolving the
// shared-key prefix compression between consecutive entries.
func (b *Block) GetRecords() ([]common.KeyValueRecord, error) {
	buffer, err := b.GetBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to get block buffer: %w", err)
	}

	if len(buffer) < BlockRestartEntryLength {
		return nil, nil
	}

	numRestartsOffset := len(buffer) - BlockRestartEntryLength
	numRestarts := binary.LittleEndian.Uint32(buffer[numRestartsOffset:])

	trailerSize := (int(numRestarts) + 1) * BlockRestartEntryLength
	if trailerSize > len(buffer) {
		config.Verbosef("ldb: block at offset %d has a corrupt restart array (%d restarts for %d bytes)",
			b.BlockOffset, numRestarts, len(buffer))
		return nil, nil
	}

	restartsOffset := len(buffer) - trailerSize
	decoder := common.NewLevelDBDecoder(buffer[:restartsOffset])
	var records []common.KeyValueRecord
	var sharedKey []byte

	for {
		record, newSharedKey, err := decodeKeyValueRecord(decoder, b.BlockOffset, sharedKey)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("failed to decode key-value record: %w", err)
		}
		records = append(records, record)
		sharedKey = newSharedKey
	}
	return records, nil
}

func decodeKeyValueRecord(decoder *common.LevelDBDecoder, blockOffset int64, sharedKey []byte) (common.KeyValueRecord, []byte, error) {
	offset, sharedBytes, err := decoder.DecodeVarint()
	if err != nil {
		return common.KeyValueRecord{}, nil, err
	}
	_, unsharedBytes, err := decoder.DecodeVarint()
	if err != nil {
		return common.KeyValueRecord{}, nil, err
	}
	_, valueLength, err := decoder.DecodeVarint()
	if err != nil {
		return common.KeyValueRecord{}, nil, err
	}
	if sharedBytes > uint64(len(sharedKey)) {
		return common.KeyValueRecord{}, nil, fmt.Errorf("shared prefix %d exceeds previous key length %d", sharedBytes, len(sharedKey))
	}
	_, keyDelta, err := decoder.ReadBytes(int(unsharedBytes))
	if err != nil {
		return common.KeyValueRecord{}, nil, err
	}
	_, value, err := decoder.ReadBytes(int(valueLength))
	if err != nil {
		return common.KeyValueRecord{}, nil, err
	}

	newSharedKey := make([]byte, 0, int(sharedBytes)+len(keyDelta))
	newSharedKey = append(newSharedKey, sharedKey[:sharedBytes]...)
	newSharedKey = append(newSharedKey, keyDelta...)

	if len(newSharedKey) < PackedSequenceAndTypeLength {
		return common.KeyValueRecord{}, nil, fmt.Errorf("internal key too short: %d bytes", len(newSharedKey))
	}

	key := newSharedKey[:len(newSharedKey)-PackedSequenceAndTypeLength]
	packedFooter := newSharedKey[len(newSharedKey)-PackedSequenceAndTypeLength:]
	sequenceAndType := binary.LittleEndian.Uint64(packedFooter)

	return common.KeyValueRecord{
		Offset:         offset + blockOffset,
		Key:            key,
		Value:          value,
		SequenceNumber: sequenceAndType >> 8,
		RecordType:     byte(sequenceAndType & 0xff),
	}, newSharedKey, nil
}

type BlockHandle struct {
	Offset      int64
	BlockOffset int64
	Length      int
}

func decodeBlockHandle(decoder *common.LevelDBDecoder, baseOffset int64) (BlockHandle, error) {
	offset, blockOffset, err := decoder.DecodeVarint()
	if err != nil {
		return BlockHandle{}, err
	}
	_, length, err := decoder.DecodeVarint()
	if err != nil {
		return BlockHandle{}, err
	}
	return BlockHandle{
		Offset:      offset + baseOffset,
		BlockOffset: int64(blockOffset),
		Length:      int(length),
	}, nil
}

func (bh *BlockHandle) Load(f *os.File) (Block, error) {
	data := make([]byte, bh.Length)
	if _, err := f.ReadAt(data, bh.BlockOffset); err != nil {
		return Block{}, fmt.Errorf("could not read block data: %w", err)
	}

	footer := make([]byte, BlockTrailerSize)
	if _, err := f.ReadAt(footer, bh.BlockOffset+int64(bh.Length)); err != nil && err != io.EOF {
		return Block{}, fmt.Errorf("could not read block footer: %w", err)
	}
	return Block{
		Offset:      bh.Offset,
		BlockOffset: bh.BlockOffset,
		Data:        data,
		Footer:      footer,
	}, nil
}

// FileReader parses a LevelDB .ldb/.sst table file.
type FileReader struct {
	filename   string
	indexBlock Block
}

func NewFileReader(filename string) (*FileReader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	fileSize := stat.Size()

	if fileSize < TableFooterSize {
		return nil, fmt.Errorf("file too small for footer: %s", filename)
	}

	footerBuf := make([]byte, TableFooterSize)
	if _, err := f.ReadAt(footerBuf, fileSize-TableFooterSize); err != nil {
		return nil, err
	}
	if !bytes.Equal(footerBuf[TableFooterSize-len(tableMagic):], tableMagic) {
		return nil, fmt.Errorf("invalid magic number in %s", filename)
	}

	footerDecoder := common.NewLevelDBDecoder(footerBuf)
	if _, err := decodeBlockHandle(footerDecoder, 0); err != nil { // metaindex handle, unused
		return nil, fmt.Errorf("failed to decode metaindex handle: %w", err)
	}
	indexHandle, err := decodeBlockHandle(footerDecoder, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to decode index handle: %w", err)
	}
	indexBlock, err := indexHandle.Load(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load index block: %w", err)
	}

	return &FileReader{filename: filename, indexBlock: indexBlock}, nil
}

// GetKeyValueRecords walks the index block and decodes every data block.
func (fr *FileReader) GetKeyValueRecords() ([]common.KeyValueRecord, error) {
	f, err := os.Open(fr.filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	indexRecords, err := fr.indexBlock.GetRecords()
	if err != nil {
		return nil, fmt.Errorf("failed to get records from index block: %w", err)
	}

	var allRecords []common.KeyValueRecord
	for _, indexRecord := range indexRecords {
		handleDecoder := common.NewLevelDBDecoder(indexRecord.Value)
		blockHandle, err := decodeBlockHandle(handleDecoder, indexRecord.Offset)
		if err != nil {
			return nil, fmt.Errorf("failed to decode block handle: %w", err)
		}
		dataBlock, err := blockHandle.Load(f)
		if err != nil {
			return nil, fmt.Errorf("failed to load data block: %w", err)
		}
		dataRecords, err := dataBlock.GetRecords()
		if err != nil {
			return nil, fmt.Errorf("failed to get records from data block: %w", err)
		}
		allRecords = append(allRecords, dataRecords...)
	}
	return allRecords, nil
}
