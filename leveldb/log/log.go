package log

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"chromium-storage-go/config"
	"chromium-storage-go/leveldb/common"
)

// Constants from the LevelDB log format specification.
const (
	BlockSize            = 32768
	PhysicalHeaderLength = 7
)

// Physical record types.
const (
	TypeFull   byte = 1
	TypeFirst  byte = 2
	TypeMiddle byte = 3
	TypeLast   byte = 4
)

// Internal record types.
const (
	TypeDeletion byte = 0x00
	TypeValue    byte = 0x01
)

type PhysicalRecord struct {
	BaseOffset     int64
	Offset         int64
	Checksum       uint32
	Length         uint16
	RecordType     byte
	Contents       []byte
	ContentsOffset int64
	Recovered      bool
}

type WriteBatch struct {
	Offset         int64
	SequenceNumber uint64
	Count          uint32
	Records        []common.ParsedInternalKey
	Recovered      bool
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

func unmask(masked uint32) uint32 {
	crc := masked - 0xa282ead8
	return (crc >> 17) | (crc << 15)
}

func decodePhysicalRecord(decoder *common.LevelDBDecoder, baseOffset int64) (*PhysicalRecord, error) {
	offset, checksum, err := decoder.DecodeUint32()
	if err != nil {
		return nil, err
	}
	_, length, err := decoder.DecodeUint16()
	if err != nil {
		return nil, err
	}
	_, recordType, err := decoder.DecodeUint8()
	if err != nil {
		return nil, err
	}

	// A zeroed header is block-trailer padding, not a record.
	if recordType == 0 && length == 0 {
		return nil, io.EOF
	}
	if recordType == 0 && length != 0 {
		return nil, fmt.Errorf("invalid zero record type with length %d at offset %d", length, baseOffset+offset)
	}

	recovered := false
	contentsOffset := decoder.Offset()
	var contents []byte
	if int64(length) > decoder.Remaining() {
		contents = decoder.RemainingBytes()
		recovered = true
	} else {
		_, contents, err = decoder.ReadBytes(int(length))
		if err != nil {
			return nil, err
		}
	}

	computed := crc32.Checksum(append([]byte{recordType}, contents...), crcTable)
	if computed != unmask(checksum) {
		config.Verbosef("log: checksum mismatch at offset %d (computed %08x, stored %08x), keeping record as recovered",
			baseOffset+offset, computed, unmask(checksum))
		recovered = true
	}

	return &PhysicalRecord{
		BaseOffset:     baseOffset,
		Offset:         offset + baseOffset,
		Checksum:       checksum,
		Length:         length,
		RecordType:     recordType,
		Contents:       contents,
		ContentsOffset: contentsOffset + baseOffset,
		Recovered:      recovered,
	}, nil
}

// decodeWriteBatch parses a reassembled batch payload. A truncated batch keeps
// whatever records were decoded before the damage and marks them recovered.
func decodeWriteBatch(data []byte, contentsBaseOffset int64) *WriteBatch {
	decoder := common.NewLevelDBDecoder(data)

	var sequenceNumber uint64
	var count uint32
	recovered := false

	_, seq, err := decoder.DecodeUint64()
	if err != nil {
		recovered = true
	} else {
		sequenceNumber = seq
		_, c, err := decoder.DecodeUint32()
		if err != nil {
			recovered = true
		} else {
			count = c
		}
	}

	var records []common.ParsedInternalKey
	for i := uint32(0); count == 0 || i < count; i++ {
		if decoder.Remaining() == 0 {
			break
		}
		keyOffset := contentsBaseOffset + decoder.Offset()

		_, recordType, err := decoder.DecodeUint8()
		if err != nil {
			recovered = true
			break
		}
		_, key, err := decoder.DecodeBlobWithLength()
		if err != nil {
			recovered = true
			break
		}
		var value []byte
		if recordType == TypeValue {
			_, value, err = decoder.DecodeBlobWithLength()
			if err != nil {
				recovered = true
				break
			}
		}
		records = append(records, common.ParsedInternalKey{
			Offset:         keyOffset,
			RecordType:     recordType,
			Key:            key,
			Value:          value,
			SequenceNumber: sequenceNumber + uint64(i),
		})
	}

	if uint32(len(records)) != count {
		recovered = true
	}

	return &WriteBatch{
		Offset:         contentsBaseOffset,
		SequenceNumber: sequenceNumber,
		Count:          uint32(len(records)),
		Records:        records,
		Recovered:      recovered,
	}
}

// FileReader parses a LevelDB .log file.
type FileReader struct {
	filename string
}

func NewFileReader(filename string) *FileReader {
	return &FileReader{filename: filename}
}

// GetParsedInternalKeys returns every record from every write batch in the
// file, including partially recovered ones.
func (fr *FileReader) GetParsedInternalKeys() ([]common.ParsedInternalKey, error) {
	batches, err := fr.getWriteBatches()
	if err != nil {
		return nil, err
	}
	var allKeys []common.ParsedInternalKey
	for _, batch := range batches {
		for i := range batch.Records {
			batch.Records[i].Recovered = batch.Recovered
			allKeys = append(allKeys, batch.Records[i])
		}
	}
	return allKeys, nil
}

func (fr *FileReader) getWriteBatches() ([]*WriteBatch, error) {
	physicalRecords, err := fr.getPhysicalRecords()
	if err != nil {
		return nil, err
	}

	var batches []*WriteBatch
	var buffer []byte
	var firstRecordOffset int64 = -1

	flushPartial := func() {
		if buffer == nil {
			return
		}
		config.Verbosef("log: recovering incomplete multi-part batch starting at offset %d", firstRecordOffset)
		batch := decodeWriteBatch(buffer, firstRecordOffset)
		batch.Recovered = true
		batches = append(batches, batch)
		buffer = nil
		firstRecordOffset = -1
	}

	for _, rec := range physicalRecords {
		switch rec.RecordType {
		case TypeFull:
			flushPartial()
			batch := decodeWriteBatch(rec.Contents, rec.ContentsOffset)
			if rec.Recovered {
				batch.Recovered = true
			}
			batches = append(batches, batch)
		case TypeFirst:
			flushPartial()
			buffer = append([]byte(nil), rec.Contents...)
			firstRecordOffset = rec.ContentsOffset
		case TypeMiddle:
			if buffer != nil {
				buffer = append(buffer, rec.Contents...)
			} else {
				config.Verbosef("log: middle block without a preceding first block near offset %d", rec.ContentsOffset)
			}
		case TypeLast:
			if buffer == nil {
				config.Verbosef("log: last block without preceding blocks near offset %d", rec.ContentsOffset)
				continue
			}
			buffer = append(buffer, rec.Contents...)
			batch := decodeWriteBatch(buffer, firstRecordOffset)
			if rec.Recovered {
				batch.Recovered = true
			}
			batches = append(batches, batch)
			buffer = nil
			firstRecordOffset = -1
		default:
			config.Verbosef("log: unexpected physical record type %d at offset %d", rec.RecordType, rec.ContentsOffset)
			flushPartial()
		}
	}
	flushPartial()

	return batches, nil
}

func (fr *FileReader) getPhysicalRecords() ([]*PhysicalRecord, error) {
	f, err := os.Open(fr.filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat %s: %w", fr.filename, err)
	}
	fileSize := stat.Size()

	var records []*PhysicalRecord
	for blockOffset := int64(0); blockOffset < fileSize; blockOffset += BlockSize {
		bytesToRead := int64(BlockSize)
		if blockOffset+bytesToRead > fileSize {
			bytesToRead = fileSize - blockOffset
		}

		blockData := make([]byte, bytesToRead)
		n, readErr := f.ReadAt(blockData, blockOffset)
		if readErr != nil && readErr != io.EOF {
			return records, fmt.Errorf("read error at offset %d: %w", blockOffset, readErr)
		}
		if n == 0 {
			continue
		}

		decoder := common.NewLevelDBDecoder(blockData[:n])
		for {
			record, decodeErr := decodePhysicalRecord(decoder, blockOffset)
			if decodeErr != nil {
				if decodeErr != io.EOF && decodeErr != io.ErrUnexpectedEOF {
					config.Verbosef("log: stopping block at %d: %v", blockOffset, decodeErr)
				}
				break
			}
			records = append(records, record)
		}
	}
	return records, nil
}
