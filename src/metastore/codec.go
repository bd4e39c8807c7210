package metastore

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Records are stored as protobuf wire messages so fields can be added
// without breaking older entries.

const (
	fileFieldID         protowire.Number = 1
	fileFieldName       protowire.Number = 2
	fileFieldSize       protowire.Number = 3
	fileFieldOwner      protowire.Number = 4
	fileFieldUploadedAt protowire.Number = 5
)

const (
	blockFieldFileID    protowire.Number = 1
	blockFieldIndex     protowire.Number = 2
	blockFieldNodeID    protowire.Number = 3
	blockFieldSize      protowire.Number = 4
	blockFieldChecksum  protowire.Number = 5
	blockFieldIsReplica protowire.Number = 6
	blockFieldReplicaOf protowire.Number = 7
	blockFieldRank      protowire.Number = 8
	blockFieldLocation  protowire.Number = 9
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func encodeFile(f File) []byte {
	var b []byte
	b = appendString(b, fileFieldID, f.ID)
	b = appendString(b, fileFieldName, f.Filename)
	b = appendVarint(b, fileFieldSize, uint64(f.SizeBytes))
	b = appendString(b, fileFieldOwner, f.OwnerID)
	b = appendVarint(b, fileFieldUploadedAt, uint64(f.UploadedAt.UnixNano()))
	return b
}

func encodeBlock(blk Block) []byte {
	var b []byte
	b = appendString(b, blockFieldFileID, blk.FileID)
	b = appendVarint(b, blockFieldIndex, uint64(blk.Index))
	b = appendString(b, blockFieldNodeID, blk.NodeID)
	b = appendVarint(b, blockFieldSize, uint64(blk.SizeBytes))
	b = appendString(b, blockFieldChecksum, blk.Checksum)
	b = appendVarint(b, blockFieldIsReplica, protowire.EncodeBool(blk.IsReplica))
	b = appendVarint(b, blockFieldReplicaOf, uint64(blk.ReplicaOf))
	b = appendVarint(b, blockFieldRank, uint64(blk.Rank))
	b = appendString(b, blockFieldLocation, blk.Location)
	return b
}

// walkFields calls fn for each field. fn reports the bytes it consumed;
// fields it does not handle are skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, bool)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("failed to read field tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		n, handled := fn(num, typ, b)
		if !handled {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("failed to read field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func decodeFile(data []byte) (File, error) {
	var f File
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		switch {
		case num == fileFieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.ID = v
			return n, true
		case num == fileFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.Filename = v
			return n, true
		case num == fileFieldSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.SizeBytes = int64(v)
			return n, true
		case num == fileFieldOwner && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.OwnerID = v
			return n, true
		case num == fileFieldUploadedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.UploadedAt = time.Unix(0, int64(v))
			return n, true
		}
		return 0, false
	})
	if err != nil {
		return File{}, fmt.Errorf("failed to decode file record: %w", err)
	}
	return f, nil
}

func decodeBlock(data []byte) (Block, error) {
	var blk Block
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		if typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			switch num {
			case blockFieldFileID:
				blk.FileID = v
			case blockFieldNodeID:
				blk.NodeID = v
			case blockFieldChecksum:
				blk.Checksum = v
			case blockFieldLocation:
				blk.Location = v
			default:
				return 0, false
			}
			return n, true
		}
		if typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			switch num {
			case blockFieldIndex:
				blk.Index = uint32(v)
			case blockFieldSize:
				blk.SizeBytes = int64(v)
			case blockFieldIsReplica:
				blk.IsReplica = protowire.DecodeBool(v)
			case blockFieldReplicaOf:
				blk.ReplicaOf = uint32(v)
			case blockFieldRank:
				blk.Rank = uint32(v)
			default:
				return 0, false
			}
			return n, true
		}
		return 0, false
	})
	if err != nil {
		return Block{}, fmt.Errorf("failed to decode block record: %w", err)
	}
	return blk, nil
}
