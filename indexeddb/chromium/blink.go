package chromium

import (
	"fmt"
)

// BlinkSerializationTag identifies an engine host object inside a serialized
// value. Only the tags needed for IndexedDB recovery decode to structures;
// every other recognized tag fails with ErrUnsupportedTag so a value is never
// silently mis-decoded.
type BlinkSerializationTag byte

const (
	BlinkMessagePort                    BlinkSerializationTag = 'M'
	BlinkMojoHandle                     BlinkSerializationTag = 'h'
	BlinkBlob                           BlinkSerializationTag = 'b'
	BlinkBlobIndex                      BlinkSerializationTag = 'i'
	BlinkFile                           BlinkSerializationTag = 'f'
	BlinkFileIndex                      BlinkSerializationTag = 'e'
	BlinkDOMFileSystem                  BlinkSerializationTag = 'd'
	BlinkNativeFileSystemFileHandle     BlinkSerializationTag = 'n'
	BlinkNativeFileSystemDirectoryTag   BlinkSerializationTag = 'N'
	BlinkFileList                       BlinkSerializationTag = 'l'
	BlinkFileListIndex                  BlinkSerializationTag = 'L'
	BlinkImageData                      BlinkSerializationTag = '#'
	BlinkImageBitmap                    BlinkSerializationTag = 'g'
	BlinkImageBitmapTransfer            BlinkSerializationTag = 'G'
	BlinkOffscreenCanvasTransfer        BlinkSerializationTag = 'H'
	BlinkReadableStreamTransfer         BlinkSerializationTag = 'r'
	BlinkTransformStreamTransfer        BlinkSerializationTag = 'm'
	BlinkWritableStreamTransfer         BlinkSerializationTag = 'w'
	BlinkDOMPoint                       BlinkSerializationTag = 'Q'
	BlinkDOMPointReadOnly               BlinkSerializationTag = 'W'
	BlinkDOMRect                        BlinkSerializationTag = 'E'
	BlinkDOMRectReadOnly                BlinkSerializationTag = 'R'
	BlinkDOMQuad                        BlinkSerializationTag = 'T'
	BlinkDOMMatrix                      BlinkSerializationTag = 'Y'
	BlinkDOMMatrixReadOnly              BlinkSerializationTag = 'U'
	BlinkDOMMatrix2D                    BlinkSerializationTag = 'I'
	BlinkDOMMatrix2DReadOnly            BlinkSerializationTag = 'O'
	BlinkCryptoKey                      BlinkSerializationTag = 'K'
	BlinkRTCCertificate                 BlinkSerializationTag = 'k'
	BlinkRTCEncodedAudioFrame           BlinkSerializationTag = 'A'
	BlinkRTCEncodedVideoFrame           BlinkSerializationTag = 'V'
	BlinkVideoFrame                     BlinkSerializationTag = 'v'
	BlinkDeprecatedDetectedBarcode      BlinkSerializationTag = 'B'
	BlinkDeprecatedDetectedFace         BlinkSerializationTag = 'F'
	BlinkDeprecatedDetectedText         BlinkSerializationTag = 't'
	BlinkDOMException                   BlinkSerializationTag = 'x'
)

var blinkTagNames = map[BlinkSerializationTag]string{
	BlinkMessagePort:                  "MessagePort",
	BlinkMojoHandle:                   "MojoHandle",
	BlinkBlob:                         "Blob",
	BlinkFile:                         "File",
	BlinkDOMFileSystem:                "DOMFileSystem",
	BlinkNativeFileSystemFileHandle:   "NativeFileSystemFileHandle",
	BlinkNativeFileSystemDirectoryTag: "NativeFileSystemDirectoryHandle",
	BlinkFileList:                     "FileList",
	BlinkImageData:                    "ImageData",
	BlinkImageBitmap:                  "ImageBitmap",
	BlinkImageBitmapTransfer:          "ImageBitmapTransfer",
	BlinkOffscreenCanvasTransfer:      "OffscreenCanvasTransfer",
	BlinkReadableStreamTransfer:       "ReadableStreamTransfer",
	BlinkTransformStreamTransfer:      "TransformStreamTransfer",
	BlinkWritableStreamTransfer:       "WritableStreamTransfer",
	BlinkDOMPoint:                     "DOMPoint",
	BlinkDOMPointReadOnly:             "DOMPointReadOnly",
	BlinkDOMRect:                      "DOMRect",
	BlinkDOMRectReadOnly:              "DOMRectReadOnly",
	BlinkDOMQuad:                      "DOMQuad",
	BlinkDOMMatrix:                    "DOMMatrix",
	BlinkDOMMatrixReadOnly:            "DOMMatrixReadOnly",
	BlinkDOMMatrix2D:                  "DOMMatrix2D",
	BlinkDOMMatrix2DReadOnly:          "DOMMatrix2DReadOnly",
	BlinkRTCCertificate:               "RTCCertificate",
	BlinkRTCEncodedAudioFrame:         "RTCEncodedAudioFrame",
	BlinkRTCEncodedVideoFrame:         "RTCEncodedVideoFrame",
	BlinkVideoFrame:                   "VideoFrame",
	BlinkDeprecatedDetectedBarcode:    "DeprecatedDetectedBarcode",
	BlinkDeprecatedDetectedFace:       "DeprecatedDetectedFace",
	BlinkDeprecatedDetectedText:       "DeprecatedDetectedText",
	BlinkDOMException:                 "DOMException",
}

// BlobIndexKind distinguishes blob and file references.
type BlobIndexKind int

const (
	BlobIndexBlob BlobIndexKind = iota
	BlobIndexFile
)

func (k BlobIndexKind) String() string {
	if k == BlobIndexFile {
		return "file"
	}
	return "blob"
}

// BlobIndex references an external object by its index within the owning
// record's blob entry metadata.
type BlobIndex struct {
	Kind  BlobIndexKind `json:"kind"`
	Index uint64        `json:"index"`
}

// CryptoKeySubType is the union discriminator of a serialized WebCrypto key.
type CryptoKeySubType byte

const (
	AesKey       CryptoKeySubType = 1
	HmacKey      CryptoKeySubType = 2
	RsaHashedKey CryptoKeySubType = 4
	EcKey        CryptoKeySubType = 5
	NoParamsKey  CryptoKeySubType = 6
)

// CryptoKeyAlgorithm identifies a WebCrypto algorithm or hash.
type CryptoKeyAlgorithm uint32

const (
	AesCbc          CryptoKeyAlgorithm = 1
	Hmac            CryptoKeyAlgorithm = 2
	RsaSsaPkcs1v1_5 CryptoKeyAlgorithm = 3
	Sha1            CryptoKeyAlgorithm = 5
	Sha256          CryptoKeyAlgorithm = 6
	Sha384          CryptoKeyAlgorithm = 7
	Sha512          CryptoKeyAlgorithm = 8
	AesGcm          CryptoKeyAlgorithm = 9
	RsaOaep         CryptoKeyAlgorithm = 10
	AesCtr          CryptoKeyAlgorithm = 11
	AesKw           CryptoKeyAlgorithm = 12
	RsaPss          CryptoKeyAlgorithm = 13
	Ecdsa           CryptoKeyAlgorithm = 14
	Ecdh            CryptoKeyAlgorithm = 15
	Hkdf            CryptoKeyAlgorithm = 16
	Pbkdf2          CryptoKeyAlgorithm = 17
)

// AsymmetricKeyType marks public vs private halves of an asymmetric key.
type AsymmetricKeyType byte

const (
	PublicKey  AsymmetricKeyType = 1
	PrivateKey AsymmetricKeyType = 2
)

// NamedCurve identifies the EC curve of an EC key.
type NamedCurve uint32

const (
	CurveP256 NamedCurve = 1
	CurveP384 NamedCurve = 2
	CurveP521 NamedCurve = 3
)

// Key usage bit flags.
const (
	UsageExtractable = 1 << 0
	UsageEncrypt     = 1 << 1
	UsageDecrypt     = 1 << 2
	UsageSign        = 1 << 3
	UsageVerify      = 1 << 4
	UsageDeriveKey   = 1 << 5
	UsageWrapKey     = 1 << 6
	UsageUnwrapKey   = 1 << 7
	UsageDeriveBits  = 1 << 8
)

// CryptoKey is a decoded WebCrypto key. Fields not carried by the sub-type
// stay nil.
type CryptoKey struct {
	SubType           CryptoKeySubType    `json:"sub_type"`
	AlgorithmType     *CryptoKeyAlgorithm `json:"algorithm_type,omitempty"`
	HashType          *CryptoKeyAlgorithm `json:"hash_type,omitempty"`
	AsymmetricKeyType *AsymmetricKeyType  `json:"asymmetric_key_type,omitempty"`
	NamedCurveType    *NamedCurve         `json:"named_curve_type,omitempty"`
	ByteLength        *uint32             `json:"byte_length,omitempty"`
	PublicExponent    []byte              `json:"public_exponent,omitempty"`
	KeyUsage          uint32              `json:"key_usage"`
	KeyData           []byte              `json:"key_data"`
}

// BlinkDeserializer decodes the host objects IndexedDB values can carry.
type BlinkDeserializer struct{}

func NewBlinkDeserializer() *BlinkDeserializer { return &BlinkDeserializer{} }

// ReadHostObject decodes the host object at the stream's current position.
func (bd *BlinkDeserializer) ReadHostObject(d *V8Deserializer) (any, error) {
	_, tagByte, err := d.Decoder().DecodeUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: host object tag missing", ErrMalformedKey)
	}

	switch BlinkSerializationTag(tagByte) {
	case BlinkBlobIndex:
		return bd.readBlobIndex(d, BlobIndexBlob)
	case BlinkFileIndex:
		return bd.readBlobIndex(d, BlobIndexFile)
	case BlinkFileListIndex:
		return bd.readFileListIndex(d)
	case BlinkCryptoKey:
		return bd.readCryptoKey(d)
	}

	if name, recognized := blinkTagNames[BlinkSerializationTag(tagByte)]; recognized {
		return nil, fmt.Errorf("%w: blink %s", ErrUnsupportedTag, name)
	}
	return nil, fmt.Errorf("%w: blink tag 0x%02x", ErrUnsupportedTag, tagByte)
}

func (bd *BlinkDeserializer) readBlobIndex(d *V8Deserializer, kind BlobIndexKind) (BlobIndex, error) {
	_, index, err := d.Decoder().DecodeVarint()
	if err != nil {
		return BlobIndex{}, fmt.Errorf("%w: %s index", ErrMalformedVarint, kind)
	}
	return BlobIndex{Kind: kind, Index: index}, nil
}

func (bd *BlinkDeserializer) readFileListIndex(d *V8Deserializer) ([]BlobIndex, error) {
	_, count, err := d.Decoder().DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("%w: file list length", ErrMalformedVarint)
	}
	if int64(count) > d.Decoder().Remaining() {
		return nil, fmt.Errorf("%w: file list of %d entries exceeds remaining bytes", ErrMalformedKey, count)
	}
	out := make([]BlobIndex, 0, count)
	for i := uint64(0); i < count; i++ {
		idx, err := bd.readBlobIndex(d, BlobIndexFile)
		if err != nil {
			return nil, err
		}
		out = append(out, idx)
	}
	return out, nil
}

func (bd *BlinkDeserializer) readVarint32(d *V8Deserializer, what string) (uint32, error) {
	_, v, err := d.Decoder().DecodeVarint32()
	if err != nil {
		return 0, fmt.Errorf("%w: crypto key %s", ErrMalformedVarint, what)
	}
	return v, nil
}

func (bd *BlinkDeserializer) readCryptoKey(d *V8Deserializer) (*CryptoKey, error) {
	_, subTypeByte, err := d.Decoder().DecodeUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: crypto key sub-type missing", ErrMalformedKey)
	}

	key := &CryptoKey{SubType: CryptoKeySubType(subTypeByte)}
	switch key.SubType {
	case AesKey:
		algorithm, err := bd.readVarint32(d, "algorithm id")
		if err != nil {
			return nil, err
		}
		byteLength, err := bd.readVarint32(d, "byte length")
		if err != nil {
			return nil, err
		}
		algo := CryptoKeyAlgorithm(algorithm)
		key.AlgorithmType = &algo
		key.ByteLength = &byteLength

	case HmacKey:
		byteLength, err := bd.readVarint32(d, "byte length")
		if err != nil {
			return nil, err
		}
		hash, err := bd.readVarint32(d, "hash id")
		if err != nil {
			return nil, err
		}
		hashAlgo := CryptoKeyAlgorithm(hash)
		key.ByteLength = &byteLength
		key.HashType = &hashAlgo

	case RsaHashedKey:
		algorithm, err := bd.readVarint32(d, "algorithm id")
		if err != nil {
			return nil, err
		}
		_, keyTypeByte, err := d.Decoder().DecodeUint8()
		if err != nil {
			return nil, fmt.Errorf("%w: crypto key asymmetric type missing", ErrMalformedKey)
		}
		byteLength, err := bd.readVarint32(d, "modulus length")
		if err != nil {
			return nil, err
		}
		exponentLength, err := bd.readVarint32(d, "public exponent length")
		if err != nil {
			return nil, err
		}
		_, exponent, err := d.Decoder().ReadBytes(int(exponentLength))
		if err != nil {
			return nil, fmt.Errorf("%w: public exponent truncated", ErrMalformedKey)
		}
		hash, err := bd.readVarint32(d, "hash id")
		if err != nil {
			return nil, err
		}
		algo := CryptoKeyAlgorithm(algorithm)
		hashAlgo := CryptoKeyAlgorithm(hash)
		keyType := AsymmetricKeyType(keyTypeByte)
		key.AlgorithmType = &algo
		key.AsymmetricKeyType = &keyType
		key.ByteLength = &byteLength
		key.PublicExponent = exponent
		key.HashType = &hashAlgo

	case EcKey:
		algorithm, err := bd.readVarint32(d, "algorithm id")
		if err != nil {
			return nil, err
		}
		_, keyTypeByte, err := d.Decoder().DecodeUint8()
		if err != nil {
			return nil, fmt.Errorf("%w: crypto key asymmetric type missing", ErrMalformedKey)
		}
		curve, err := bd.readVarint32(d, "named curve")
		if err != nil {
			return nil, err
		}
		algo := CryptoKeyAlgorithm(algorithm)
		keyType := AsymmetricKeyType(keyTypeByte)
		namedCurve := NamedCurve(curve)
		key.AlgorithmType = &algo
		key.AsymmetricKeyType = &keyType
		key.NamedCurveType = &namedCurve

	case NoParamsKey:
		algorithm, err := bd.readVarint32(d, "algorithm id")
		if err != nil {
			return nil, err
		}
		algo := CryptoKeyAlgorithm(algorithm)
		key.AlgorithmType = &algo

	default:
		return nil, fmt.Errorf("%w: crypto key sub-type %d", ErrUnsupportedTag, subTypeByte)
	}

	key.KeyUsage, err = bd.readVarint32(d, "usage flags")
	if err != nil {
		return nil, err
	}
	keyLength, err := bd.readVarint32(d, "data length")
	if err != nil {
		return nil, err
	}
	_, keyData, err := d.Decoder().ReadBytes(int(keyLength))
	if err != nil {
		return nil, fmt.Errorf("%w: key data truncated", ErrMalformedKey)
	}
	key.KeyData = keyData
	return key, nil
}
