// Package propdata implements the opaque binary layout used to persist
// Provider/Service/OS-manager plug-in configuration (the `data` column on
// those tables): a fixed, explicit binary format with a magic header, a
// CRC32 of the payload, then a sequence of name/type/value tuples. The
// payload can optionally be wrapped in a zlib frame (magic MGZAS1)
// and/or an AEAD-encrypted frame (magic MGEAS1).
package propdata

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// Magic is the header every encoded blob starts with.
var Magic = [6]byte{'U', 'D', 'S', 'D', '0', '1'}

// ZlibMagic marks a zlib-compressed frame wrapping an encoded blob.
var ZlibMagic = [6]byte{'M', 'G', 'Z', 'A', 'S', '1'}

// AEADMagic marks an AEAD-encrypted frame wrapping an (optionally
// compressed) encoded blob.
var AEADMagic = [6]byte{'M', 'G', 'E', 'A', 'S', '1'}

// Field is one name/type/value tuple inside a decoded blob. Type is a short
// string tag ("str", "int", "bool", "bytes", ...) interpreted by the caller;
// the codec itself treats Value as an opaque byte string.
type Field struct {
	Name  string
	Type  string
	Value []byte
}

// Encode serializes fields into the magic-header + CRC32 + tuples layout.
func Encode(fields []Field) ([]byte, error) {
	var body bytes.Buffer
	for _, f := range fields {
		if len(f.Name) > 0xFFFF || len(f.Type) > 0xFFFF {
			return nil, fmt.Errorf("propdata: field name/type too long: %q", f.Name)
		}
		if err := binary.Write(&body, binary.BigEndian, uint16(len(f.Name))); err != nil {
			return nil, err
		}
		if err := binary.Write(&body, binary.BigEndian, uint16(len(f.Type))); err != nil {
			return nil, err
		}
		if err := binary.Write(&body, binary.BigEndian, uint32(len(f.Value))); err != nil {
			return nil, err
		}
		body.WriteString(f.Name)
		body.WriteString(f.Type)
		body.Write(f.Value)
	}

	out := make([]byte, 0, 6+4+body.Len())
	out = append(out, Magic[:]...)
	crc := crc32.ChecksumIEEE(body.Bytes())
	out = binary.BigEndian.AppendUint32(out, crc)
	out = append(out, body.Bytes()...)
	return out, nil
}

// Decode reverses Encode, validating the magic header and CRC32.
func Decode(blob []byte) ([]Field, error) {
	if len(blob) < 10 || !bytes.Equal(blob[:6], Magic[:]) {
		return nil, fmt.Errorf("propdata: bad magic header")
	}
	wantCRC := binary.BigEndian.Uint32(blob[6:10])
	body := blob[10:]
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, fmt.Errorf("propdata: CRC32 mismatch, data corrupted")
	}

	var fields []Field
	r := bytes.NewReader(body)
	for r.Len() > 0 {
		var nameLen, typeLen uint16
		var valueLen uint32
		if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("propdata: truncated name length: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &typeLen); err != nil {
			return nil, fmt.Errorf("propdata: truncated type length: %w", err)
		}
		if err := binary.Read(r, binary.BigEndian, &valueLen); err != nil {
			return nil, fmt.Errorf("propdata: truncated value length: %w", err)
		}
		name := make([]byte, nameLen)
		typ := make([]byte, typeLen)
		value := make([]byte, valueLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("propdata: truncated name: %w", err)
		}
		if _, err := io.ReadFull(r, typ); err != nil {
			return nil, fmt.Errorf("propdata: truncated type: %w", err)
		}
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, fmt.Errorf("propdata: truncated value: %w", err)
		}
		fields = append(fields, Field{Name: string(name), Type: string(typ), Value: value})
	}
	return fields, nil
}

// Compress wraps an encoded blob in a zlib frame.
func Compress(blob []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(ZlibMagic[:])
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(blob); err != nil {
		return nil, fmt.Errorf("propdata: zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("propdata: zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(framed []byte) ([]byte, error) {
	if len(framed) < 6 || !bytes.Equal(framed[:6], ZlibMagic[:]) {
		return nil, fmt.Errorf("propdata: bad zlib frame header")
	}
	r, err := zlib.NewReader(bytes.NewReader(framed[6:]))
	if err != nil {
		return nil, fmt.Errorf("propdata: zlib reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("propdata: zlib read: %w", err)
	}
	return out, nil
}

// IsCompressed reports whether blob starts with the zlib frame magic.
func IsCompressed(blob []byte) bool {
	return len(blob) >= 6 && bytes.Equal(blob[:6], ZlibMagic[:])
}

// IsEncrypted reports whether blob starts with the AEAD frame magic.
func IsEncrypted(blob []byte) bool {
	return len(blob) >= 6 && bytes.Equal(blob[:6], AEADMagic[:])
}
