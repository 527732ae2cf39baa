package qcow2

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"

	"golang.org/x/xerrors"
)

// Extension is a header extension. Data is unpadded.
type Extension struct {
	Type uint32
	Data []byte
}

func (e Extension) String() string {
	switch e.Type {
	case ExtEnd:
		return "end"
	case ExtBackingFormat:
		return "backing format " + string(e.Data)
	case ExtFeatureNameTable:
		fs, err := e.featureNames()
		if err != nil {
			return "feature name table"
		}
		names := make([]string, len(fs))
		for i, f := range fs {
			names[i] = f.Name
		}
		return "feature name table (" + strings.Join(names, ", ") + ")"
	case ExtBitmaps:
		return "bitmaps"
	case ExtFullDiskEncrypt:
		return "full disk encryption"
	case ExtExternalDataFile:
		return "external data file " + string(bytes.TrimRight(e.Data, "\x00 "))
	}
	return "unknown"
}

func (e Extension) writeTo(b *bytes.Buffer) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], e.Type)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(e.Data)))
	b.Write(hdr[:])
	b.Write(e.Data)
	b.Write(make([]byte, pad8(len(e.Data))))
}

func pad8(n int) int {
	return (8 - n%8) % 8
}

// readExtensions reads extensions from off up to and excluding the end
// marker. Extensions must fit in the first cluster.
func readExtensions(r io.ReaderAt, off, limit int64) ([]Extension, error) {
	var exts []Extension
	for {
		if off+8 > limit {
			return nil, xerrors.Errorf("extensions run past the header cluster: %w", ErrMalformedHeader)
		}
		var hdr [8]byte
		if _, err := r.ReadAt(hdr[:], off); err != nil {
			return nil, xerrors.Errorf("read extension header: %w", err)
		}
		typ := binary.BigEndian.Uint32(hdr[:4])
		n := int64(binary.BigEndian.Uint32(hdr[4:]))
		off += 8
		if typ == ExtEnd {
			return exts, nil
		}
		if off+n > limit {
			return nil, xerrors.Errorf("extension 0x%08x runs past the header cluster: %w", typ, ErrMalformedHeader)
		}
		data := make([]byte, n)
		if _, err := r.ReadAt(data, off); err != nil {
			return nil, xerrors.Errorf("read extension 0x%08x: %w", typ, err)
		}
		off += n + int64(pad8(int(n)))

		e := Extension{Type: typ, Data: data}
		switch typ {
		case ExtBackingFormat, ExtFeatureNameTable, ExtBitmaps, ExtFullDiskEncrypt, ExtExternalDataFile:
			log.Debugw("header extension", "extension", e.String())
		default:
			log.Warnw("ignoring unknown header extension", "type", typ, "length", n)
		}
		exts = append(exts, e)
	}
}

// featureName is an entry of the feature name table.
type featureName struct {
	Type uint8 // 0 incompatible, 1 compatible, 2 autoclear
	Bit  uint8
	Name string
}

const featureEntrySize = 48

// featureNames decodes a feature name table extension.
func (e Extension) featureNames() ([]featureName, error) {
	if e.Type != ExtFeatureNameTable {
		return nil, xerrors.Errorf("extension 0x%08x is not a feature name table", e.Type)
	}
	if len(e.Data)%featureEntrySize != 0 {
		return nil, xerrors.Errorf("feature name table of %d bytes: %w", len(e.Data), ErrMalformedHeader)
	}
	out := make([]featureName, 0, len(e.Data)/featureEntrySize)
	for p := e.Data; len(p) > 0; p = p[featureEntrySize:] {
		out = append(out, featureName{
			Type: p[0],
			Bit:  p[1],
			Name: string(bytes.TrimRight(p[2:featureEntrySize], "\x00")),
		})
	}
	return out, nil
}

// featureNameTable encodes features as a feature name table extension.
func featureNameTable(features []featureName) Extension {
	data := make([]byte, 0, len(features)*featureEntrySize)
	for _, f := range features {
		entry := make([]byte, featureEntrySize)
		entry[0] = f.Type
		entry[1] = f.Bit
		copy(entry[2:], f.Name)
		data = append(data, entry...)
	}
	return Extension{Type: ExtFeatureNameTable, Data: data}
}
