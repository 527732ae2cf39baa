// Package qcow2 reads QCOW2 version 3 headers and writes the minimal images
// needed for copy-on-write snapshots: an empty child backed by a parent image
// and an empty standalone base image.
//
// Layout reference: https://github.com/qemu/qemu/blob/master/docs/interop/qcow2.txt
package qcow2

import (
	"bytes"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

const (
	Magic   uint32 = 0x514649fb
	Version uint32 = 3

	// BareHeaderSize is the size of the fixed v3 header without the
	// compression type field.
	BareHeaderSize = 104
	// ExtendedHeaderSize includes the compression type field and its padding.
	ExtendedHeaderSize = 112

	MinClusterBits     = 9
	MaxClusterBits     = 21
	DefaultClusterBits = 16

	DefaultRefcountOrder = 4
	minRefcountOrder     = 3
	maxRefcountOrder     = 6

	maxBackingFileSize = 1023
)

// Header extension types.
const (
	ExtEnd              uint32 = 0x00000000
	ExtBackingFormat    uint32 = 0xe2792aca
	ExtFeatureNameTable uint32 = 0x6803f857
	ExtBitmaps          uint32 = 0x23852875
	ExtFullDiskEncrypt  uint32 = 0x0537be77
	ExtExternalDataFile uint32 = 0x44415441
)

var (
	ErrBadMagic           = xerrors.New("not a qcow2 image")
	ErrUnsupportedVersion = xerrors.New("unsupported qcow2 version")
	ErrUnsupportedFeature = xerrors.New("unsupported qcow2 feature")
	ErrMalformedHeader    = xerrors.New("malformed qcow2 header")
)

// rawHeader mirrors the on-disk field order of the bare v3 header.
type rawHeader struct {
	Magic                 uint32
	Version               uint32
	BackingFileOffset     uint64
	BackingFileSize       uint32
	ClusterBits           uint32
	Size                  uint64
	CryptMethod           uint32
	L1Size                uint32
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64
	IncompatibleFeatures  uint64
	CompatibleFeatures    uint64
	AutoclearFeatures     uint64
	RefcountOrder         uint32
	HeaderLength          uint32
}

// Header is a decoded v3 header. BackingFile and Extensions are stored out of
// the fixed area and are laid out by MarshalBinary.
type Header struct {
	ClusterBits           uint32
	Size                  uint64
	CryptMethod           uint32
	L1Size                uint32
	L1TableOffset         uint64
	RefcountTableOffset   uint64
	RefcountTableClusters uint32
	NbSnapshots           uint32
	SnapshotsOffset       uint64
	IncompatibleFeatures  uint64
	CompatibleFeatures    uint64
	AutoclearFeatures     uint64
	RefcountOrder         uint32
	HeaderLength          uint32
	CompressionType       uint8

	Extensions  []Extension
	BackingFile string
}

func (h *Header) ClusterSize() uint64 {
	return 1 << h.ClusterBits
}

// ReadHeader decodes and validates the header of the image in r. Images using
// anything beyond plain uncompressed, unencrypted clusters are refused.
func ReadHeader(r io.ReaderAt) (*Header, error) {
	var raw rawHeader
	if err := binary.Read(io.NewSectionReader(r, 0, BareHeaderSize), binary.BigEndian, &raw); err != nil {
		return nil, xerrors.Errorf("read header: %w", err)
	}
	if raw.Magic != Magic {
		return nil, xerrors.Errorf("magic 0x%08x: %w", raw.Magic, ErrBadMagic)
	}
	if raw.Version != Version {
		return nil, xerrors.Errorf("version %d: %w", raw.Version, ErrUnsupportedVersion)
	}
	h := &Header{
		ClusterBits:           raw.ClusterBits,
		Size:                  raw.Size,
		CryptMethod:           raw.CryptMethod,
		L1Size:                raw.L1Size,
		L1TableOffset:         raw.L1TableOffset,
		RefcountTableOffset:   raw.RefcountTableOffset,
		RefcountTableClusters: raw.RefcountTableClusters,
		NbSnapshots:           raw.NbSnapshots,
		SnapshotsOffset:       raw.SnapshotsOffset,
		IncompatibleFeatures:  raw.IncompatibleFeatures,
		CompatibleFeatures:    raw.CompatibleFeatures,
		AutoclearFeatures:     raw.AutoclearFeatures,
		RefcountOrder:         raw.RefcountOrder,
		HeaderLength:          raw.HeaderLength,
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	if h.HeaderLength == ExtendedHeaderSize {
		var ext [ExtendedHeaderSize - BareHeaderSize]byte
		if _, err := r.ReadAt(ext[:], BareHeaderSize); err != nil {
			return nil, xerrors.Errorf("read compression type: %w", err)
		}
		h.CompressionType = ext[0]
		if h.CompressionType != 0 {
			return nil, xerrors.Errorf("compression type %d: %w", h.CompressionType, ErrUnsupportedFeature)
		}
	}

	exts, err := readExtensions(r, int64(h.HeaderLength), int64(h.ClusterSize()))
	if err != nil {
		return nil, err
	}
	h.Extensions = exts

	if raw.BackingFileOffset > 0 {
		if raw.BackingFileSize > maxBackingFileSize {
			return nil, xerrors.Errorf("backing file name of %d bytes: %w", raw.BackingFileSize, ErrMalformedHeader)
		}
		name := make([]byte, raw.BackingFileSize)
		if _, err := r.ReadAt(name, int64(raw.BackingFileOffset)); err != nil {
			return nil, xerrors.Errorf("read backing file name: %w", err)
		}
		h.BackingFile = string(name)
	}
	return h, nil
}

func (h *Header) validate() error {
	switch {
	case h.ClusterBits < MinClusterBits || h.ClusterBits > MaxClusterBits:
		return xerrors.Errorf("cluster bits %d: %w", h.ClusterBits, ErrUnsupportedFeature)
	case h.CryptMethod != 0:
		return xerrors.Errorf("crypt method %d: %w", h.CryptMethod, ErrUnsupportedFeature)
	case h.NbSnapshots != 0 || h.SnapshotsOffset != 0:
		return xerrors.Errorf("internal snapshots: %w", ErrUnsupportedFeature)
	case h.IncompatibleFeatures != 0:
		return xerrors.Errorf("incompatible features 0x%x: %w", h.IncompatibleFeatures, ErrUnsupportedFeature)
	case h.CompatibleFeatures != 0:
		return xerrors.Errorf("compatible features 0x%x: %w", h.CompatibleFeatures, ErrUnsupportedFeature)
	case h.AutoclearFeatures != 0:
		return xerrors.Errorf("autoclear features 0x%x: %w", h.AutoclearFeatures, ErrUnsupportedFeature)
	case h.RefcountOrder < minRefcountOrder || h.RefcountOrder > maxRefcountOrder:
		return xerrors.Errorf("refcount order %d: %w", h.RefcountOrder, ErrUnsupportedFeature)
	case h.HeaderLength != BareHeaderSize && h.HeaderLength != ExtendedHeaderSize:
		return xerrors.Errorf("header length %d: %w", h.HeaderLength, ErrMalformedHeader)
	}
	return nil
}

// MarshalBinary encodes the header followed by its extensions, the end of
// extensions marker and the backing file name.
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.BackingFile) > maxBackingFileSize {
		return nil, xerrors.Errorf("backing file name of %d bytes: %w", len(h.BackingFile), ErrMalformedHeader)
	}

	var tail bytes.Buffer
	for _, e := range h.Extensions {
		if e.Type == ExtEnd {
			continue
		}
		e.writeTo(&tail)
	}
	Extension{Type: ExtEnd}.writeTo(&tail)

	raw := rawHeader{
		Magic:                 Magic,
		Version:               Version,
		ClusterBits:           h.ClusterBits,
		Size:                  h.Size,
		CryptMethod:           h.CryptMethod,
		L1Size:                h.L1Size,
		L1TableOffset:         h.L1TableOffset,
		RefcountTableOffset:   h.RefcountTableOffset,
		RefcountTableClusters: h.RefcountTableClusters,
		NbSnapshots:           h.NbSnapshots,
		SnapshotsOffset:       h.SnapshotsOffset,
		IncompatibleFeatures:  h.IncompatibleFeatures,
		CompatibleFeatures:    h.CompatibleFeatures,
		AutoclearFeatures:     h.AutoclearFeatures,
		RefcountOrder:         h.RefcountOrder,
		HeaderLength:          BareHeaderSize,
	}
	if h.BackingFile != "" {
		raw.BackingFileOffset = uint64(BareHeaderSize + tail.Len())
		raw.BackingFileSize = uint32(len(h.BackingFile))
		tail.WriteString(h.BackingFile)
	}

	var out bytes.Buffer
	out.Grow(BareHeaderSize + tail.Len())
	if err := binary.Write(&out, binary.BigEndian, &raw); err != nil {
		return nil, err
	}
	out.Write(tail.Bytes())
	return out.Bytes(), nil
}
