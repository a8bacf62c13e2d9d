package model

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Blob layout, all integers little endian:
//
//	forest: "HGIF" | version u16 | dims u16 | trees u32 | sample_size u32 |
//	        effective_sample u32 | height_limit u32 | contamination f64 |
//	        offset f64 | seed i64 | trees...
//	tree:   node_count u32 | nodes in preorder
//	node:   0x00 size u32 (leaf) | 0x01 dim u16 split f64 (split)
//
//	scaler: "HGSS" | version u16 | dims u16 | mean f64*dims | scale f64*dims
const (
	forestMagic  = "HGIF"
	scalerMagic  = "HGSS"
	codecVersion = uint16(1)

	nodeLeaf  = byte(0)
	nodeSplit = byte(1)

	maxDims        = 1024
	maxHeightLimit = 64
	minTreeBytes   = 4 + 1 + 4
)

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("malformed model blob")

var byteOrder = binary.LittleEndian

type forestHeader struct {
	Version         uint16
	Dims            uint16
	Trees           uint32
	SampleSize      uint32
	EffectiveSample uint32
	HeightLimit     uint32
	Contamination   float64
	Offset          float64
	Seed            int64
}

// MarshalBinary encodes the forest.
func (f *IsolationForest) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(forestMagic)
	hdr := forestHeader{
		Version:         codecVersion,
		Dims:            uint16(f.dims),
		Trees:           uint32(len(f.trees)),
		SampleSize:      uint32(f.params.SampleSize),
		EffectiveSample: uint32(f.sampleSize),
		HeightLimit:     uint32(f.heightLimit),
		Contamination:   f.params.Contamination,
		Offset:          f.offset,
		Seed:            f.params.Seed,
	}
	if err := binary.Write(&buf, byteOrder, hdr); err != nil {
		return nil, err
	}
	for _, t := range f.trees {
		var nodes bytes.Buffer
		count := writeNode(&nodes, t)
		if err := binary.Write(&buf, byteOrder, uint32(count)); err != nil {
			return nil, err
		}
		buf.Write(nodes.Bytes())
	}
	return buf.Bytes(), nil
}

func writeNode(w *bytes.Buffer, nd *node) int {
	if nd.leaf {
		w.WriteByte(nodeLeaf)
		_ = binary.Write(w, byteOrder, uint32(nd.size))
		return 1
	}
	w.WriteByte(nodeSplit)
	_ = binary.Write(w, byteOrder, uint16(nd.dim))
	_ = binary.Write(w, byteOrder, nd.split)
	return 1 + writeNode(w, nd.left) + writeNode(w, nd.right)
}

// UnmarshalForest decodes a blob produced by MarshalBinary.
func UnmarshalForest(data []byte) (*IsolationForest, error) {
	r := bytes.NewReader(data)
	if err := readMagic(r, forestMagic); err != nil {
		return nil, err
	}
	var hdr forestHeader
	if err := binary.Read(r, byteOrder, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if hdr.Version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported forest version %d", ErrMalformed, hdr.Version)
	}
	if hdr.Dims == 0 || hdr.Trees == 0 || hdr.EffectiveSample == 0 {
		return nil, fmt.Errorf("%w: empty forest", ErrMalformed)
	}
	if math.IsNaN(hdr.Offset) || math.IsNaN(hdr.Contamination) {
		return nil, fmt.Errorf("%w: NaN parameters", ErrMalformed)
	}
	if hdr.Dims > maxDims || hdr.HeightLimit > maxHeightLimit {
		return nil, fmt.Errorf("%w: %d features, height limit %d", ErrMalformed, hdr.Dims, hdr.HeightLimit)
	}
	// Each tree takes at least a node count and one leaf.
	if int64(hdr.Trees) > int64(r.Len())/minTreeBytes {
		return nil, fmt.Errorf("%w: %d trees declared in %d bytes", ErrMalformed, hdr.Trees, r.Len())
	}

	f := &IsolationForest{
		params: ForestParams{
			NumTrees:      int(hdr.Trees),
			SampleSize:    int(hdr.SampleSize),
			Contamination: hdr.Contamination,
			Seed:          hdr.Seed,
		},
		dims:        int(hdr.Dims),
		sampleSize:  int(hdr.EffectiveSample),
		heightLimit: int(hdr.HeightLimit),
		offset:      hdr.Offset,
	}

	// A tree of height h has at most 2^(h+1)-1 nodes.
	maxNodes := uint32(1)<<uint(min(f.heightLimit+1, 31)) - 1
	for i := uint32(0); i < hdr.Trees; i++ {
		var count uint32
		if err := binary.Read(r, byteOrder, &count); err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrMalformed, i, err)
		}
		if count == 0 || count > maxNodes {
			return nil, fmt.Errorf("%w: tree %d has %d nodes", ErrMalformed, i, count)
		}
		remaining := int(count)
		root, err := readNode(r, f.dims, 0, f.heightLimit, &remaining)
		if err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrMalformed, i, err)
		}
		if remaining != 0 {
			return nil, fmt.Errorf("%w: tree %d declares %d extra nodes", ErrMalformed, i, remaining)
		}
		f.trees = append(f.trees, root)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}
	return f, nil
}

func readNode(r *bytes.Reader, dims, depth, limit int, remaining *int) (*node, error) {
	if *remaining <= 0 {
		return nil, errors.New("node count exceeded")
	}
	if depth > limit {
		return nil, errors.New("tree deeper than height limit")
	}
	*remaining--

	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch kind {
	case nodeLeaf:
		var size uint32
		if err := binary.Read(r, byteOrder, &size); err != nil {
			return nil, err
		}
		return &node{leaf: true, size: int(size)}, nil
	case nodeSplit:
		var dim uint16
		var split float64
		if err := binary.Read(r, byteOrder, &dim); err != nil {
			return nil, err
		}
		if err := binary.Read(r, byteOrder, &split); err != nil {
			return nil, err
		}
		if int(dim) >= dims {
			return nil, fmt.Errorf("split on feature %d of %d", dim, dims)
		}
		left, err := readNode(r, dims, depth+1, limit, remaining)
		if err != nil {
			return nil, err
		}
		right, err := readNode(r, dims, depth+1, limit, remaining)
		if err != nil {
			return nil, err
		}
		return &node{dim: int(dim), split: split, left: left, right: right}, nil
	}
	return nil, fmt.Errorf("unknown node kind %#x", kind)
}

// MarshalBinary encodes the scaler.
func (s *StandardScaler) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(scalerMagic)
	if err := binary.Write(&buf, byteOrder, codecVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, byteOrder, uint16(len(s.Mean))); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, byteOrder, s.Mean); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, byteOrder, s.Scale); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalScaler decodes a blob produced by StandardScaler.MarshalBinary.
func UnmarshalScaler(data []byte) (*StandardScaler, error) {
	r := bytes.NewReader(data)
	if err := readMagic(r, scalerMagic); err != nil {
		return nil, err
	}
	var version, dims uint16
	if err := binary.Read(r, byteOrder, &version); err != nil {
		return nil, fmt.Errorf("%w: version: %v", ErrMalformed, err)
	}
	if version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported scaler version %d", ErrMalformed, version)
	}
	if err := binary.Read(r, byteOrder, &dims); err != nil {
		return nil, fmt.Errorf("%w: dims: %v", ErrMalformed, err)
	}
	if dims == 0 || r.Len() != int(dims)*16 {
		return nil, fmt.Errorf("%w: scaler body has %d bytes for %d features", ErrMalformed, r.Len(), dims)
	}

	s := &StandardScaler{Mean: make([]float64, dims), Scale: make([]float64, dims)}
	if err := binary.Read(r, byteOrder, s.Mean); err != nil {
		return nil, fmt.Errorf("%w: mean: %v", ErrMalformed, err)
	}
	if err := binary.Read(r, byteOrder, s.Scale); err != nil {
		return nil, fmt.Errorf("%w: scale: %v", ErrMalformed, err)
	}
	for i, v := range s.Scale {
		if v == 0 || math.IsNaN(v) || math.IsNaN(s.Mean[i]) {
			return nil, fmt.Errorf("%w: invalid statistics for feature %d", ErrMalformed, i)
		}
	}
	return s, nil
}

func readMagic(r io.Reader, want string) error {
	got := make([]byte, len(want))
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if string(got) != want {
		return fmt.Errorf("%w: bad magic %q", ErrMalformed, got)
	}
	return nil
}
