package vector

import (
	"bytes"
	"encoding/binary"
	"math/rand"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kura/internal/distance"
)

// Serialized layout:
//
//	magic "KHNS" | version u16 | dimensions u32 | nodeCount u32 | M u32 | efConstruction u32 | metric u8
//
// followed by a msgpack-encoded graphBody. All header integers are little-endian.
const (
	FormatVersion uint16 = 1
	headerSize           = 4 + 2 + 4 + 4 + 4 + 4 + 1
)

var magic = [4]byte{'K', 'H', 'N', 'S'}

// Header is the fixed-size prefix of a serialized index.
type Header struct {
	Version        uint16
	Dimensions     int
	NodeCount      int
	M              int
	EfConstruction int
	Metric         distance.Metric
}

type graphBody struct {
	M0               int          `msgpack:"m0"`
	EfSearch         int          `msgpack:"ef_search"`
	RebuildThreshold float64      `msgpack:"rebuild_threshold"`
	AutoRebuild      bool         `msgpack:"auto_rebuild"`
	Seed             int64        `msgpack:"seed"`
	MaxLevel         int          `msgpack:"max_level"`
	Entry            int64        `msgpack:"entry"`
	Nodes            []nodeRecord `msgpack:"nodes"`
	Deleted          []uint32     `msgpack:"deleted"`
}

type nodeRecord struct {
	ID        string     `msgpack:"id"`
	Level     int        `msgpack:"level"`
	Vector    []byte     `msgpack:"vector"`
	Neighbors [][]uint32 `msgpack:"neighbors"`
}

// Serialize encodes the graph, including tombstones, into a versioned blob.
func (h *HNSW) Serialize() ([]byte, error) {
	h.mu.RLock()
	body := graphBody{
		M0:               h.cfg.M0,
		EfSearch:         h.cfg.EfSearch,
		RebuildThreshold: h.cfg.RebuildThreshold,
		AutoRebuild:      h.cfg.AutoRebuild,
		Seed:             h.cfg.Seed,
		MaxLevel:         h.maxLevel,
		Entry:            -1,
		Nodes:            make([]nodeRecord, len(h.nodes)),
		Deleted:          h.deleted.ToArray(),
	}
	if h.hasEntry {
		body.Entry = int64(h.entry)
	}
	for i, n := range h.nodes {
		nbs := make([][]uint32, len(n.neighbors))
		for l := range n.neighbors {
			nbs[l] = append([]uint32(nil), n.neighbors[l]...)
		}
		body.Nodes[i] = nodeRecord{ID: n.id, Level: n.level, Vector: EncodeFloat32s(n.vector), Neighbors: nbs}
	}
	hdr := Header{
		Version:        FormatVersion,
		Dimensions:     h.dims,
		NodeCount:      len(h.nodes),
		M:              h.cfg.M,
		EfConstruction: h.cfg.EfConstruction,
		Metric:         h.cfg.Metric,
	}
	h.mu.RUnlock()

	var buf bytes.Buffer
	buf.Write(hdr.marshal())
	if err := msgpack.NewEncoder(&buf).Encode(&body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (hdr Header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b[0:4], magic[:])
	binary.LittleEndian.PutUint16(b[4:6], hdr.Version)
	binary.LittleEndian.PutUint32(b[6:10], uint32(hdr.Dimensions))
	binary.LittleEndian.PutUint32(b[10:14], uint32(hdr.NodeCount))
	binary.LittleEndian.PutUint32(b[14:18], uint32(hdr.M))
	binary.LittleEndian.PutUint32(b[18:22], uint32(hdr.EfConstruction))
	b[22] = byte(hdr.Metric)
	return b
}

// ReadHeader decodes and validates the fixed header of a serialized index.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, corruptf("blob is %d bytes, header needs %d", len(data), headerSize)
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return Header{}, corruptf("bad magic %q", data[0:4])
	}
	hdr := Header{
		Version:        binary.LittleEndian.Uint16(data[4:6]),
		Dimensions:     int(binary.LittleEndian.Uint32(data[6:10])),
		NodeCount:      int(binary.LittleEndian.Uint32(data[10:14])),
		M:              int(binary.LittleEndian.Uint32(data[14:18])),
		EfConstruction: int(binary.LittleEndian.Uint32(data[18:22])),
		Metric:         distance.Metric(data[22]),
	}
	if hdr.Version != FormatVersion {
		return hdr, ErrIncompatibleVersion
	}
	if hdr.Dimensions <= 0 {
		return hdr, corruptf("dimensions %d", hdr.Dimensions)
	}
	if !hdr.Metric.Valid() {
		return hdr, corruptf("unknown metric %d", hdr.Metric)
	}
	return hdr, nil
}

// Deserialize rebuilds an index from Serialize output. When expectedDims is
// positive the header dimension must match it.
func Deserialize(data []byte, expectedDims int, opts ...Option) (*HNSW, error) {
	hdr, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if expectedDims > 0 && hdr.Dimensions != expectedDims {
		return nil, &ErrDimensionMismatch{Expected: expectedDims, Actual: hdr.Dimensions}
	}

	var body graphBody
	if err := msgpack.Unmarshal(data[headerSize:], &body); err != nil {
		return nil, corruptf("decode body: %v", err)
	}
	if len(body.Nodes) != hdr.NodeCount {
		return nil, corruptf("header says %d nodes, body has %d", hdr.NodeCount, len(body.Nodes))
	}

	cfg := Config{
		M:                hdr.M,
		M0:               body.M0,
		EfConstruction:   hdr.EfConstruction,
		EfSearch:         body.EfSearch,
		Metric:           hdr.Metric,
		Seed:             body.Seed,
		RebuildThreshold: body.RebuildThreshold,
		AutoRebuild:      body.AutoRebuild,
	}
	h, err := New(hdr.Dimensions, cfg, opts...)
	if err != nil {
		return nil, corruptf("%v", err)
	}
	if body.Seed != 0 {
		h.rng = rand.New(rand.NewSource(body.Seed + int64(hdr.NodeCount)))
	}

	count := uint32(hdr.NodeCount)
	h.deleted = roaring.New()
	for _, d := range body.Deleted {
		if d >= count {
			return nil, corruptf("tombstone %d out of range", d)
		}
		h.deleted.Add(d)
	}

	h.nodes = make([]*node, len(body.Nodes))
	for i, rec := range body.Nodes {
		vec, err := DecodeFloat32s(rec.Vector, hdr.Dimensions)
		if err != nil {
			return nil, corruptf("node %d: %v", i, err)
		}
		if rec.Level < 0 || rec.Level > maxLevelCap || len(rec.Neighbors) != rec.Level+1 {
			return nil, corruptf("node %d: level %d with %d neighbor lists", i, rec.Level, len(rec.Neighbors))
		}
		for l, nbs := range rec.Neighbors {
			for _, nb := range nbs {
				if nb >= count {
					return nil, corruptf("node %d layer %d: neighbor %d out of range", i, l, nb)
				}
			}
		}
		h.nodes[i] = &node{id: rec.ID, vector: vec, level: rec.Level, neighbors: rec.Neighbors}
		if h.deleted.Contains(uint32(i)) {
			continue
		}
		if _, dup := h.ids[rec.ID]; dup {
			return nil, corruptf("duplicate live id %q", rec.ID)
		}
		h.ids[rec.ID] = uint32(i)
	}

	if len(h.ids) > 0 {
		if body.Entry < 0 || body.Entry >= int64(count) || h.deleted.Contains(uint32(body.Entry)) {
			return nil, corruptf("invalid entry point %d", body.Entry)
		}
		h.entry = uint32(body.Entry)
		h.hasEntry = true
		h.maxLevel = body.MaxLevel
		if h.maxLevel > h.nodes[h.entry].level {
			return nil, corruptf("max level %d above entry level %d", h.maxLevel, h.nodes[h.entry].level)
		}
	} else {
		h.resetLocked()
	}

	h.logger.Debug("hnsw index loaded",
		zap.Int("nodes", len(h.nodes)),
		zap.Int("live", len(h.ids)),
		zap.Int("dimensions", h.dims))
	return h, nil
}
