package vecindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// On-disk layout: the graph file holds vectors, levels, links, and tombstone
// flags, addressed purely by internal handle. The sidecar ("<path>.ids")
// holds the external ID → handle map, msgpack-encoded. Splitting the two
// keeps the hot graph file free of variable-length strings.

var graphMagic = [4]byte{'E', 'G', 'V', 'X'}

const graphVersion uint32 = 1

// SidecarPath returns the ID-map path that accompanies a graph file.
func SidecarPath(path string) string {
	return path + ".ids"
}

// SaveFile persists the graph to path and the ID map to SidecarPath(path).
// The sidecar is written second; a crash between the two writes is handled
// at load time by falling back to an empty index.
func (h *HNSW) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("vecindex: create graph file: %w", err)
	}
	defer f.Close()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if err := h.writeGraph(f); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("vecindex: sync graph file: %w", err)
	}

	ids, err := msgpack.Marshal(h.handles)
	if err != nil {
		return fmt.Errorf("vecindex: encode id map: %w", err)
	}
	if err := os.WriteFile(SidecarPath(path), ids, 0o644); err != nil {
		return fmt.Errorf("vecindex: write id map: %w", err)
	}
	return nil
}

// writeGraph serializes the graph body. Caller holds h.mu for reading.
func (h *HNSW) writeGraph(w io.Writer) error {
	bw := bufio.NewWriter(w)
	le := binary.LittleEndian
	put := func(v any) error { return binary.Write(bw, le, v) }

	if _, err := bw.Write(graphMagic[:]); err != nil {
		return fmt.Errorf("vecindex: write magic: %w", err)
	}
	for _, v := range []uint32{
		graphVersion,
		uint32(h.cfg.Dim),
		uint32(h.cfg.M),
		uint32(h.cfg.EfConstruction),
		uint32(h.cfg.EfSearch),
		uint32(len(h.nodes)),
		uint32(h.live),
		uint32(h.dead),
		uint32(h.maxLevel),
	} {
		if err := put(v); err != nil {
			return fmt.Errorf("vecindex: write header: %w", err)
		}
	}
	if err := put(h.entry); err != nil {
		return err
	}

	for _, nd := range h.nodes {
		var deadFlag uint8
		if nd.dead {
			deadFlag = 1
		}
		if err := put(deadFlag); err != nil {
			return err
		}
		if err := put(uint32(nd.level)); err != nil {
			return err
		}
		for _, v := range nd.vec {
			if err := put(math.Float32bits(v)); err != nil {
				return err
			}
		}
		for lev := 0; lev <= nd.level; lev++ {
			var links []uint32
			if lev < len(nd.links) {
				links = nd.links[lev]
			}
			if err := put(uint32(len(links))); err != nil {
				return err
			}
			for _, l := range links {
				if err := put(l); err != nil {
					return err
				}
			}
		}
	}
	return bw.Flush()
}

// OpenFile loads an index from path and its sidecar. Any failure — missing
// file, bad magic, version skew, dimension mismatch, truncated body — is
// logged and answered with a fresh empty index: a corrupt ANN file must
// never prevent startup, since the Record Store can rebuild it.
func OpenFile(path string, cfg Config, logger *slog.Logger) *HNSW {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()

	idx, err := loadFile(path, cfg)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("vector index unreadable, starting empty",
				"path", path, "error", err)
		}
		return NewHNSW(cfg)
	}
	return idx
}

func loadFile(path string, cfg Config) (*HNSW, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	le := binary.LittleEndian
	get := func(v any) error { return binary.Read(br, le, v) }

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != graphMagic {
		return nil, fmt.Errorf("bad magic %q", magic[:])
	}

	var header [9]uint32 // version, dim, M, efC, efS, slots, live, dead, maxLevel
	for i := range header {
		if err := get(&header[i]); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
	if header[0] != graphVersion {
		return nil, fmt.Errorf("unsupported version %d", header[0])
	}
	if int(header[1]) != cfg.Dim {
		return nil, fmt.Errorf("dimension %d on disk, %d configured", header[1], cfg.Dim)
	}
	var entry int32
	if err := get(&entry); err != nil {
		return nil, err
	}

	dim := int(header[1])
	slots := int(header[5])
	nodes := make([]*node, 0, slots)
	for i := 0; i < slots; i++ {
		var deadFlag uint8
		if err := get(&deadFlag); err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		var level uint32
		if err := get(&level); err != nil {
			return nil, err
		}
		vec := make([]float32, dim)
		for j := range vec {
			var bits uint32
			if err := get(&bits); err != nil {
				return nil, err
			}
			vec[j] = math.Float32frombits(bits)
		}
		links := make([][]uint32, level+1)
		for lev := uint32(0); lev <= level; lev++ {
			var n uint32
			if err := get(&n); err != nil {
				return nil, err
			}
			if n > 0 {
				links[lev] = make([]uint32, n)
				for k := range links[lev] {
					if err := get(&links[lev][k]); err != nil {
						return nil, err
					}
				}
			}
		}
		nodes = append(nodes, &node{
			vec:   vec,
			level: int(level),
			links: links,
			dead:  deadFlag == 1,
		})
	}

	raw, err := os.ReadFile(SidecarPath(path))
	if err != nil {
		return nil, fmt.Errorf("read id map: %w", err)
	}
	handles := make(map[string]uint32)
	if err := msgpack.Unmarshal(raw, &handles); err != nil {
		return nil, fmt.Errorf("decode id map: %w", err)
	}
	for id, handle := range handles {
		if int(handle) >= len(nodes) {
			return nil, fmt.Errorf("id map references slot %d of %d", handle, len(nodes))
		}
		nodes[handle].id = id
	}

	loaded := Config{
		Dim:            dim,
		M:              int(header[2]),
		EfConstruction: int(header[3]),
		EfSearch:       int(header[4]),
	}
	loaded.setDefaults()

	return &HNSW{
		cfg:      loaded,
		nodes:    nodes,
		handles:  handles,
		entry:    entry,
		maxLevel: int(header[8]),
		live:     int(header[6]),
		dead:     int(header[7]),
		levelMul: 1.0 / math.Log(float64(loaded.M)),
	}, nil
}
