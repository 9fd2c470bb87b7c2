package heapview

import (
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
	"gitlab.com/stephen-fox/heapkit/libc/glibckit"
)

// AllChunksName is the record name of the sequential chunk list.
const AllChunksName = "allchunks"

// None marks a field whose value is missing or unknown.
const None = "None"

// Snapshot is an immutable, serializable record of one query. It
// holds no reference to target memory.
type Snapshot struct {
	// Bins maps a bin name to its head address.
	Bins map[string]string `json:"bins"`

	// Chunks maps a bin name to the chunks on it, in list order.
	Chunks map[string][]ChunkRecord `json:"chunks"`

	// Errors describes inconsistencies found while building the
	// snapshot, such as a misaligned chunk size that cut the
	// sequential chunk list short.
	Errors []string `json:"errors,omitempty"`
}

// ChunkRecord is one chunk of a Snapshot. Numbers are lowercase hex
// with a "0x" prefix and booleans are "0" or "1".
type ChunkRecord struct {
	Index        string `json:"index"`
	Address      string `json:"address"`
	PrevSize     string `json:"prevSize"`
	ChunkSize    string `json:"chunkSize"`
	NonMainArena string `json:"nonMainArena"`
	IsMmapped    string `json:"isMmapped"`
	PrevInUse    string `json:"prevInUse"`
	Fd           string `json:"fd"`
	Bk           string `json:"bk"`
}

// JSON serializes the snapshot.
func (o *Snapshot) JSON() ([]byte, error) {
	return json.Marshal(o)
}

// SnapshotConfig configures BuildSnapshot.
type SnapshotConfig struct {
	// OptArenaAddr selects a non-main arena.
	OptArenaAddr uint64

	// MaxChunks bounds the sequential chunk list. Zero means
	// the heap's step cap.
	MaxChunks int
}

// BuildSnapshot runs a full query against h. Bins that cannot be
// walked (for example because the arena cannot be found) are left
// out rather than failing the whole snapshot. An error is only
// returned when there is nothing at all to show.
func BuildSnapshot(h *glibckit.Heap, config SnapshotConfig) (*Snapshot, error) {
	s := &Snapshot{
		Bins:   make(map[string]string),
		Chunks: make(map[string][]ChunkRecord),
	}

	d := h.Decoder()
	ptr := h.Layout().PtrSize()

	binsErr := func() error {
		set, err := h.Bins(config.OptArenaAddr)
		if err != nil {
			return err
		}

		for _, bin := range set.All() {
			if bin.IsEmpty() {
				continue
			}

			s.Bins[bin.Name()] = hexString(bin.HeadAddress())

			var headers []uint64
			for _, addr := range bin.OrderedAddresses() {
				if bin.Kind() == glibckit.KindTcache {
					addr -= 2 * ptr
				}
				headers = append(headers, addr)
			}

			s.Chunks[bin.Name()] = records(d, headers)
		}

		return nil
	}()

	chunksErr := func() error {
		region, err := h.Region()
		if err != nil {
			return err
		}

		max := config.MaxChunks
		if max <= 0 {
			max = h.StepCap()
		}

		chunks, err := glibckit.NewEnumerator(d, region.Start, region.End).All(max)
		if len(chunks) == 0 {
			return err
		}

		s.Bins[AllChunksName] = hexString(region.Start)
		for i, c := range chunks {
			s.Chunks[AllChunksName] = append(s.Chunks[AllChunksName], record(i, c))
		}

		if errors.Is(err, glibckit.ErrInconsistent) {
			s.Errors = append(s.Errors, err.Error())
		}

		return nil
	}()

	if binsErr != nil && chunksErr != nil {
		return nil, errors.Wrap(binsErr, "failed to build snapshot")
	}

	return s, nil
}

func records(d glibckit.Decoder, headers []uint64) []ChunkRecord {
	out := make([]ChunkRecord, len(headers))

	for i, addr := range headers {
		c, err := d.Decode(addr)
		if err != nil {
			out[i] = ChunkRecord{
				Index:        hexString(uint64(i)),
				Address:      hexString(addr),
				PrevSize:     None,
				ChunkSize:    None,
				NonMainArena: None,
				IsMmapped:    None,
				PrevInUse:    None,
				Fd:           None,
				Bk:           None,
			}
			continue
		}

		out[i] = record(i, c)
	}

	return out
}

func record(index int, c glibckit.Chunk) ChunkRecord {
	r := ChunkRecord{
		Index:        hexString(uint64(index)),
		Address:      hexString(c.Address),
		PrevSize:     hexString(c.PrevSize),
		ChunkSize:    hexString(c.RealSize()),
		NonMainArena: boolString(c.NonMainArena()),
		IsMmapped:    boolString(c.IsMmapped()),
		PrevInUse:    boolString(c.PrevInUse()),
		Fd:           None,
		Bk:           None,
	}

	if c.HasLinks {
		r.Fd = hexString(c.Fd)
		r.Bk = hexString(c.Bk)
	}

	return r
}

func hexString(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
