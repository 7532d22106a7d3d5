package recovery

import (
	"sort"
	"time"

	"github.com/SaneDevelopers/GhostFS/internal/device"
	"github.com/SaneDevelopers/GhostFS/internal/signatures"
)

// FragmentID identifies one fragment within a catalog.
type FragmentID uint64

// Fragment is a run of bytes found on the device that plausibly belongs to
// a file: a location, a size, an optional leading signature, and a fast
// content hash for similarity matching.
type Fragment struct {
	ID          FragmentID
	StartOffset uint64
	Size        uint64
	BlockNumber uint64
	// MimeType is set when the fragment starts with a known signature.
	MimeType string
	// ContentHash is an FNV-1a hash of the leading bytes, used for cheap
	// similarity comparisons.
	ContentHash uint64
	// TemporalHint carries a timestamp from nearby metadata when one was
	// observed.
	TemporalHint *time.Time
	Confidence   float64
	Data         []byte
}

// ContentHash computes the FNV-1a hash of up to the first KiB of data. One
// KiB is a representative sample; hashing whole fragments buys nothing for
// similarity screening.
func ContentHash(data []byte) uint64 {
	const (
		offsetBasis = 0xcbf29ce484222325
		prime       = 0x100000001b3
	)
	h := uint64(offsetBasis)
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	for _, b := range data[:n] {
		h ^= uint64(b)
		h *= prime
	}
	return h
}

// SetData stores the fragment payload and refreshes the content hash.
func (f *Fragment) SetData(data []byte) {
	f.Data = data
	f.ContentHash = ContentHash(data)
}

// SimilarityTo scores two fragments in [0, 1]: matching hash bits weighted
// against the size ratio.
func (f *Fragment) SimilarityTo(o *Fragment) float64 {
	var hashSim float64
	if f.ContentHash == o.ContentHash {
		hashSim = 1.0
	} else {
		xor := f.ContentHash ^ o.ContentHash
		matching := 64 - popcount(xor)
		hashSim = float64(matching) / 64
	}

	var sizeRatio float64
	switch {
	case f.Size == 0 || o.Size == 0:
		sizeRatio = 0
	case f.Size > o.Size:
		sizeRatio = float64(o.Size) / float64(f.Size)
	default:
		sizeRatio = float64(f.Size) / float64(o.Size)
	}
	return 0.7*hashSim + 0.3*sizeRatio
}

func popcount(v uint64) int {
	n := 0
	for v != 0 {
		v &= v - 1
		n++
	}
	return n
}

// FragmentCatalog stores detected fragments with indexes by signature
// type, size and disk location.
type FragmentCatalog struct {
	fragments  map[FragmentID]*Fragment
	byMime     map[string][]FragmentID
	byLocation []FragmentID // sorted by StartOffset
	nextID     FragmentID
}

// NewFragmentCatalog starts an empty catalog.
func NewFragmentCatalog() *FragmentCatalog {
	return &FragmentCatalog{
		fragments: make(map[FragmentID]*Fragment),
		byMime:    make(map[string][]FragmentID),
		nextID:    1,
	}
}

// Add assigns the fragment an id and indexes it.
func (c *FragmentCatalog) Add(f Fragment) FragmentID {
	id := c.nextID
	c.nextID++
	f.ID = id
	c.fragments[id] = &f

	if f.MimeType != "" {
		c.byMime[f.MimeType] = append(c.byMime[f.MimeType], id)
	}
	idx := sort.Search(len(c.byLocation), func(i int) bool {
		return c.fragments[c.byLocation[i]].StartOffset >= f.StartOffset
	})
	c.byLocation = append(c.byLocation, 0)
	copy(c.byLocation[idx+1:], c.byLocation[idx:])
	c.byLocation[idx] = id
	return id
}

// Get returns a fragment by id.
func (c *FragmentCatalog) Get(id FragmentID) *Fragment {
	return c.fragments[id]
}

// Len returns the number of cataloged fragments.
func (c *FragmentCatalog) Len() int { return len(c.fragments) }

// ByMime returns the fragments carrying the given signature type.
func (c *FragmentCatalog) ByMime(mimeType string) []*Fragment {
	ids := c.byMime[mimeType]
	out := make([]*Fragment, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.fragments[id])
	}
	return out
}

// NearLocation returns fragments whose start offset lies within range
// bytes of the given offset, ordered by location.
func (c *FragmentCatalog) NearLocation(offset, within uint64) []*Fragment {
	lo := offset - within
	if within > offset {
		lo = 0
	}
	hi := offset + within
	var out []*Fragment
	for _, id := range c.byLocation {
		f := c.fragments[id]
		if f.StartOffset > hi {
			break
		}
		if f.StartOffset >= lo {
			out = append(out, f)
		}
	}
	return out
}

// All returns every fragment, ordered by location.
func (c *FragmentCatalog) All() []*Fragment {
	out := make([]*Fragment, 0, len(c.byLocation))
	for _, id := range c.byLocation {
		out = append(out, c.fragments[id])
	}
	return out
}

// MatchScore grades how likely two fragments belong to the same file.
type MatchScore struct {
	Confidence           float64
	ContentSimilarity    float64
	StructuralSimilarity float64
	TemporalProximity    float64
	SpatialProximity     float64
}

// scoreMatch combines the four factors; content dominates.
func scoreMatch(content, structural, temporal, spatial float64) MatchScore {
	return MatchScore{
		Confidence:           0.5*content + 0.2*structural + 0.15*temporal + 0.15*spatial,
		ContentSimilarity:    content,
		StructuralSimilarity: structural,
		TemporalProximity:    temporal,
		SpatialProximity:     spatial,
	}
}

// FragmentMatcher pairs and clusters fragments by content, structure,
// time and disk locality.
type FragmentMatcher struct {
	// MinConfidence filters weak pairings.
	MinConfidence float64
}

// NewFragmentMatcher returns a matcher with the default threshold.
func NewFragmentMatcher() *FragmentMatcher {
	return &FragmentMatcher{MinConfidence: 0.4}
}

// Match scores a fragment pair, or reports false below the threshold.
func (m *FragmentMatcher) Match(a, b *Fragment) (MatchScore, bool) {
	score := scoreMatch(
		a.SimilarityTo(b),
		structuralSimilarity(a, b),
		temporalProximity(a, b),
		spatialProximity(a, b),
	)
	return score, score.Confidence >= m.MinConfidence
}

func structuralSimilarity(a, b *Fragment) float64 {
	var score float64
	if a.MimeType != "" && a.MimeType == b.MimeType {
		score += 0.5
	}
	if a.Size > 0 && b.Size > 0 {
		ratio := float64(a.Size) / float64(b.Size)
		if ratio > 1 {
			ratio = 1 / ratio
		}
		if ratio > 0.8 {
			score += 0.5
		}
	}
	return score
}

// temporalProximity decays with the gap between temporal hints: same hour
// 1.0, same day 0.7, same week 0.4. Missing hints are neutral.
func temporalProximity(a, b *Fragment) float64 {
	if a.TemporalHint == nil || b.TemporalHint == nil {
		return 0.5
	}
	gap := a.TemporalHint.Sub(*b.TemporalHint)
	if gap < 0 {
		gap = -gap
	}
	switch {
	case gap < time.Hour:
		return 1.0
	case gap < 24*time.Hour:
		return 0.7
	case gap < 7*24*time.Hour:
		return 0.4
	default:
		return 0.0
	}
}

// spatialProximity decays with disk distance: adjacent 1.0, within 1 MiB
// 0.7, within 10 MiB 0.4.
func spatialProximity(a, b *Fragment) float64 {
	d := a.StartOffset
	if b.StartOffset > d {
		d = b.StartOffset - d
	} else {
		d -= b.StartOffset
	}
	const mib = 1 << 20
	switch {
	case d < 8192:
		return 1.0
	case d < mib:
		return 0.7
	case d < 10*mib:
		return 0.4
	default:
		return 0.0
	}
}

// RankedMatch pairs a candidate fragment with its match score.
type RankedMatch struct {
	ID    FragmentID
	Score MatchScore
}

// BestMatches ranks the candidates for a target fragment by descending
// confidence.
func (m *FragmentMatcher) BestMatches(target *Fragment, candidates []*Fragment) []RankedMatch {
	var out []RankedMatch
	for _, cand := range candidates {
		if cand.ID == target.ID {
			continue
		}
		if score, ok := m.Match(target, cand); ok {
			out = append(out, RankedMatch{ID: cand.ID, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Score.Confidence > out[j].Score.Confidence
	})
	return out
}

// clusterThreshold is the pairing confidence needed to pull a fragment
// into an existing cluster.
const clusterThreshold = 0.6

// Cluster groups fragments into likely same-file sets.
func (m *FragmentMatcher) Cluster(fragments []*Fragment) [][]FragmentID {
	var clusters [][]FragmentID
	assigned := make(map[FragmentID]bool)

	for _, frag := range fragments {
		if assigned[frag.ID] {
			continue
		}
		cluster := []FragmentID{frag.ID}
		assigned[frag.ID] = true

		for _, match := range m.BestMatches(frag, fragments) {
			if match.Score.Confidence > clusterThreshold && !assigned[match.ID] {
				cluster = append(cluster, match.ID)
				assigned[match.ID] = true
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

// ReassemblyResult is one ordered cluster proposed as a file.
type ReassemblyResult struct {
	FragmentIDs []FragmentID
	TotalSize   uint64
	Confidence  float64
	MimeType    string
}

// Reassemble clusters the catalog and orders each cluster into a proposed
// file: the signature-bearing fragment leads, then the chain follows best
// matches greedily.
func (m *FragmentMatcher) Reassemble(catalog *FragmentCatalog) []ReassemblyResult {
	all := catalog.All()
	if len(all) == 0 {
		return nil
	}

	var results []ReassemblyResult
	for _, cluster := range m.Cluster(all) {
		fragments := make([]*Fragment, 0, len(cluster))
		for _, id := range cluster {
			if f := catalog.Get(id); f != nil {
				fragments = append(fragments, f)
			}
		}
		if len(fragments) == 0 {
			continue
		}

		ordered, confidence := m.orderChain(fragments)
		var total uint64
		for _, id := range ordered {
			total += catalog.Get(id).Size
		}
		res := ReassemblyResult{
			FragmentIDs: ordered,
			TotalSize:   total,
			Confidence:  confidence,
			MimeType:    catalog.Get(ordered[0]).MimeType,
		}
		if res.Confidence >= clusterThreshold {
			results = append(results, res)
		}
	}
	return results
}

// orderChain puts the signature fragment first and greedily chains the
// best match after each link. The returned confidence is the mean of the
// link scores with the leading fragment counted as a score of 1.0.
func (m *FragmentMatcher) orderChain(fragments []*Fragment) ([]FragmentID, float64) {
	start := 0
	for i, f := range fragments {
		if f.MimeType != "" {
			start = i
			break
		}
	}

	ordered := []FragmentID{fragments[start].ID}
	used := map[FragmentID]bool{fragments[start].ID: true}
	confidenceSum := 1.0
	links := 1

	current := fragments[start]
	for len(used) < len(fragments) {
		var remaining []*Fragment
		for _, f := range fragments {
			if !used[f.ID] {
				remaining = append(remaining, f)
			}
		}
		matches := m.BestMatches(current, remaining)
		if len(matches) == 0 {
			break
		}
		next := matches[0]
		ordered = append(ordered, next.ID)
		used[next.ID] = true
		confidenceSum += next.Score.Confidence
		links++
		for _, f := range remaining {
			if f.ID == next.ID {
				current = f
			}
		}
	}
	return ordered, confidenceSum / float64(links)
}

// fragmentSweepLimit bounds how many blocks a catalog sweep inspects, so
// pathological images cannot stall writeback.
const fragmentSweepLimit = 1 << 16

// BuildFragmentCatalog sweeps the image block by block and catalogs runs
// that start with a known signature, recording location, bounded size and
// content hash. Blocks inside the claimed set (extents of the candidates
// being recovered) are skipped; only loose data is cataloged.
func BuildFragmentCatalog(img device.Reader, mapper ExtentMapper, claimed map[uint64]bool) *FragmentCatalog {
	catalog := NewFragmentCatalog()
	blockSize := uint64(mapper.BlockSize())
	if blockSize == 0 {
		return catalog
	}
	totalBlocks := img.Size() / blockSize
	if totalBlocks > fragmentSweepLimit {
		totalBlocks = fragmentSweepLimit
	}

	for block := uint64(0); block < totalBlocks; block++ {
		if claimed[block] {
			continue
		}
		offset := block * blockSize
		buf, err := img.ReadAt(offset, uint32(blockSize))
		if err != nil {
			continue
		}
		sig := signatures.Match(buf)
		if sig == nil {
			continue
		}
		size := signatures.EstimateSize(sig, buf)
		if size == 0 || size > blockSize {
			size = blockSize
		}
		frag := Fragment{
			StartOffset: offset,
			Size:        size,
			BlockNumber: block,
			MimeType:    sig.MimeType,
			Confidence:  0.5,
		}
		frag.SetData(buf[:size])
		catalog.Add(frag)
	}
	return catalog
}
