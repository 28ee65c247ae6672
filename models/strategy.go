package models

// Strategy is chosen once, at dispatch time.
type Strategy int

const (
	StrategyReject Strategy = iota
	StrategyDirect
	StrategyChunked
)

func (s Strategy) String() string {
	switch s {
	case StrategyReject:
		return "reject"
	case StrategyDirect:
		return "direct"
	case StrategyChunked:
		return "chunked"
	default:
		return "unknown"
	}
}

type Limits struct {
	// RejectLimit is the largest object the CDN will cache.
	RejectLimit int64
	// DirectLimit is the largest object copied in a single stream.
	DirectLimit int64
	PartSize    int64
}

// Classify is inclusive on DirectLimit and RejectLimit.
func Classify(size int64, l Limits) Strategy {
	switch {
	case size > l.RejectLimit:
		return StrategyReject
	case size <= l.DirectLimit:
		return StrategyDirect
	default:
		return StrategyChunked
	}
}

// ByteRange is an inclusive range for a 1-based part number.
type ByteRange struct {
	Part  int32
	Start int64
	End   int64
}

func (r ByteRange) Len() int64 { return r.End - r.Start + 1 }

func PartQty(size, partSize int64) int32 {
	if size <= 0 || partSize <= 0 {
		return 0
	}
	return int32((size + partSize - 1) / partSize)
}

// PartRanges splits [0, size) into contiguous partSize ranges; the last one
// is clipped to size-1.
func PartRanges(size, partSize int64) []ByteRange {
	qty := PartQty(size, partSize)
	ranges := make([]ByteRange, 0, qty)

	for i := int32(0); i < qty; i++ {
		start := int64(i) * partSize
		end := start + partSize - 1
		if end > size-1 {
			end = size - 1
		}
		ranges = append(ranges, ByteRange{Part: i + 1, Start: start, End: end})
	}
	return ranges
}

// Plan is what the dispatcher decided for one request. Only the fields of
// the chosen strategy are set.
type Plan struct {
	Strategy    Strategy
	Key         string
	Size        int64
	ContentType string

	// direct
	JobID string

	// chunked
	UploadID string
	Ranges   []ByteRange
}
