package instruments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyninja9/autosentry/internal/domain"
)

func TestUpsertAndResolve(t *testing.T) {
	r := NewRegistry()
	r.Upsert(
		domain.Instrument{Segment: domain.SegmentNSEFNO, SecurityID: "49081", Symbol: "NIFTY 28 AUG 24800 CALL", LotSize: 75},
		domain.Instrument{Segment: domain.SegmentBSEFNO, SecurityID: "810055", Symbol: "SENSEX 26 AUG 81000 PUT", LotSize: 20},
	)
	require.Equal(t, 2, r.Len())

	ins, ok := r.Resolve(domain.SegmentNSEFNO, "49081")
	require.True(t, ok)
	assert.Equal(t, 75, ins.LotSize)

	_, ok = r.Resolve(domain.SegmentNSEFNO, "99999")
	assert.False(t, ok)
}

func TestBySymbolCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Upsert(domain.Instrument{Segment: domain.SegmentNSEFNO, SecurityID: "49081", Symbol: "NIFTY 28 AUG 24800 CALL", LotSize: 75})

	ins, ok := r.BySymbol("nifty 28 aug 24800 call")
	require.True(t, ok)
	assert.Equal(t, "49081", ins.SecurityID)
}

func TestUpsertReplacesSymbolIndex(t *testing.T) {
	r := NewRegistry()
	r.Upsert(domain.Instrument{Segment: domain.SegmentNSEFNO, SecurityID: "49081", Symbol: "OLD NAME", LotSize: 75})
	r.Upsert(domain.Instrument{Segment: domain.SegmentNSEFNO, SecurityID: "49081", Symbol: "NEW NAME", LotSize: 75})

	_, ok := r.BySymbol("OLD NAME")
	assert.False(t, ok)
	ins, ok := r.BySymbol("NEW NAME")
	require.True(t, ok)
	assert.Equal(t, "49081", ins.SecurityID)
	assert.Equal(t, 1, r.Len())
}

func TestLotSizeFallback(t *testing.T) {
	r := NewRegistry()
	r.Upsert(domain.Instrument{Segment: domain.SegmentNSEFNO, SecurityID: "49081", Symbol: "X", LotSize: 75})

	assert.Equal(t, 75, r.LotSize(domain.SegmentNSEFNO, "49081", 50))
	assert.Equal(t, 50, r.LotSize(domain.SegmentNSEFNO, "unknown", 50))
}

func TestUpsertSkipsInvalid(t *testing.T) {
	r := NewRegistry()
	r.Upsert(
		domain.Instrument{Segment: domain.SegmentNSEFNO, SecurityID: "", Symbol: "NO SID"},
		domain.Instrument{Segment: "", SecurityID: "49081", Symbol: "NO SEGMENT"},
	)
	assert.Zero(t, r.Len())
}
