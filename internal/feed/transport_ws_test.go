package feed

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyninja9/autosentry/internal/domain"
)

func packet(kind, segByte byte, sid uint32, payload []byte) []byte {
	b := make([]byte, headerLen+len(payload))
	b[0] = kind
	b[3] = segByte
	binary.LittleEndian.PutUint32(b[4:8], sid)
	copy(b[headerLen:], payload)
	return b
}

func tickerPayload(ltp float32, ltt uint32) []byte {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint32(p[0:4], math.Float32bits(ltp))
	binary.LittleEndian.PutUint32(p[4:8], ltt)
	return p
}

func quotePayload(ltp float32, qty uint16, ltt uint32) []byte {
	p := make([]byte, 10)
	binary.LittleEndian.PutUint32(p[0:4], math.Float32bits(ltp))
	binary.LittleEndian.PutUint16(p[4:6], qty)
	binary.LittleEndian.PutUint32(p[6:10], ltt)
	return p
}

func TestDecodeTickerPacket(t *testing.T) {
	data := packet(packetKindTicker, 2, 49081, tickerPayload(112.5, 1724490000))

	tick, ok, err := decodePacket(data)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, domain.SegmentNSEFNO, tick.Segment)
	assert.Equal(t, "49081", tick.SecurityID)
	assert.InDelta(t, 112.5, tick.LTP, 0.0001)
	assert.Equal(t, int64(1724490000), tick.TS)
	assert.Equal(t, domain.TickKindTicker, tick.Kind)
}

func TestDecodeQuoteAndFullPackets(t *testing.T) {
	for _, kind := range []byte{packetKindQuote, packetKindFull} {
		data := packet(kind, 8, 810055, quotePayload(64.35, 75, 1724490123))

		tick, ok, err := decodePacket(data)
		require.NoError(t, err)
		require.True(t, ok, "kind %d", kind)

		assert.Equal(t, domain.SegmentBSEFNO, tick.Segment)
		assert.Equal(t, "810055", tick.SecurityID)
		assert.InDelta(t, 64.35, tick.LTP, 0.0001)
		assert.Equal(t, int64(1724490123), tick.TS)
	}
}

func TestDecodeIndexPrevClose(t *testing.T) {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, math.Float32bits(24650.75))
	data := packet(packetKindPrevClose, 0, 13, p)

	tick, ok, err := decodePacket(data)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, domain.SegmentIndex, tick.Segment)
	assert.Equal(t, "13", tick.SecurityID)
	assert.InDelta(t, 24650.75, tick.LTP, 0.01)
	assert.Equal(t, domain.TickKindPrevClose, tick.Kind)
	assert.Zero(t, tick.TS)
}

func TestDecodeDisconnectPacketReturnsError(t *testing.T) {
	p := make([]byte, 2)
	binary.LittleEndian.PutUint16(p, 805)
	data := packet(packetKindDisconnect, 2, 49081, p)

	_, ok, err := decodePacket(data)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "805")
}

func TestDecodeSkipsJunk(t *testing.T) {
	cases := map[string][]byte{
		"short header":     {2, 0, 0},
		"unknown kind":     packet(99, 2, 49081, tickerPayload(100, 1)),
		"unknown segment":  packet(packetKindTicker, 7, 49081, tickerPayload(100, 1)),
		"truncated ticker": packet(packetKindTicker, 2, 49081, []byte{0x00, 0x00}),
		"truncated quote":  packet(packetKindQuote, 2, 49081, tickerPayload(100, 1)),
	}
	for name, data := range cases {
		tick, ok, err := decodePacket(data)
		assert.NoError(t, err, name)
		assert.False(t, ok, name)
		assert.Empty(t, tick.SecurityID, name)
	}
}

func TestSubscriptionFrameShape(t *testing.T) {
	frame := wireSubscription{
		RequestCode:     requestCodeSubscribe,
		InstrumentCount: 2,
		InstrumentList: []wireInstrument{
			{ExchangeSegment: "NSE_FNO", SecurityID: "49081"},
			{ExchangeSegment: "IDX_I", SecurityID: "13"},
		},
	}

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.EqualValues(t, 15, decoded["RequestCode"])
	assert.EqualValues(t, 2, decoded["InstrumentCount"])

	list, ok := decoded["InstrumentList"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)

	first, ok := list[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "NSE_FNO", first["ExchangeSegment"])
	assert.Equal(t, "49081", first["SecurityId"])
}
