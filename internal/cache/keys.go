package cache

import (
	"fmt"
	"strings"

	"github.com/niftyninja9/autosentry/internal/domain"
)

const (
	tickKeyPrefix = "tick:"
	pnlKeyPrefix  = "pnl:tracker:"
)

// TickKey builds the warm-cache key for an instrument's last tick.
func TickKey(seg domain.Segment, sid string) string {
	return fmt.Sprintf("%s%s:%s", tickKeyPrefix, seg, sid)
}

// PnLKey builds the warm-cache key for a tracker's PnL snapshot.
func PnLKey(trackerID string) string {
	return pnlKeyPrefix + trackerID
}

// ParseTickKey recovers the instrument from a warm tick key.
func ParseTickKey(key string) (domain.InstrumentKey, bool) {
	if !strings.HasPrefix(key, tickKeyPrefix) {
		return domain.InstrumentKey{}, false
	}
	rest := strings.TrimPrefix(key, tickKeyPrefix)
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 || idx == len(rest)-1 {
		return domain.InstrumentKey{}, false
	}
	return domain.InstrumentKey{
		Segment:    domain.Segment(rest[:idx]),
		SecurityID: rest[idx+1:],
	}, true
}
