package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niftyninja9/autosentry/internal/config"
	"github.com/niftyninja9/autosentry/internal/session"
)

const testDate = "2026-08-24"

func testRisk() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyProfit:        20000,
		MaxDailyLossPct:       2,
		MaxGlobalDailyLossPct: 4,
		CapitalRupees:         500000,
	}
}

func newLimits(t *testing.T, risk config.RiskConfig) (*DailyLimits, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	sess, err := session.New(config.SessionConfig{
		Timezone:        "Asia/Kolkata",
		MarketOpenHHMM:  "09:15",
		MarketCloseHHMM: "15:30",
		ForceExitHHMM:   "15:12",
	}, "15:00")
	require.NoError(t, err)

	d := New(db, risk, sess)
	d.now = func() time.Time {
		return time.Date(2026, 8, 24, 11, 0, 0, 0, sess.Location())
	}
	return d, mock
}

func TestCanTradeFreshDayAllowed(t *testing.T) {
	d, mock := newLimits(t, testRisk())
	mock.ExpectGet(Key("profit", testDate, ScopeGlobal)).RedisNil()

	dec := d.CanTrade(context.Background(), "NIFTY")

	assert.True(t, dec.Allowed)
	assert.Empty(t, dec.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCanTradeProfitTargetHardBlock(t *testing.T) {
	d, mock := newLimits(t, testRisk())

	// One rupee short of the target still trades.
	mock.ExpectGet(Key("profit", testDate, ScopeGlobal)).SetVal("19999")
	dec := d.CanTrade(context.Background(), "NIFTY")
	assert.True(t, dec.Allowed)

	// At the target the day is over.
	mock.ExpectGet(Key("profit", testDate, ScopeGlobal)).SetVal("20000")
	dec = d.CanTrade(context.Background(), "NIFTY")
	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonProfitTarget, dec.Reason)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCanTradeLossesIgnoredBelowThreshold(t *testing.T) {
	// Threshold defaults to the target, so with profit below it loss
	// counters are never even read.
	d, mock := newLimits(t, testRisk())
	mock.ExpectGet(Key("profit", testDate, ScopeGlobal)).SetVal("4000")

	dec := d.CanTrade(context.Background(), "NIFTY")

	assert.True(t, dec.Allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCanTradeIndexLossLimitAboveThreshold(t *testing.T) {
	risk := testRisk()
	risk.DailyProfitThreshold = 5000
	d, mock := newLimits(t, risk)

	mock.ExpectGet(Key("profit", testDate, ScopeGlobal)).SetVal("6000")
	// 2% of 5L capital is 10000.
	mock.ExpectGet(Key("loss", testDate, "NIFTY")).SetVal("10001")

	dec := d.CanTrade(context.Background(), "NIFTY")

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonIndexLossLimit, dec.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCanTradeGlobalLossLimitAboveThreshold(t *testing.T) {
	risk := testRisk()
	risk.DailyProfitThreshold = 5000
	d, mock := newLimits(t, risk)

	mock.ExpectGet(Key("profit", testDate, ScopeGlobal)).SetVal("6000")
	mock.ExpectGet(Key("loss", testDate, "BANKNIFTY")).SetVal("500")
	// 4% of 5L capital is 20000.
	mock.ExpectGet(Key("loss", testDate, ScopeGlobal)).SetVal("20000")

	dec := d.CanTrade(context.Background(), "BANKNIFTY")

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonGlobalLossLimit, dec.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCanTradeStoreDownFailsClosed(t *testing.T) {
	d, mock := newLimits(t, testRisk())
	mock.ExpectGet(Key("profit", testDate, ScopeGlobal)).SetErr(errors.New("connection refused"))

	dec := d.CanTrade(context.Background(), "NIFTY")

	assert.False(t, dec.Allowed)
	assert.Equal(t, ReasonStoreUnavailable, dec.Reason)
}

func TestRecordLossMirrorsIntoGlobal(t *testing.T) {
	d, mock := newLimits(t, testRisk())

	mock.ExpectIncrByFloat(Key("loss", testDate, "NIFTY"), 440).SetVal(440)
	mock.ExpectExpire(Key("loss", testDate, "NIFTY"), CountersTTL).SetVal(true)
	mock.ExpectIncrByFloat(Key("loss", testDate, ScopeGlobal), 440).SetVal(440)
	mock.ExpectExpire(Key("loss", testDate, ScopeGlobal), CountersTTL).SetVal(true)

	// Callers pass magnitudes either signed or absolute.
	require.NoError(t, d.RecordLoss(context.Background(), "NIFTY", -440))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLossSumsMonotonically(t *testing.T) {
	d, mock := newLimits(t, testRisk())

	mock.ExpectIncrByFloat(Key("loss", testDate, "NIFTY"), 200).SetVal(200)
	mock.ExpectExpire(Key("loss", testDate, "NIFTY"), CountersTTL).SetVal(true)
	mock.ExpectIncrByFloat(Key("loss", testDate, ScopeGlobal), 200).SetVal(200)
	mock.ExpectExpire(Key("loss", testDate, ScopeGlobal), CountersTTL).SetVal(true)

	mock.ExpectIncrByFloat(Key("loss", testDate, "NIFTY"), 440).SetVal(640)
	mock.ExpectExpire(Key("loss", testDate, "NIFTY"), CountersTTL).SetVal(true)
	mock.ExpectIncrByFloat(Key("loss", testDate, ScopeGlobal), 440).SetVal(640)
	mock.ExpectExpire(Key("loss", testDate, ScopeGlobal), CountersTTL).SetVal(true)

	require.NoError(t, d.RecordLoss(context.Background(), "NIFTY", 200))
	require.NoError(t, d.RecordLoss(context.Background(), "NIFTY", 440))

	mock.ExpectGet(Key("loss", testDate, "NIFTY")).SetVal("640")
	loss, err := d.DailyLoss(context.Background(), "NIFTY")
	require.NoError(t, err)
	assert.Equal(t, 640.0, loss)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordProfitGlobalScopeWritesOnce(t *testing.T) {
	d, mock := newLimits(t, testRisk())

	mock.ExpectIncrByFloat(Key("profit", testDate, ScopeGlobal), 750).SetVal(750)
	mock.ExpectExpire(Key("profit", testDate, ScopeGlobal), CountersTTL).SetVal(true)

	require.NoError(t, d.RecordProfit(context.Background(), "", 750))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordTradeCountsBothScopes(t *testing.T) {
	d, mock := newLimits(t, testRisk())

	mock.ExpectIncr(Key("trades", testDate, "SENSEX")).SetVal(1)
	mock.ExpectExpire(Key("trades", testDate, "SENSEX"), CountersTTL).SetVal(true)
	mock.ExpectIncr(Key("trades", testDate, ScopeGlobal)).SetVal(3)
	mock.ExpectExpire(Key("trades", testDate, ScopeGlobal), CountersTTL).SetVal(true)

	require.NoError(t, d.RecordTrade(context.Background(), "SENSEX"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetDailyCounters(t *testing.T) {
	d, mock := newLimits(t, testRisk())

	mock.ExpectDel(
		Key("loss", testDate, "NIFTY"),
		Key("profit", testDate, "NIFTY"),
		Key("trades", testDate, "NIFTY"),
	).SetVal(3)

	require.NoError(t, d.ResetDailyCounters(context.Background(), "nifty"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotReadsAllCounters(t *testing.T) {
	d, mock := newLimits(t, testRisk())

	mock.ExpectGet(Key("loss", testDate, "NIFTY")).SetVal("640")
	mock.ExpectGet(Key("profit", testDate, "NIFTY")).SetVal("2250")
	mock.ExpectGet(Key("trades", testDate, "NIFTY")).SetVal("4")

	snap, err := d.Snapshot(context.Background(), "NIFTY")
	require.NoError(t, err)
	assert.Equal(t, Counters{Loss: 640, Profit: 2250, Trades: 4}, snap)
}

func TestDailyTradesMissingKeyIsZero(t *testing.T) {
	d, mock := newLimits(t, testRisk())
	mock.ExpectGet(Key("trades", testDate, ScopeGlobal)).RedisNil()

	n, err := d.DailyTrades(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, n)
}
