package domain

// OrderStatus values carried by broker order updates.
const (
	OrderStatusTraded    = "TRADED"
	OrderStatusComplete  = "COMPLETE"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRejected  = "REJECTED"
)

// Transaction types carried by broker order updates.
const (
	TxnBuy  = "BUY"
	TxnSell = "SELL"
)

// OrderUpdate is the normalized inbound order event from the broker's
// order stream. A BUY fill activates a pending tracker; a SELL fill
// finalizes an active one.
type OrderUpdate struct {
	OrderNo            string  `json:"order_no"`
	OrderStatus        string  `json:"order_status"`
	TransactionType    string  `json:"transaction_type"`
	AverageTradedPrice float64 `json:"average_traded_price"`
	FilledQuantity     int     `json:"filled_quantity"`
	SecurityID         string  `json:"security_id,omitempty"`
	Segment            Segment `json:"segment,omitempty"`
	TS                 int64   `json:"ts,omitempty"`
}

// IsFill reports whether the update represents an executed order.
func (u OrderUpdate) IsFill() bool {
	return u.OrderStatus == OrderStatusTraded || u.OrderStatus == OrderStatusComplete
}

// IsTerminalReject reports whether the update ends the order without a fill.
func (u OrderUpdate) IsTerminalReject() bool {
	return u.OrderStatus == OrderStatusCancelled || u.OrderStatus == OrderStatusRejected
}

// ExitKind classifies why a position was closed. It travels with the exit
// reason string so downstream consumers (edge-failure detection, metrics)
// never parse reason text.
type ExitKind int

const (
	ExitUnknown ExitKind = iota
	ExitStopLoss
	ExitTakeProfit
	ExitTrailingStop
	ExitPeakDrawdown
	ExitTimeBased
	ExitSessionEnd
	ExitSecureProfit
	ExitUnderlying
	ExitManual
)

func (k ExitKind) String() string {
	switch k {
	case ExitStopLoss:
		return "stop_loss"
	case ExitTakeProfit:
		return "take_profit"
	case ExitTrailingStop:
		return "trailing_stop"
	case ExitPeakDrawdown:
		return "peak_drawdown"
	case ExitTimeBased:
		return "time_based"
	case ExitSessionEnd:
		return "session_end"
	case ExitSecureProfit:
		return "secure_profit"
	case ExitUnderlying:
		return "underlying"
	case ExitManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ParseExitKind maps the persisted form back to the enum. Unrecognized
// values come back as ExitUnknown.
func ParseExitKind(s string) ExitKind {
	switch s {
	case "stop_loss":
		return ExitStopLoss
	case "take_profit":
		return ExitTakeProfit
	case "trailing_stop":
		return ExitTrailingStop
	case "peak_drawdown":
		return ExitPeakDrawdown
	case "time_based":
		return ExitTimeBased
	case "session_end":
		return ExitSessionEnd
	case "secure_profit":
		return ExitSecureProfit
	case "underlying":
		return ExitUnderlying
	case "manual":
		return ExitManual
	default:
		return ExitUnknown
	}
}
