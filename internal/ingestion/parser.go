package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"WingLedger/internal/core"
	"WingLedger/internal/event"
)

// Command is a decoded inbound message ready for dispatch.
type Command interface {
	Kind() string
}

type StatusCommand struct {
	Report event.FlightStatusReport
}

type DepositCommand struct {
	core.DepositRequest
}

type WithdrawCommand struct {
	core.WithdrawRequest
}

type ContributeCommand struct {
	core.ContributeRequest
}

type BuyPolicyCommand struct {
	core.BuyPolicyRequest
}

func (StatusCommand) Kind() string     { return KindFlightStatus }
func (DepositCommand) Kind() string    { return KindDeposit }
func (WithdrawCommand) Kind() string   { return KindWithdraw }
func (ContributeCommand) Kind() string { return KindContribute }
func (BuyPolicyCommand) Kind() string  { return KindBuyPolicy }

// ParseRawEvent decodes raw into the command for kind. Request ids missing
// from the payload fall back to the message id.
func ParseRawEvent(raw RawEvent, kind string) (Command, error) {
	switch kind {
	case KindFlightStatus:
		return parseStatus(raw)
	case KindDeposit:
		return parseDeposit(raw)
	case KindWithdraw:
		return parseWithdraw(raw)
	case KindContribute:
		return parseContribute(raw)
	case KindBuyPolicy:
		return parseBuyPolicy(raw)
	default:
		return nil, fmt.Errorf("unknown command kind: %s", kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type statusJSON struct {
	ReportID     string `json:"report_id"`
	FlightID     string `json:"flight_id"`
	Status       string `json:"status"`
	Reporter     string `json:"reporter"`
	ReportedAtUs int64  `json:"reported_at_us"`
}

func parseStatus(raw RawEvent) (StatusCommand, error) {
	var j statusJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return StatusCommand{}, fmt.Errorf("parse FlightStatus: %w", err)
	}
	if j.FlightID == "" {
		return StatusCommand{}, fmt.Errorf("parse FlightStatus: missing flight_id")
	}
	status, err := event.ParseFlightStatus(j.Status)
	if err != nil {
		return StatusCommand{}, fmt.Errorf("parse status: %w", err)
	}
	return StatusCommand{Report: event.FlightStatusReport{
		ReportID:   fallbackID(j.ReportID, raw.MsgID),
		FlightID:   j.FlightID,
		Status:     status,
		ReportedAt: fromMicros(j.ReportedAtUs),
		Reporter:   j.Reporter,
	}}, nil
}

type liquidityJSON struct {
	RequestID string `json:"request_id"`
	PoolID    string `json:"pool_id"`
	LP        string `json:"lp"`
	Amount    int64  `json:"amount"`
}

func parseLiquidity(raw RawEvent, kind string) (liquidityJSON, error) {
	var j liquidityJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return j, fmt.Errorf("parse %s: %w", kind, err)
	}
	if j.PoolID == "" || j.LP == "" {
		return j, fmt.Errorf("parse %s: missing pool_id or lp", kind)
	}
	j.RequestID = fallbackID(j.RequestID, raw.MsgID)
	return j, nil
}

func parseDeposit(raw RawEvent) (DepositCommand, error) {
	j, err := parseLiquidity(raw, KindDeposit)
	if err != nil {
		return DepositCommand{}, err
	}
	return DepositCommand{core.DepositRequest{
		RequestID: j.RequestID,
		PoolID:    j.PoolID,
		LP:        j.LP,
		Amount:    j.Amount,
	}}, nil
}

func parseWithdraw(raw RawEvent) (WithdrawCommand, error) {
	j, err := parseLiquidity(raw, KindWithdraw)
	if err != nil {
		return WithdrawCommand{}, err
	}
	return WithdrawCommand{core.WithdrawRequest{
		RequestID: j.RequestID,
		PoolID:    j.PoolID,
		LP:        j.LP,
		Amount:    j.Amount,
	}}, nil
}

type contributeJSON struct {
	RequestID string `json:"request_id"`
	PoolID    string `json:"pool_id"`
	Backer    string `json:"backer"`
	Amount    int64  `json:"amount"`
}

func parseContribute(raw RawEvent) (ContributeCommand, error) {
	var j contributeJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return ContributeCommand{}, fmt.Errorf("parse Contribute: %w", err)
	}
	if j.PoolID == "" || j.Backer == "" {
		return ContributeCommand{}, fmt.Errorf("parse Contribute: missing pool_id or backer")
	}
	return ContributeCommand{core.ContributeRequest{
		RequestID: fallbackID(j.RequestID, raw.MsgID),
		PoolID:    j.PoolID,
		Backer:    j.Backer,
		Amount:    j.Amount,
	}}, nil
}

type purchaseJSON struct {
	RequestID string `json:"request_id"`
	Owner     string `json:"owner"`
	FlightID  string `json:"flight_id"`
	PNR       string `json:"pnr"`
	PoolID    string `json:"pool_id"`
	Coverage  int64  `json:"coverage"`
	Premium   int64  `json:"premium"`
	ExpiryUs  int64  `json:"expiry_us"`
}

func parseBuyPolicy(raw RawEvent) (BuyPolicyCommand, error) {
	var j purchaseJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return BuyPolicyCommand{}, fmt.Errorf("parse BuyPolicy: %w", err)
	}
	if j.Owner == "" || j.FlightID == "" {
		return BuyPolicyCommand{}, fmt.Errorf("parse BuyPolicy: missing owner or flight_id")
	}
	return BuyPolicyCommand{core.BuyPolicyRequest{
		RequestID: fallbackID(j.RequestID, raw.MsgID),
		Owner:     j.Owner,
		FlightID:  j.FlightID,
		PNR:       j.PNR,
		PoolID:    j.PoolID,
		Coverage:  j.Coverage,
		Premium:   j.Premium,
		Expiry:    fromMicros(j.ExpiryUs),
	}}, nil
}

func fallbackID(id, msgID string) string {
	if id != "" {
		return id
	}
	return msgID
}

// fromMicros maps 0 to the zero time so the engine applies its default.
func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
