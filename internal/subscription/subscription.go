package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var ErrNotFound = errors.New("subscription not found")

type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Subscription is the locally cached balance state of a billable subscription.
// RemainingBalance holds the billing engine's figure verbatim; the engine is
// authoritative for it.
type Subscription struct {
	ID               string          `json:"id"`
	Status           Status          `json:"status"`
	BalanceThreshold json.RawMessage `json:"balance_threshold,omitempty"`
	RemainingBalance json.RawMessage `json:"remaining_balance,omitempty"`
	BalanceUpdatedAt time.Time       `json:"balance_updated_at"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (s *Subscription) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (s *Subscription) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

// Units is a usage-unit figure. The engine may encode it as a number or a
// numeric string.
type Units float64

func (u *Units) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*u = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid usage units %q: %w", s, err)
		}
		*u = Units(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*u = Units(f)
	return nil
}

// BalanceRecord is the typed view of one entry of RemainingBalance.
type BalanceRecord struct {
	Metric              string `json:"metric,omitempty"`
	BillableMetricID    string `json:"billable_metric_id,omitempty"`
	RemainingUsageUnits Units  `json:"remaining_usage_units"`
}

// Balances decodes RemainingBalance. A missing or non-array value yields no records.
func (s *Subscription) Balances() ([]BalanceRecord, error) {
	raw := bytes.TrimSpace(s.RemainingBalance)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, nil
	}
	var records []BalanceRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("failed to decode remaining balance of %s: %w", s.ID, err)
	}
	return records, nil
}

// PrimaryBalance returns the record at position 0, which drives gating.
func (s *Subscription) PrimaryBalance() (BalanceRecord, bool, error) {
	records, err := s.Balances()
	if err != nil || len(records) == 0 {
		return BalanceRecord{}, false, err
	}
	return records[0], true, nil
}

// HasContent reports whether raw is a JSON value carrying data: not absent,
// null, an empty string, an empty object or an empty array.
func HasContent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "", "null", `""`, "{}", "[]":
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	case string:
		return t != ""
	}
	return v != nil
}

// Store persists subscriptions.
//
// Upsert inserts the row when absent. Otherwise it overwrites Status and
// RemainingBalance; BalanceThreshold is written on creation only. An update
// whose BalanceUpdatedAt is older than the stored one is dropped and the
// stored row is returned unchanged.
type Store interface {
	Find(ctx context.Context, id string) (*Subscription, error)
	Upsert(ctx context.Context, sub *Subscription) (*Subscription, error)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func (s *Subscription) clone() *Subscription {
	c := *s
	c.BalanceThreshold = cloneRaw(s.BalanceThreshold)
	c.RemainingBalance = cloneRaw(s.RemainingBalance)
	return &c
}

func validate(sub *Subscription) error {
	if sub == nil || sub.ID == "" {
		return errors.New("subscription id is required")
	}
	switch sub.Status {
	case StatusActive, StatusSuspended:
	default:
		return fmt.Errorf("invalid subscription status %q", sub.Status)
	}
	return nil
}
