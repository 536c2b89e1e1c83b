package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed scripts/check_and_record.lua
var checkAndRecordLua string

// OpLedger implements ratelimit.Store on a Redis sorted set per owner: each
// completed fund movement is one member scored by its timestamp. The Lua
// script makes the count check and the tentative record a single atomic
// operation, so two scheduler instances cannot both slip under the daily cap.
type OpLedger struct {
	rdb            *redis.Client
	checkAndRecord *redis.Script
}

// NewOpLedger creates an OpLedger backed by the given Client.
func NewOpLedger(c *Client) *OpLedger {
	return &OpLedger{
		rdb:            c.Underlying(),
		checkAndRecord: redis.NewScript(checkAndRecordLua),
	}
}

func ledgerKey(owner string) string {
	return "agent:ops:" + owner
}

// CheckAndRecord counts in-window records for owner and, when under max,
// appends a tentative record and returns its ID. When the cap is reached it
// returns the timestamp of the oldest in-window record so the caller can
// compute when a slot frees.
func (ol *OpLedger) CheckAndRecord(ctx context.Context, owner string, max int, window time.Duration, now time.Time) (bool, string, int, time.Time, error) {
	recordID := uuid.New().String()

	result, err := ol.checkAndRecord.Run(
		ctx,
		ol.rdb,
		[]string{ledgerKey(owner)},
		now.UnixMicro(),
		window.Microseconds(),
		max,
		recordID,
	).Int64Slice()
	if err != nil {
		return false, "", 0, time.Time{}, fmt.Errorf("redis: check and record %s: %w", owner, err)
	}
	if len(result) < 2 {
		return false, "", 0, time.Time{}, fmt.Errorf("redis: check and record %s: unexpected result length %d", owner, len(result))
	}

	if result[0] != 1 {
		return false, "", 0, time.UnixMicro(result[1]), nil
	}
	return true, recordID, max - int(result[1]), time.Time{}, nil
}

// Remove deletes a tentative record so a failed operation does not count
// against the owner's budget.
func (ol *OpLedger) Remove(ctx context.Context, owner, recordID string) error {
	if err := ol.rdb.ZRem(ctx, ledgerKey(owner), recordID).Err(); err != nil {
		return fmt.Errorf("redis: remove record %s for %s: %w", recordID, owner, err)
	}
	return nil
}

// Reset drops the owner's entire ledger.
func (ol *OpLedger) Reset(ctx context.Context, owner string) error {
	if err := ol.rdb.Del(ctx, ledgerKey(owner)).Err(); err != nil {
		return fmt.Errorf("redis: reset ledger for %s: %w", owner, err)
	}
	return nil
}
