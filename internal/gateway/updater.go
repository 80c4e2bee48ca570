package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/field-sync-engine/internal/types"
)

// conditionalUpdateFn is the server-side function implementing the atomic
// compare-and-patch primitive.
const conditionalUpdateFn = "update_order_versioned"

// probeOrderID is a syntactically valid id that never matches a row.
const probeOrderID = "00000000-0000-0000-0000-000000000000"

// OrderUpdater applies a patch to an order only when its version token still
// matches. Implementations must be observably identical: zero affected rows
// with a token means CONFLICT carrying the authoritative latest row, zero
// rows without a token means NOT_FOUND, and success returns the re-fetched
// full row so server-computed fields land in the caller's cache.
type OrderUpdater interface {
	UpdateWithVersion(ctx context.Context, id types.OrderID, patch types.OrderPatch, expected *time.Time) (*types.Order, error)
}

// RPCUpdater executes the update through the atomic server-side function.
type RPCUpdater struct {
	client *Client
}

// NewRPCUpdater wraps the client in the RPC strategy.
func NewRPCUpdater(client *Client) *RPCUpdater { return &RPCUpdater{client: client} }

type conditionalUpdateArgs struct {
	OrderID           types.OrderID    `json:"order_id"`
	ExpectedUpdatedAt *time.Time       `json:"expected_updated_at"`
	Patch             types.OrderPatch `json:"patch"`
}

// UpdateWithVersion implements OrderUpdater.
func (u *RPCUpdater) UpdateWithVersion(ctx context.Context, id types.OrderID, patch types.OrderPatch, expected *time.Time) (*types.Order, error) {
	args := conditionalUpdateArgs{OrderID: id, ExpectedUpdatedAt: expected, Patch: patch}

	var updated *types.Order
	if err := u.client.RPC(ctx, conditionalUpdateFn, args, &updated); err != nil {
		return nil, err
	}
	if updated == nil {
		return u.client.resolveZeroRows(ctx, "orders.update_versioned", id, expected)
	}
	return u.client.refetchAfterUpdate(ctx, id, updated)
}

// FilteredUpdater executes the same conditional update as a filtered PATCH,
// checking the affected-row count. Compatibility path for backends without
// the server-side function.
type FilteredUpdater struct {
	client *Client
}

// NewFilteredUpdater wraps the client in the filtered-update strategy.
func NewFilteredUpdater(client *Client) *FilteredUpdater { return &FilteredUpdater{client: client} }

// UpdateWithVersion implements OrderUpdater.
func (u *FilteredUpdater) UpdateWithVersion(ctx context.Context, id types.OrderID, patch types.OrderPatch, expected *time.Time) (*types.Order, error) {
	q := url.Values{}
	q.Set("id", "eq."+string(id))
	if expected != nil {
		q.Set("updated_at", "eq."+expected.UTC().Format(time.RFC3339Nano))
	}

	var rows []types.Order
	err := u.client.do(ctx, "orders.update_filtered", http.MethodPatch, restPrefix+"/orders", q, "return=representation", patch, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return u.client.resolveZeroRows(ctx, "orders.update_filtered", id, expected)
	}
	return u.client.refetchAfterUpdate(ctx, id, &rows[0])
}

// resolveZeroRows turns an update that matched nothing into CONFLICT or
// NOT_FOUND. With a token, the row may still exist at a newer version: fetch
// it and attach it as the authoritative latest.
func (c *Client) resolveZeroRows(ctx context.Context, op string, id types.OrderID, expected *time.Time) (*types.Order, error) {
	if expected == nil {
		return nil, types.NewSyncError(types.ErrNotFound, op, fmt.Errorf("order %s not found", id))
	}
	latest, err := c.GetOrder(ctx, id)
	if err != nil {
		if types.IsNotFound(err) {
			return nil, types.NewSyncError(types.ErrNotFound, op, fmt.Errorf("order %s deleted concurrently", id))
		}
		return nil, err
	}
	updateConflicts.Inc()
	return nil, types.NewConflict(op, latest)
}

// refetchAfterUpdate re-reads the full row so trigger-written and defaulted
// columns are reflected, falling back to the update's own representation
// when the read fails transiently.
func (c *Client) refetchAfterUpdate(ctx context.Context, id types.OrderID, fallback *types.Order) (*types.Order, error) {
	fresh, err := c.GetOrder(ctx, id)
	if err != nil {
		c.logger.Debug().Err(err).Str("order", string(id)).Msg("post-update refetch failed; using update representation")
		return fallback, nil
	}
	return fresh, nil
}

// ProbeUpdater selects the update strategy once at startup: the atomic RPC
// when the server exposes it, the filtered fallback otherwise. No per-call
// branching on error text afterwards.
func ProbeUpdater(ctx context.Context, client *Client, logger zerolog.Logger) OrderUpdater {
	args := conditionalUpdateArgs{OrderID: probeOrderID}
	var out *types.Order
	err := client.RPC(ctx, conditionalUpdateFn, args, &out)
	if err != nil {
		var se *types.SyncError
		if errors.As(err, &se) && errors.Is(se.Err, errFunctionMissing) {
			logger.Info().Str("fn", conditionalUpdateFn).Msg("conditional update rpc absent; using filtered fallback")
			return NewFilteredUpdater(client)
		}
	}
	return NewRPCUpdater(client)
}
