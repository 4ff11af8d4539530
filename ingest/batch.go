// Copyright (c) 2025 The SoulLink Tracker developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package ingest

import (
	"context"
	"encoding/json"

	"github.com/alexandergreif/soullink-tracker/registry"
)

// MaxBatchSize bounds one batch submission.
const MaxBatchSize = 100

// BatchItem is one entry of a batch submission; each item carries its own
// idempotency key so a partially-failed batch can be retried whole.
type BatchItem struct {
	Key   string          `json:"idempotency_key"`
	Event json.RawMessage `json:"event"`
}

// BatchResult mirrors one item: either a result or an error, never both.
type BatchResult struct {
	Result   *Result `json:"result,omitempty"`
	Replayed bool    `json:"replayed,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// SubmitBatch applies the items in order, each in its own transaction. A
// failed item does not stop the rest; its slot carries the error instead.
func (p *Pipeline) SubmitBatch(ctx context.Context, player *registry.Player, items []BatchItem) []BatchResult {
	out := make([]BatchResult, len(items))
	for i, item := range items {
		result, replayed, err := p.Submit(ctx, player, item.Key, item.Event)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].Result = result
		out[i].Replayed = replayed
	}
	return out
}
