package ethereum

import (
	"context"
	"fmt"

	"vesis/pkg/sandbox"
)

// Multicall batch size (max calls per multicall request)
const multicallBatchSize = 100

// Reader implements sandbox.ChainReader by batching calls through Multicall3.
type Reader struct {
	client    *Client
	batchSize int
}

func NewReader(client *Client) *Reader {
	return &Reader{
		client:    client,
		batchSize: multicallBatchSize,
	}
}

// All packs every call with its ABI, executes them in as few multicalls as
// possible and unpacks the outputs. Any failed or undecodable sub-call fails
// the whole batch with sandbox.ErrCallFailed.
func (r *Reader) All(ctx context.Context, calls []sandbox.Call) ([][]any, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	packed := make([]ContractCall, len(calls))
	for i, call := range calls {
		if call.ABI == nil {
			return nil, fmt.Errorf("call %d (%s): missing ABI", i, call.Method)
		}
		data, err := call.ABI.Pack(call.Method, call.Args...)
		if err != nil {
			return nil, fmt.Errorf("packing %s call: %w", call.Method, err)
		}
		packed[i] = ContractCall{Target: call.Target, CallData: data}
	}

	out := make([][]any, 0, len(calls))
	for start := 0; start < len(packed); start += r.batchSize {
		end := start + r.batchSize
		if end > len(packed) {
			end = len(packed)
		}

		results, err := r.client.BatchCallContract(ctx, packed[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch call failed at index %d: %w", start, err)
		}

		for i, res := range results {
			call := calls[start+i]
			if !res.Success || len(res.Data) == 0 {
				return nil, fmt.Errorf("%w: %s on %s", sandbox.ErrCallFailed, call.Method, call.Target.Hex())
			}
			values, err := call.ABI.Unpack(call.Method, res.Data)
			if err != nil {
				return nil, fmt.Errorf("%w: unpacking %s on %s: %w", sandbox.ErrCallFailed, call.Method, call.Target.Hex(), err)
			}
			out = append(out, values)
		}
	}

	return out, nil
}
