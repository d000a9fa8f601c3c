package clock

import (
	"context"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// HeaderReader is the subset of ethclient.Client the chain clock needs.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ChainClock reports the timestamp of the latest block as the authoritative time.
type ChainClock struct {
	reader HeaderReader
}

// NewChainClock wraps an existing header reader.
func NewChainClock(reader HeaderReader) *ChainClock {
	return &ChainClock{reader: reader}
}

// DialChainClock connects to an RPC endpoint. The returned close func releases the connection.
func DialChainClock(ctx context.Context, rpcURL string) (*ChainClock, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "dial chain rpc")
	}
	return NewChainClock(client), client.Close, nil
}

func (c *ChainClock) AuthoritativeNow(ctx context.Context) (SecondsTimestamp, error) {
	header, err := c.reader.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "read latest block header"), ErrUnavailable)
	}
	if header == nil {
		return 0, errors.Wrap(ErrUnavailable, "latest block header missing")
	}
	return SecondsTimestamp(header.Time), nil
}
