// Copyright 2025 OTC Protocol
//
// Gas price oracle with TTL cache and circuit breaker, plus the
// explorer-backed native/USD quote used by gas reimbursement.

package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"github.com/otcprotocol/broker/pkg/chain"
)

// gasOracle caches SuggestGasPrice results and enforces the per-chain
// circuit-breaker ceiling
type gasOracle struct {
	chainName   string
	suggest     func(ctx context.Context) (*big.Int, error)
	ceilingWei  *big.Int // nil disables the breaker
	cache       *expirable.LRU[string, decimal.Decimal]
}

const gasPriceCacheKey = "gas_price"

func newGasOracle(chainName string, suggest func(ctx context.Context) (*big.Int, error), ceilingGwei int64, ttl time.Duration) *gasOracle {
	var ceiling *big.Int
	if ceilingGwei > 0 {
		ceiling = new(big.Int).Mul(big.NewInt(ceilingGwei), big.NewInt(1e9))
	}
	return &gasOracle{
		chainName:  chainName,
		suggest:    suggest,
		ceilingWei: ceiling,
		cache:      expirable.NewLRU[string, decimal.Decimal](4, nil, ttl),
	}
}

// quote returns the current gas price in wei, or a circuit-breaker error
// when the price exceeds the configured ceiling
func (o *gasOracle) quote(ctx context.Context) (*chain.GasQuote, error) {
	price, ok := o.cache.Get(gasPriceCacheKey)
	if !ok {
		suggested, err := o.suggest(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch gas price: %w", err)
		}
		price = decimal.NewFromBigInt(suggested, 0)
		o.cache.Add(gasPriceCacheKey, price)
	}

	if o.ceilingWei != nil && price.BigInt().Cmp(o.ceilingWei) > 0 {
		return nil, chain.NewError(chain.KindCircuitBreaker, o.chainName,
			fmt.Errorf("gas price %s wei above ceiling %s wei", price, o.ceilingWei))
	}

	return &chain.GasQuote{Price: price, QuotedAt: time.Now().UTC()}, nil
}

// ============================================================================
// NATIVE / USD QUOTE
// ============================================================================

// explorerPriceResponse matches the etherscan-family stats endpoint
type explorerPriceResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  struct {
		EthUSD string `json:"ethusd"`
	} `json:"result"`
}

// priceClient fetches the native token's USD price from the chain's block
// explorer API
type priceClient struct {
	chainName   string
	explorerURL string
	apiKey      string
	httpClient  *http.Client
}

func newPriceClient(chainName, explorerURL, apiKey string) *priceClient {
	return &priceClient{
		chainName:   chainName,
		explorerURL: explorerURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// quoteUSD returns the USD price of one native token
func (p *priceClient) quoteUSD(ctx context.Context) (*chain.NativeQuote, error) {
	if p.explorerURL == "" {
		return nil, chain.NewError(chain.KindNoPriceOracle, p.chainName,
			fmt.Errorf("no explorer URL configured"))
	}

	endpoint := fmt.Sprintf("%s/api?module=stats&action=ethprice&apikey=%s",
		p.explorerURL, url.QueryEscape(p.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build price request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, chain.NewError(chain.KindNoPriceOracle, p.chainName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, chain.NewError(chain.KindNoPriceOracle, p.chainName,
			fmt.Errorf("explorer returned HTTP %d", resp.StatusCode))
	}

	var parsed explorerPriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, chain.NewError(chain.KindNoPriceOracle, p.chainName,
			fmt.Errorf("failed to decode price response: %w", err))
	}
	if parsed.Status != "1" {
		return nil, chain.NewError(chain.KindNoPriceOracle, p.chainName,
			fmt.Errorf("explorer error: %s", parsed.Message))
	}

	price, err := decimal.NewFromString(parsed.Result.EthUSD)
	if err != nil {
		return nil, chain.NewError(chain.KindNoPriceOracle, p.chainName,
			fmt.Errorf("bad price %q: %w", parsed.Result.EthUSD, err))
	}

	return &chain.NativeQuote{Price: price, Source: p.explorerURL}, nil
}
