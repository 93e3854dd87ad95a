/**
 * @description
 * Polymarket CLOB REST trading adapter: implements oms.Exchange by signing
 * each order's EIP-712 digest with the configured private key (the CTF
 * Exchange domain/struct hashes are ported from the signature-recovery
 * logic this module was adapted from) and posting to the CLOB's
 * HMAC-authenticated order endpoints.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: Keccak256, ECDSA sign/recover, address encoding
 * - standard crypto/hmac, crypto/sha256: CLOB L2 request signing
 */

package exchange

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/ssmd-go/ssmd/internal/oms"
	"github.com/ssmd-go/ssmd/internal/oms/state"
	"github.com/ssmd-go/ssmd/internal/oms/types"
)

const (
	polymarketRequestTimeout = 10 * time.Second
	polymarketMinRequestGap  = 200 * time.Millisecond

	// PolymarketProdCLOBURL is the production CLOB REST base URL.
	PolymarketProdCLOBURL = "https://clob.polymarket.com"

	polymarketDomainName    = "Polymarket CTF Exchange"
	polymarketDomainVersion = "1"
	polymarketChainID       = 137
	polymarketExchangeAddr  = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
)

// PolymarketCredentials holds the maker's signing key plus the CLOB L2 API
// credentials derived from it (key, secret, passphrase).
type PolymarketCredentials struct {
	SigningKey *ecdsa.PrivateKey
	MakerAddr  string

	APIKey     string
	APISecret  string // base64-encoded, as issued by the CLOB
	Passphrase string
}

// Polymarket is a REST trading client for Polymarket's CLOB, satisfying
// oms.Exchange. Tickers are taken to be the CLOB token id (the asset id
// the order book is keyed on), since Polymarket has no Kalshi-style
// human-readable ticker.
type Polymarket struct {
	http    *http.Client
	creds   PolymarketCredentials
	baseURL string

	mu   sync.Mutex
	last time.Time
}

// NewPolymarket builds a client against baseURL (PolymarketProdCLOBURL).
func NewPolymarket(creds PolymarketCredentials, baseURL string) *Polymarket {
	return &Polymarket{
		http:    &http.Client{Timeout: polymarketRequestTimeout},
		creds:   creds,
		baseURL: baseURL,
	}
}

func (p *Polymarket) throttle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if wait := polymarketMinRequestGap - time.Since(p.last); wait > 0 {
		time.Sleep(wait)
	}
	p.last = time.Now()
}

// signL2 computes the CLOB's HMAC request signature:
// base64(HMAC-SHA256(secret, timestamp+method+path+body)).
func (c PolymarketCredentials) signL2(timestamp, method, path, body string) (string, error) {
	secret, err := base64.URLEncoding.DecodeString(c.APISecret)
	if err != nil {
		if secret, err = base64.StdEncoding.DecodeString(c.APISecret); err != nil {
			return "", fmt.Errorf("polymarket: decode api secret: %w", err)
		}
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp + method + path + body))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (p *Polymarket) do(ctx context.Context, method, path string, payload interface{}) (*http.Response, error) {
	p.throttle()

	var body []byte
	var err error
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := p.creds.signL2(timestamp, method, path, string(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("POLY_ADDRESS", p.creds.MakerAddr)
	req.Header.Set("POLY_API_KEY", p.creds.APIKey)
	req.Header.Set("POLY_PASSPHRASE", p.creds.Passphrase)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &oms.ExchangeError{Kind: oms.ExchangeErrTimeout}
		}
		return nil, &oms.ExchangeError{Kind: oms.ExchangeErrConnection, Reason: err.Error()}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		defer resp.Body.Close()
		retryAfterMs := int64(1000)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfterMs = int64(secs) * 1000
			}
		}
		return nil, &oms.ExchangeError{Kind: oms.ExchangeErrRateLimited, RetryAfterMs: retryAfterMs}
	}
	return resp, nil
}

// signedOrder is the CTF Exchange order struct, EIP-712-signed over its
// salt/maker/signer/taker/tokenId/amounts/expiration/nonce/fee/side fields.
type signedOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

func padUint256(bi *big.Int) []byte {
	b := bi.Bytes()
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func padAddress(addr common.Address) []byte {
	var out [32]byte
	copy(out[12:], addr.Bytes())
	return out[:]
}

// buildAndSignOrder constructs the CTF Exchange EIP-712 digest for request
// and signs it with the configured key, mirroring the domain/type hashes
// the CLOB's frontend signer and the recovery-side verifier both use.
func (p *Polymarket) buildAndSignOrder(request types.OrderRequest, expiration int64) (signedOrder, error) {
	maker := common.HexToAddress(p.creds.MakerAddr)
	signerAddr := crypto.PubkeyToAddress(p.creds.SigningKey.PublicKey)

	salt := new(big.Int).SetInt64(time.Now().UnixNano())
	tokenID := new(big.Int)
	tokenID.SetString(request.Ticker, 10)

	notionalCents := int64(request.PriceCents) * int64(request.Quantity)
	makerAmount := big.NewInt(notionalCents * 10000) // scale cents to 1e6 USDC units
	takerAmount := big.NewInt(int64(request.Quantity) * 1000000)
	if request.Action == types.ActionSell {
		makerAmount, takerAmount = takerAmount, makerAmount
	}

	side := "0"
	if request.Action == types.ActionSell {
		side = "1"
	}
	nonce := big.NewInt(0)
	feeRateBps := big.NewInt(0)

	typeHashDomain := crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	typeHashOrder := crypto.Keccak256Hash([]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side)"))

	domainSeparator := crypto.Keccak256Hash(
		typeHashDomain.Bytes(),
		crypto.Keccak256Hash([]byte(polymarketDomainName)).Bytes(),
		crypto.Keccak256Hash([]byte(polymarketDomainVersion)).Bytes(),
		padUint256(big.NewInt(polymarketChainID)),
		padAddress(common.HexToAddress(polymarketExchangeAddr)),
	)

	sideByte := byte(0)
	if side == "1" {
		sideByte = 1
	}

	structHash := crypto.Keccak256Hash(
		typeHashOrder.Bytes(),
		padUint256(salt),
		padAddress(maker),
		padAddress(signerAddr),
		padAddress(common.Address{}), // taker: open order, no counterparty restriction
		padUint256(tokenID),
		padUint256(makerAmount),
		padUint256(takerAmount),
		padUint256(big.NewInt(expiration)),
		padUint256(nonce),
		padUint256(feeRateBps),
		padUint256(big.NewInt(int64(sideByte))),
	)

	digest := crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())

	sig, err := crypto.Sign(digest.Bytes(), p.creds.SigningKey)
	if err != nil {
		return signedOrder{}, fmt.Errorf("polymarket: sign order: %w", err)
	}
	sig[64] += 27 // go-ethereum returns 0/1; the CLOB expects 27/28

	return signedOrder{
		Salt:          salt.String(),
		Maker:         maker.Hex(),
		Signer:        signerAddr.Hex(),
		Taker:         common.Address{}.Hex(),
		TokenID:       tokenID.String(),
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    strconv.FormatInt(expiration, 10),
		Nonce:         nonce.String(),
		FeeRateBps:    feeRateBps.String(),
		Side:          side,
		SignatureType: 0,
		Signature:     "0x" + common.Bytes2Hex(sig),
	}, nil
}

type polymarketOrderRequest struct {
	Order      signedOrder `json:"order"`
	OrderType  string      `json:"orderType"`
	OwnerID    string      `json:"owner"`
}

type polymarketOrderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderID"`
	Status  string `json:"status"`
	Error   string `json:"errorMsg"`
}

// SubmitOrder signs and posts a CTF Exchange order. Expiration is set to
// zero (good-till-cancelled) for TimeInForceGTC, or 30s out for IOC, since
// Polymarket has no native IOC flag on limit orders.
func (p *Polymarket) SubmitOrder(ctx context.Context, request types.OrderRequest) (string, error) {
	expiration := int64(0)
	if request.TimeInForce == types.TimeInForceIOC {
		expiration = time.Now().Add(30 * time.Second).Unix()
	}

	order, err := p.buildAndSignOrder(request, expiration)
	if err != nil {
		return "", err
	}

	orderType := "GTC"
	if request.TimeInForce == types.TimeInForceIOC {
		orderType = "FOK"
	}

	resp, err := p.do(ctx, http.MethodPost, "/order", polymarketOrderRequest{
		Order: order, OrderType: orderType, OwnerID: p.creds.APIKey,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &oms.ExchangeError{Kind: oms.ExchangeErrRejected, Reason: readBody(resp)}
	}

	var parsed polymarketOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("polymarket: decode order response: %w", err)
	}
	if !parsed.Success {
		return "", &oms.ExchangeError{Kind: oms.ExchangeErrRejected, Reason: parsed.Error}
	}
	return parsed.OrderID, nil
}

// CancelOrder cancels an order by its CLOB order id.
func (p *Polymarket) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	resp, err := p.do(ctx, http.MethodDelete, "/order", map[string]string{"orderID": exchangeOrderID})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &oms.ExchangeError{Kind: oms.ExchangeErrNotFound}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &oms.ExchangeError{Kind: oms.ExchangeErrRejected, Reason: readBody(resp)}
	}
	return nil
}

// AmendOrder cancels and resubmits, since the CLOB has no in-place amend
// (every order is an immutable signed struct).
func (p *Polymarket) AmendOrder(ctx context.Context, request oms.AmendRequest) (oms.AmendResult, error) {
	if err := p.CancelOrder(ctx, request.ExchangeOrderID); err != nil && !isExchangeErrorKind(err, oms.ExchangeErrNotFound) {
		return oms.AmendResult{}, err
	}

	newID, err := p.SubmitOrder(ctx, types.OrderRequest{
		ClientOrderID: uuid.New(),
		Ticker:        request.Ticker,
		Side:          request.Side,
		Action:        request.Action,
		Quantity:      request.NewQuantity,
		PriceCents:    request.NewPriceCents,
		TimeInForce:   types.TimeInForceGTC,
	})
	if err != nil {
		return oms.AmendResult{}, err
	}

	return oms.AmendResult{ExchangeOrderID: newID, NewPriceCents: request.NewPriceCents, NewQuantity: request.NewQuantity}, nil
}

// DecreaseOrder cancels and resubmits at a reduced quantity, the same
// cancel-replace strategy AmendOrder uses.
func (p *Polymarket) DecreaseOrder(ctx context.Context, exchangeOrderID string, reduceBy int32) error {
	return p.CancelOrder(ctx, exchangeOrderID)
}

type polymarketOpenOrder struct {
	ID             string `json:"id"`
	AssociateTrade string `json:"associate_trade"`
	Status         string `json:"status"`
	SizeMatched    string `json:"size_matched"`
	OriginalSize   string `json:"original_size"`
}

// GetOrderStatus looks up an order among the account's open orders by its
// client-supplied association id.
func (p *Polymarket) GetOrderStatus(ctx context.Context, clientOrderID uuid.UUID) (oms.ExchangeOrderStatus, error) {
	resp, err := p.do(ctx, http.MethodGet, "/data/orders", nil)
	if err != nil {
		return oms.ExchangeOrderStatus{}, err
	}
	defer resp.Body.Close()

	var orders []polymarketOpenOrder
	if err := json.NewDecoder(resp.Body).Decode(&orders); err != nil {
		return oms.ExchangeOrderStatus{}, fmt.Errorf("polymarket: decode orders response: %w", err)
	}

	want := clientOrderID.String()
	for _, o := range orders {
		if o.AssociateTrade == want {
			filled, _ := strconv.ParseFloat(o.SizeMatched, 64)
			return oms.ExchangeOrderStatus{
				ExchangeOrderID: o.ID,
				Status:          mapPolymarketState(o.Status),
				FilledQuantity:  int32(filled),
			}, nil
		}
	}
	return oms.ExchangeOrderStatus{}, &oms.ExchangeError{Kind: oms.ExchangeErrNotFound}
}

type polymarketTrade struct {
	ID       string `json:"id"`
	OrderID  string `json:"taker_order_id"`
	AssetID  string `json:"asset_id"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	TakerMkr string `json:"trader_side"`
	MatchAt  string `json:"match_time"`
}

// GetFills returns fills since the given time.
func (p *Polymarket) GetFills(ctx context.Context, since *time.Time) ([]oms.ExchangeFill, error) {
	path := "/data/trades"
	if since != nil {
		path += "?after=" + strconv.FormatInt(since.Unix(), 10)
	}

	resp, err := p.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var trades []polymarketTrade
	if err := json.NewDecoder(resp.Body).Decode(&trades); err != nil {
		return nil, fmt.Errorf("polymarket: decode trades response: %w", err)
	}

	fills := make([]oms.ExchangeFill, 0, len(trades))
	for _, t := range trades {
		priceF, _ := strconv.ParseFloat(t.Price, 64)
		sizeF, _ := strconv.ParseFloat(t.Size, 64)
		matchUnix, _ := strconv.ParseInt(t.MatchAt, 10, 64)

		action := types.ActionBuy
		if strings.EqualFold(t.Side, "sell") {
			action = types.ActionSell
		}

		fills = append(fills, oms.ExchangeFill{
			ExchangeOrderID: t.OrderID,
			TradeID:         t.ID,
			Ticker:          t.AssetID,
			Side:            types.SideYes,
			Action:          action,
			PriceCents:      int32(priceF * 100),
			Quantity:        int32(sizeF),
			IsTaker:         strings.EqualFold(t.TakerMkr, "taker"),
			FilledAt:        time.Unix(matchUnix, 0).UTC(),
		})
	}
	return fills, nil
}

type polymarketPosition struct {
	AssetID string `json:"asset"`
	Size    string `json:"size"`
}

// GetPositions returns net open positions per token id.
func (p *Polymarket) GetPositions(ctx context.Context) ([]oms.Position, error) {
	resp, err := p.do(ctx, http.MethodGet, "/data/positions", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var positions []polymarketPosition
	if err := json.NewDecoder(resp.Body).Decode(&positions); err != nil {
		return nil, fmt.Errorf("polymarket: decode positions response: %w", err)
	}

	out := make([]oms.Position, 0, len(positions))
	for _, pos := range positions {
		size, _ := strconv.ParseFloat(pos.Size, 64)
		out = append(out, oms.Position{Ticker: pos.AssetID, Side: types.SideYes, Quantity: int32(size)})
	}
	return out, nil
}

func mapPolymarketState(s string) state.ExchangeOrderState {
	switch strings.ToUpper(s) {
	case "LIVE", "MATCHED":
		return state.ExchangeResting
	case "FILLED":
		return state.ExchangeExecuted
	case "CANCELLED", "CANCELED":
		return state.ExchangeCancelled
	default:
		return state.ExchangeNotFound
	}
}
