package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/adshao/go-binance/v2/futures"

	"keeper/internal/gateway/exchange"
	"keeper/internal/logger"
)

// Client is one tenant's USDⓈ-M futures handle.
type Client struct {
	userID int64
	client *futures.Client
}

func newFuturesClient(cfg Config, creds Credentials) (*futures.Client, error) {
	client := futures.NewClient(creds.APIKey, creds.SecretKey)
	client.BaseURL = cfg.RESTBaseURL
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if cfg.ProxyEnabled && cfg.RESTProxyURL != "" {
		proxyURL, err := url.Parse(cfg.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return client, nil
}

func (c *Client) Name() string { return "binance-futures" }

func (c *Client) GetOpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	sym := toBinanceSymbol(symbol)
	risks, err := c.client.NewGetPositionRiskService().Symbol(sym).Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	return convertPositions(sym, risks), nil
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	orders, err := c.client.NewListOpenOrdersService().Symbol(toBinanceSymbol(symbol)).Do(ctx)
	if err != nil {
		return nil, mapAPIError(err)
	}
	return convertOrders(orders), nil
}

func (c *Client) PlaceProtectiveOrder(ctx context.Context, req exchange.ProtectiveOrderRequest) (string, error) {
	sym := toBinanceSymbol(req.Symbol)
	res, err := c.client.NewCreateOrderService().
		Symbol(sym).
		Side(sideType(exchange.OrderSide(req.PositionSide))).
		Type(futures.OrderTypeStopMarket).
		StopPrice(req.TriggerPrice.String()).
		Quantity(req.Quantity.String()).
		ReduceOnly(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		NewClientOrderID(req.ClientOrderID).
		Do(ctx)
	if err != nil {
		return "", mapAPIError(err)
	}
	logger.Infof("binance: user %d placed protective stop %s %s qty=%s trigger=%s",
		c.userID, sym, req.ClientOrderID, req.Quantity, req.TriggerPrice)
	return strconv.FormatInt(res.OrderID, 10), nil
}

// Provider hands out one cached Client per configured user.
type Provider struct {
	cfg Config

	mu      sync.Mutex
	clients map[int64]*Client
}

func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg.withDefaults(), clients: make(map[int64]*Client)}
}

func (p *Provider) ForUser(_ context.Context, userID int64) (exchange.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[userID]; ok {
		return c, nil
	}
	creds, ok := p.cfg.Accounts[userID]
	if !ok || creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("user %d: %w", userID, exchange.ErrNoCredentials)
	}
	fc, err := newFuturesClient(p.cfg, creds)
	if err != nil {
		return nil, err
	}
	c := &Client{userID: userID, client: fc}
	p.clients[userID] = c
	return c, nil
}
