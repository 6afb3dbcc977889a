// Package mt5broker implements internal/broker.Broker against a live
// MetaTrader 5 terminal over the MetaRPC gRPC transport. The connection
// setup, retry-on-Unavailable loop and error wrapping are adapted from the
// MetaRPC GoMT5 client's MT5Account/MT5Sugar layers.
package mt5broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	pb "git.mtapi.io/root/mrpc-proto/mt5/libraries/go"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/quantrail/slm/internal/broker"
)

const mt5SuccessCode = 10009

// Client is a live broker.Broker backed by a single MT5 gRPC session.
type Client struct {
	id         uuid.UUID
	conn       *grpc.ClientConn
	trade      pb.TradingHelperClient
	market     pb.MarketInfoClient
	positions  pb.TradeFunctionsClient
}

// Dial opens a gRPC session to grpcServer, mirroring NewMT5Account's TLS and
// keepalive configuration from the MetaRPC GoMT5 client.
func Dial(ctx context.Context, grpcServer string) (*Client, error) {
	if grpcServer == "" {
		grpcServer = "mt5.mrpc.pro:443"
	}

	host := grpcServer
	if strings.Contains(host, ":") {
		if h, _, err := net.SplitHostPort(grpcServer); err == nil {
			host = h
		}
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if ip := net.ParseIP(host); ip == nil && host != "" {
		tlsCfg.ServerName = host
	}

	kp := keepalive.ClientParameters{
		Time:                20 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dctx,
		grpcServer,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)),
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(kp),
	)
	if err != nil {
		return nil, fmt.Errorf("mt5broker: grpc dial %s: %w", grpcServer, err)
	}

	return &Client{
		id:        uuid.New(),
		conn:      conn,
		trade:     pb.NewTradingHelperClient(conn),
		market:    pb.NewMarketInfoClient(conn),
		positions: pb.NewTradeFunctionsClient(conn),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) headers() metadata.MD {
	return metadata.Pairs("id", c.id.String())
}

// withRetry is the SLM's equivalent of ExecuteWithReconnect: it retries a
// single RPC on Unavailable/DeadlineExceeded with the same exponential
// backoff-plus-jitter shape used throughout the MetaRPC GoMT5 client, so a
// dropped terminal connection never surfaces as a spurious SL-update
// failure to the caller.
func withRetry[T any](ctx context.Context, call func() (T, error)) (T, error) {
	const (
		initialDelay = 500 * time.Millisecond
		maxDelay     = 5 * time.Second
	)
	delay := initialDelay
	var zero T

	for {
		res, err := call()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		s, ok := status.FromError(err)
		if !ok || (s.Code() != codes.Unavailable && s.Code() != codes.DeadlineExceeded) {
			return zero, err
		}
		jitter := time.Duration(rand.Int63n(int64(delay/2))) - delay/4
		wait := delay + jitter
		select {
		case <-time.After(wait):
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// ModifyOrder implements broker.Broker. It mirrors MT5Sugar.ModifyPositionSL:
// a 10s-bounded OrderModify call that treats anything but MT5's TRADE_RETCODE_DONE
// (10009) as a rejection rather than an error, so callers can distinguish a
// broker-side reject from a transport failure.
func (c *Client) ModifyOrder(ctx context.Context, ticket uint64, stopLoss float64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req := &pb.OrderModifyRequest{Ticket: ticket, StopLoss: &stopLoss}
	result, err := withRetry(ctx, func() (*pb.OrderModifyData, error) {
		return c.trade.OrderModify(metadata.NewOutgoingContext(ctx, c.headers()), req)
	})
	if err != nil {
		return false, fmt.Errorf("mt5broker: ModifyOrder ticket=%d: %w", ticket, err)
	}
	if result.ReturnedCode != mt5SuccessCode {
		return false, nil
	}
	return true, nil
}

// GetOpenPositions implements broker.Broker, mirroring MT5Sugar.GetOpenPositions.
func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := withRetry(ctx, func() (*pb.OpenedOrdersData, error) {
		return c.positions.OpenedOrders(metadata.NewOutgoingContext(ctx, c.headers()), &pb.OpenedOrdersRequest{})
	})
	if err != nil {
		return nil, fmt.Errorf("mt5broker: GetOpenPositions: %w", err)
	}

	out := make([]broker.Position, 0, len(data.PositionInfos))
	for _, p := range data.PositionInfos {
		out = append(out, toPosition(p))
	}
	return out, nil
}

// GetPositionByTicket implements broker.Broker by scanning the open
// position list, mirroring MT5Sugar.GetPositionByTicket.
func (c *Client) GetPositionByTicket(ctx context.Context, ticket uint64) (*broker.Position, bool, error) {
	all, err := c.GetOpenPositions(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range all {
		if all[i].Ticket == ticket {
			return &all[i], true, nil
		}
	}
	return nil, false, nil
}

// GetSymbolInfo implements broker.Broker, mirroring MT5Sugar.GetSymbolInfo's
// combination of SymbolParamsMany (contract size, volume step) and
// SymbolInfoInteger (stops level).
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (*broker.InstrumentMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	params, err := withRetry(ctx, func() (*pb.SymbolParamsManyData, error) {
		return c.market.SymbolParamsMany(metadata.NewOutgoingContext(ctx, c.headers()), &pb.SymbolParamsManyRequest{
			SymbolName: &symbol,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("mt5broker: GetSymbolInfo(%s): %w", symbol, err)
	}
	if len(params.SymbolInfos) == 0 {
		return nil, fmt.Errorf("mt5broker: GetSymbolInfo(%s): symbol not found", symbol)
	}
	info := params.SymbolInfos[0]

	return &broker.InstrumentMetadata{
		Symbol:       symbol,
		Digits:       info.Digits,
		Point:        info.Point,
		ContractSize: info.TradeContractSize,
		TickValue:    info.TradeTickValue,
		TickSize:     info.TradeTickSize,
		StopsLevel:   info.TradeStopsLevel,
		FreezeLevel:  info.TradeFreezeLevel,
		VolumeMin:    info.VolumeMin,
		VolumeMax:    info.VolumeMax,
		VolumeStep:   info.VolumeStep,
	}, nil
}

// GetSymbolInfoTick implements broker.Broker, mirroring MT5Sugar.GetPriceInfo.
func (c *Client) GetSymbolInfoTick(ctx context.Context, symbol string) (*broker.Tick, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tick, err := withRetry(ctx, func() (*pb.MrpcMqlTick, error) {
		return c.market.SymbolInfoTick(metadata.NewOutgoingContext(ctx, c.headers()), &pb.SymbolInfoTickRequest{SymbolName: symbol})
	})
	if err != nil {
		return nil, fmt.Errorf("mt5broker: GetSymbolInfoTick(%s): %w", symbol, err)
	}

	return &broker.Tick{
		Symbol: symbol,
		Bid:    tick.Bid,
		Ask:    tick.Ask,
		Time:   time.Unix(tick.Time, 0),
	}, nil
}

func toPosition(p *pb.PositionInfo) broker.Position {
	side := broker.Buy
	if p.PositionType == pb.MrpcEnumPositionType_MRPC_POSITION_TYPE_SELL {
		side = broker.Sell
	}
	return broker.Position{
		Ticket:     p.Ticket,
		Symbol:     p.Symbol,
		Side:       side,
		Volume:     p.Volume,
		EntryPrice: p.PriceOpen,
		CurrentPrice: p.PriceCurrent,
		CurrentSL:  p.StopLoss,
		CurrentTP:  p.TakeProfit,
		OpenTime:   time.Unix(p.TimeCreate, 0),
		ProfitUSD:  p.Profit,
		Comment:    p.Comment,
	}
}
