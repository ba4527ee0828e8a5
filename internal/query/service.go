// Package query exposes the live books over gRPC on a Unix domain socket.
//
// Messages are google.protobuf.Struct values so the service needs no
// generated code:
//
//	GetDepth  {exchange, symbol, levels?}               -> publish.Payload
//	ListBooks {}                                        -> {books: [{exchange, symbol, status, fresh, ...}]}
//	Compare   {symbol, baseline, challenger, band?, side?} -> comparison
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/caesar-terminal/depthsync/internal/adapter"
	"github.com/caesar-terminal/depthsync/internal/analytics"
	"github.com/caesar-terminal/depthsync/internal/book"
	"github.com/caesar-terminal/depthsync/internal/pipeline"
	"github.com/caesar-terminal/depthsync/internal/publish"
)

const serviceName = "depthsync.v1.DepthQuery"

// Full method names.
const (
	MethodGetDepth  = "/" + serviceName + "/GetDepth"
	MethodListBooks = "/" + serviceName + "/ListBooks"
	MethodCompare   = "/" + serviceName + "/Compare"
)

// DepthQueryServer is the server API for the DepthQuery service.
type DepthQueryServer interface {
	GetDepth(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListBooks(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Compare(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterDepthQueryServer registers srv on s.
func RegisterDepthQueryServer(s grpc.ServiceRegistrar, srv DepthQueryServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DepthQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetDepth", Handler: getDepthHandler},
		{MethodName: "ListBooks", Handler: listBooksHandler},
		{MethodName: "Compare", Handler: compareHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "depthsync/v1/query.proto",
}

func getDepthHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DepthQueryServer).GetDepth(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetDepth}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(DepthQueryServer).GetDepth(ctx, req.(*structpb.Struct))
	})
}

func listBooksHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DepthQueryServer).ListBooks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListBooks}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(DepthQueryServer).ListBooks(ctx, req.(*emptypb.Empty))
	})
}

func compareHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DepthQueryServer).Compare(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodCompare}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(DepthQueryServer).Compare(ctx, req.(*structpb.Struct))
	})
}

// Books is satisfied by pipeline.Registry.
type Books interface {
	Keys() []adapter.Key
	Get(key adapter.Key) (*pipeline.Pipeline, bool)
}

// Freshness is satisfied by publish.Monitor.
type Freshness interface {
	Fresh(key adapter.Key) bool
}

// Handler implements DepthQueryServer over the live registry.
type Handler struct {
	books Books
	fresh Freshness
	band  decimal.Decimal
	side  book.Side
}

// NewHandler creates a Handler. band and side are the Compare defaults;
// fresh may be nil.
func NewHandler(books Books, fresh Freshness, band decimal.Decimal, side book.Side) *Handler {
	return &Handler{books: books, fresh: fresh, band: band, side: side}
}

// GetDepth returns the latest normalized book for one key.
func (h *Handler) GetDepth(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := keyFrom(req, "exchange", "symbol")
	if err != nil {
		return nil, err
	}
	res, err := h.latest(key)
	if err != nil {
		return nil, err
	}
	p := publish.NewPayload(res)
	if n := int(req.GetFields()["levels"].GetNumberValue()); n > 0 {
		if len(p.Bids) > n {
			p.Bids = p.Bids[:n]
		}
		if len(p.Asks) > n {
			p.Asks = p.Asks[:n]
		}
	}
	return toStruct(p)
}

// BookInfo is one ListBooks row.
type BookInfo struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Status   string `json:"status"`
	Fresh    bool   `json:"fresh"`
	Received uint64 `json:"received"`
	Applied  uint64 `json:"applied"`
	Gaps     uint64 `json:"gaps"`
	Stale    uint64 `json:"stale"`
}

// ListBooks reports every registered book.
func (h *Handler) ListBooks(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	rows := []BookInfo{}
	for _, key := range h.books.Keys() {
		p, ok := h.books.Get(key)
		if !ok {
			continue
		}
		st := p.Stats()
		info := BookInfo{
			Exchange: string(key.Exchange),
			Symbol:   key.Symbol,
			Status:   p.Status().String(),
			Received: st.Received,
			Applied:  st.Applied,
			Gaps:     st.Gaps,
			Stale:    st.Stale,
		}
		if h.fresh != nil {
			info.Fresh = h.fresh.Fresh(key)
		} else {
			info.Fresh = p.Status() == pipeline.StatusSynced
		}
		rows = append(rows, info)
	}
	return toStruct(map[string]any{"books": rows})
}

// ComparisonResult is the Compare response.
type ComparisonResult struct {
	Symbol              string `json:"symbol"`
	Baseline            string `json:"baseline"`
	Challenger          string `json:"challenger"`
	Band                string `json:"band"`
	Side                string `json:"side"`
	BaselineDepth       string `json:"baselineDepth"`
	ChallengerDepth     string `json:"challengerDepth"`
	DepthScore          int    `json:"depthScore"`
	BaselineSpreadPct   string `json:"baselineSpreadPct"`
	ChallengerSpreadPct string `json:"challengerSpreadPct"`
	SpreadScore         int    `json:"spreadScore"`
	Fresh               bool   `json:"fresh"`
}

// Compare scores challenger against baseline for one symbol using their
// latest results.
func (h *Handler) Compare(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	sym := adapter.CanonicalSymbol(f["symbol"].GetStringValue())
	if sym == "" {
		return nil, status.Error(codes.InvalidArgument, "symbol is required")
	}
	base := adapter.Key{Exchange: adapter.Exchange(f["baseline"].GetStringValue()), Symbol: sym}
	chal := adapter.Key{Exchange: adapter.Exchange(f["challenger"].GetStringValue()), Symbol: sym}
	if base.Exchange == "" || chal.Exchange == "" {
		return nil, status.Error(codes.InvalidArgument, "baseline and challenger are required")
	}

	band := h.band
	if s := f["band"].GetStringValue(); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil || !d.IsPositive() {
			return nil, status.Errorf(codes.InvalidArgument, "invalid band %q", s)
		}
		band = d
	}
	side := h.side
	if s := f["side"].GetStringValue(); s != "" {
		parsed, err := book.ParseSide(s)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid side %q", s)
		}
		side = parsed
	}

	b, err := h.latest(base)
	if err != nil {
		return nil, err
	}
	c, err := h.latest(chal)
	if err != nil {
		return nil, err
	}
	cmp := analytics.Compare(sym, b.Metrics(), c.Metrics(), band, side)
	out := ComparisonResult{
		Symbol:              sym,
		Baseline:            string(base.Exchange),
		Challenger:          string(chal.Exchange),
		Band:                cmp.Band.String(),
		Side:                cmp.Side.String(),
		BaselineDepth:       cmp.BaselineDepth.String(),
		ChallengerDepth:     cmp.ChallengerDepth.String(),
		DepthScore:          cmp.DepthScore,
		BaselineSpreadPct:   cmp.BaselineSpreadPct.String(),
		ChallengerSpreadPct: cmp.ChallengerSpreadPct.String(),
		SpreadScore:         cmp.SpreadScore,
		Fresh:               true,
	}
	if h.fresh != nil {
		out.Fresh = h.fresh.Fresh(base) && h.fresh.Fresh(chal)
	}
	return toStruct(out)
}

func (h *Handler) latest(key adapter.Key) (pipeline.Result, error) {
	p, ok := h.books.Get(key)
	if !ok {
		return pipeline.Result{}, status.Errorf(codes.NotFound, "unknown book %s", key)
	}
	res, ok := p.Latest()
	if !ok {
		return pipeline.Result{}, status.Errorf(codes.Unavailable, "no data yet for %s", key)
	}
	return res, nil
}

func keyFrom(req *structpb.Struct, exField, symField string) (adapter.Key, error) {
	f := req.GetFields()
	ex, sym := f[exField].GetStringValue(), f[symField].GetStringValue()
	if ex == "" || sym == "" {
		return adapter.Key{}, status.Errorf(codes.InvalidArgument, "%s and %s are required", exField, symField)
	}
	return adapter.Key{Exchange: adapter.Exchange(ex), Symbol: adapter.CanonicalSymbol(sym)}, nil
}

// toStruct round-trips v through JSON so decimals keep their exact text.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return s, nil
}

// fromStruct decodes s into v, the inverse of toStruct.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return errors.New("query: empty response")
	}
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("query: decode: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("query: decode: %w", err)
	}
	return nil
}
