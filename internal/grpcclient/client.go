package grpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/splat-api/internal/gaussian"
	"github.com/example/splat-api/internal/logging"
	"github.com/example/splat-api/internal/predictor"
)

const (
	// ServiceName is the gRPC service exposed by the inference sidecar.
	ServiceName   = "sharp.v1.Predictor"
	predictMethod = "/" + ServiceName + "/Predict"
	codecName     = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries predict calls as JSON so the sidecar needs no generated
// stubs. It is selected per call through the "json" content subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)     { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

// PredictRequest is the wire form of a predict call.
type PredictRequest struct {
	Width   int     `json:"width"`
	Height  int     `json:"height"`
	Pixels  []byte  `json:"pixels"`
	FocalPx float64 `json:"focal_px"`
	Device  string  `json:"device"`
}

// PredictResponse carries flattened Gaussian attributes.
type PredictResponse struct {
	Means     []float32 `json:"means"`
	Colors    []float32 `json:"colors"`
	Opacities []float32 `json:"opacities"`
	Scales    []float32 `json:"scales"`
	Rotations []float32 `json:"rotations"`
}

// Backend is a predictor.Backend that forwards inference to a remote
// sidecar over gRPC.
type Backend struct {
	addr     string
	dialOpts []grpc.DialOption
	logger   *zap.Logger

	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// NewBackend returns an unconnected backend for addr. Extra dial options are
// appended to the defaults.
func NewBackend(addr string, logger *zap.Logger, opts ...grpc.DialOption) *Backend {
	return &Backend{
		addr:     addr,
		dialOpts: opts,
		logger:   logger.Named("grpc_predictor"),
	}
}

func (b *Backend) Name() string { return "grpc" }

// Load dials the sidecar and waits until its health service reports SERVING.
func (b *Backend) Load(ctx context.Context) error {
	conn, err := dialPredictor(ctx, b.addr, b.logger, b.dialOpts...)
	if err != nil {
		return err
	}
	b.conn = conn
	b.health = healthpb.NewHealthClient(conn)

	for {
		resp, err := b.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}
		if err != nil {
			b.logger.Warn("predictor health check failed", zap.Error(err))
		} else {
			b.logger.Info("predictor not serving yet", zap.String("status", resp.GetStatus().String()))
		}
		select {
		case <-ctx.Done():
			return logging.NewOperationError("grpcclient.health_check", "", ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

// Predict sends the image as packed RGB and rebuilds the Gaussian set from
// the flattened reply.
func (b *Backend) Predict(ctx context.Context, req predictor.Request) (*gaussian.Set, error) {
	if b.conn == nil {
		return nil, fmt.Errorf("predictor connection not established")
	}
	in := &PredictRequest{
		Width:   req.Width,
		Height:  req.Height,
		Pixels:  req.RGB(),
		FocalPx: req.FocalPx,
		Device:  req.Device,
	}
	out := new(PredictResponse)
	if err := b.conn.Invoke(ctx, predictMethod, in, out, grpc.CallContentSubtype(codecName)); err != nil {
		wrapped := logging.NewOperationError("grpcclient.predict", "", err)
		b.logger.Error("predictor call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return gaussian.FromFlat(out.Means, out.Colors, out.Opacities, out.Scales, out.Rotations)
}

func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func dialPredictor(ctx context.Context, addr string, logger *zap.Logger, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(512 << 20), grpc.MaxCallSendMsgSize(256 << 20)),
	}, extra...)

	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_predictor", "", err)
		logger.Error("failed to dial predictor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	return conn, nil
}
