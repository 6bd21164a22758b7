package telemetry

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/Klingon-tech/klingnet-miner/internal/events"
	"github.com/Klingon-tech/klingnet-miner/internal/log"
)

// InfluxConfig holds InfluxDB connection configuration.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// PointWriter is the subset of api.WriteAPI used by the metrics sink.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// InfluxClient owns the InfluxDB connection and its non-blocking writer.
type InfluxClient struct {
	client influxdb2.Client
	writer PointWriter
}

// DialInflux connects and checks server health.
func DialInflux(ctx context.Context, cfg InfluxConfig) (*InfluxClient, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("influxdb health check failed: %s", msg)
	}

	w := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range w.Errors() {
			log.Telemetry.Warn().Err(err).Msg("InfluxDB write failed")
		}
	}()
	return &InfluxClient{client: client, writer: w}, nil
}

// Writer returns the point writer.
func (c *InfluxClient) Writer() PointWriter { return c.writer }

// Close flushes pending points and closes the connection.
func (c *InfluxClient) Close() {
	c.writer.Flush()
	c.client.Close()
}

// MetricsSink turns events into time-series points.
type MetricsSink struct {
	w     PointWriter
	miner string
}

// NewMetricsSink creates a sink tagging every point with miner.
func NewMetricsSink(w PointWriter, miner string) *MetricsSink {
	return &MetricsSink{w: w, miner: miner}
}

// Run drains sub until it is closed or ctx is done, flushing on exit.
func (s *MetricsSink) Run(ctx context.Context, sub *events.Subscription) {
	defer s.w.Flush()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if p := Point(ev, s.miner); p != nil {
				s.w.WritePoint(p)
			}
		}
	}
}

// Point maps an event to a point. Events without a metric return nil.
func Point(ev events.Event, miner string) *write.Point {
	tags := map[string]string{"miner": miner}
	var (
		name   string
		fields map[string]any
	)

	switch p := ev.Payload.(type) {
	case events.Mining:
		name = "hashrate"
		tags["round"] = strconv.FormatUint(p.RoundID, 10)
		fields = map[string]any{
			"khs":    p.HashRate,
			"hashes": p.Hashes,
		}
	case events.RoundStarted:
		name = "rounds"
		fields = map[string]any{
			"round_id": p.Round.ID,
			"min_duration": p.Round.MinDuration.Seconds(),
		}
	case events.NonceFound:
		name = "attempts"
		tags["round"] = strconv.FormatUint(p.Attempt.RoundID, 10)
		fields = map[string]any{"count": 1}
	case events.TransactionConfirmed:
		name = "transactions"
		tags["kind"] = p.Record.Kind.String()
		tags["status"] = "confirmed"
		fields = map[string]any{
			"count":         1,
			"block":         p.Record.BlockNumber,
			"confirmations": p.Record.Confirmations,
			"latency_ms":    ev.Time.Sub(p.Record.SubmittedAt).Milliseconds(),
		}
	case events.TransactionFailed:
		name = "transactions"
		tags["kind"] = p.TxKind.String()
		tags["status"] = "failed"
		tags["class"] = p.Class
		fields = map[string]any{"count": 1}
	case events.RewardReceived:
		name = "rewards"
		fields = map[string]any{
			"amount": weiFloat(p.Amount),
			"block":  p.Block,
		}
	default:
		return nil
	}
	return write.NewPoint(name, tags, fields, ev.Time)
}

func weiFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
