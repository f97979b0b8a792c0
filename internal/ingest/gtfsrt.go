package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/iliyamo/transit-seat-reservation/internal/queue"
)

// GTFSPoller polls a GTFS-Realtime VehiclePositions feed and applies
// every entity whose vehicle id is registered.
type GTFSPoller struct {
	url      string
	client   *http.Client
	ingestor *Ingestor
	log      *zap.Logger
}

// NewGTFSPoller returns a poller for url.
func NewGTFSPoller(url string, ingestor *Ingestor, log *zap.Logger) *GTFSPoller {
	if log == nil {
		log = zap.NewNop()
	}
	return &GTFSPoller{
		url:      url,
		client:   &http.Client{Timeout: 15 * time.Second},
		ingestor: ingestor,
		log:      log.Named("gtfsrt"),
	}
}

// Run polls every interval until ctx is cancelled.
func (p *GTFSPoller) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 15 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if n, err := p.Poll(ctx); err != nil {
			p.log.Warn("gtfs-rt poll failed", zap.Error(err))
		} else {
			p.log.Debug("gtfs-rt polled", zap.Int("applied", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Poll fetches the feed once and returns how many positions were applied.
// Entities for unregistered vehicles are skipped.
func (p *GTFSPoller) Poll(ctx context.Context) (int, error) {
	feed, err := p.fetch(ctx)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, msg := range Positions(feed) {
		err := p.ingestor.Apply(ctx, SourceGTFSRT, msg)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrUnknownVehicle), errors.Is(err, ErrInvalidReport):
			p.log.Debug("gtfs-rt entity skipped", zap.String("vehicle", msg.VehicleID), zap.Error(err))
		default:
			return applied, err
		}
	}
	return applied, nil
}

// Positions converts the feed's vehicle entities into position messages.
// The vehicle descriptor id is the vehicle id, falling back to the entity
// id; the trip's route id becomes the route when present.
func Positions(feed *gtfs.FeedMessage) []queue.PositionMessage {
	var out []queue.PositionMessage
	for _, entity := range feed.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}
		id := vp.GetVehicle().GetId()
		if id == "" {
			id = entity.GetId()
		}
		pos := vp.GetPosition()
		msg := queue.PositionMessage{
			VehicleID: id,
			Lat:       float64(pos.GetLatitude()),
			Lng:       float64(pos.GetLongitude()),
			Route:     vp.GetTrip().GetRouteId(),
		}
		if pos.Bearing != nil {
			h := float64(pos.GetBearing())
			msg.Heading = &h
		}
		if ts := vp.GetTimestamp(); ts > 0 {
			msg.ReportedAt = time.Unix(int64(ts), 0).UTC()
		}
		out = append(out, msg)
	}
	return out
}

func (p *GTFSPoller) fetch(ctx context.Context) (*gtfs.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("parse protobuf: %w", err)
	}
	return feed, nil
}
