package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/relabs-tech/mbot_sim/internal/config"
	"github.com/relabs-tech/mbot_sim/internal/messages"
)

// RunConsoleMQTT prints odometry and scan summaries from the broker until
// ctx is cancelled.
func RunConsoleMQTT(ctx context.Context, cfg *config.Config, out io.Writer) error {
	bus, err := NewMQTTBus(cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}
	defer bus.Close()

	if err := subscribeConsole(bus, cfg, out); err != nil {
		return err
	}
	<-ctx.Done()
	log.Println("console: shutting down")
	return nil
}

func subscribeConsole(bus Bus, cfg *config.Config, out io.Writer) error {
	// Subscribe to odometry
	err := bus.Subscribe(cfg.TopicOdometry, func(payload []byte) {
		o, err := messages.DecodeOdometry(payload)
		if err != nil {
			log.Printf("console: odometry unmarshal error: %v", err)
			return
		}
		fmt.Fprintln(out, formatOdometry(o))
	})
	if err != nil {
		return err
	}

	// Subscribe to lidar
	return bus.Subscribe(cfg.TopicLidar, func(payload []byte) {
		l, err := messages.DecodeLidar(payload)
		if err != nil {
			log.Printf("console: lidar unmarshal error: %v", err)
			return
		}
		fmt.Fprintln(out, formatScan(l))
	})
}

func formatOdometry(o messages.Odometry) string {
	return fmt.Sprintf("[ODOM]  t=%d  X=%7.3f  Y=%7.3f  TH=%6.3f", o.Timestamp, o.X, o.Y, o.Theta)
}

func formatScan(l messages.Lidar) string {
	if l.NumRanges == 0 {
		return "[SCAN]  empty"
	}
	nearest, at := math.Inf(1), 0.0
	for i, r := range l.Ranges {
		if r < nearest {
			nearest, at = r, l.Angles[i]
		}
	}
	return fmt.Sprintf("[SCAN]  t=%d  beams=%d  nearest=%6.3f m @ %6.1f°",
		l.Timestamps[0], l.NumRanges, nearest, at*180/math.Pi)
}
