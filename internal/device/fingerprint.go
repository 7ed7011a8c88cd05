// Package device fingerprints clients and assesses login and step-up risk
// from device, behavior and environment signals.
package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"golang.org/x/sync/errgroup"
)

var errNoSignal = errors.New("signal unavailable")

// Collector derives one fingerprint component from client signals.
type Collector struct {
	Name    string
	Collect func(ctx context.Context, s domain.ClientSignals) (string, error)
}

// DefaultCollectors returns the nine collectors in hashing order.
func DefaultCollectors() []Collector {
	return []Collector{
		{"platform", collectPlatform},
		{"rendering", collectRendering},
		{"audio", collectAudio},
		{"fonts", collectFonts},
		{"plugins", collectPlugins},
		{"storage", collectStorage},
		{"network", collectNetwork},
		{"hardware", collectHardware},
		{"interaction", collectInteraction},
	}
}

// Generator builds composite fingerprints.
type Generator struct {
	collectors []Collector
	timeout    time.Duration
	now        func() time.Time
}

// NewGenerator creates a Generator. Each collector runs under timeout.
func NewGenerator(collectors []Collector, timeout time.Duration) *Generator {
	if len(collectors) == 0 {
		collectors = DefaultCollectors()
	}
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Generator{collectors: collectors, timeout: timeout, now: time.Now}
}

// Generate runs all collectors concurrently. The id is the SHA-256 of the
// name=value lines in collector order; confidence is the share of collectors
// that produced a value.
func (g *Generator) Generate(ctx context.Context, s domain.ClientSignals) *domain.DeviceFingerprint {
	values := make([]string, len(g.collectors))
	ok := make([]bool, len(g.collectors))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, c := range g.collectors {
		eg.Go(func() error {
			cctx, cancel := context.WithTimeout(egCtx, g.timeout)
			defer cancel()
			v, err := runCollector(cctx, c, s)
			if err == nil && v != "" {
				values[i], ok[i] = v, true
			}
			return nil
		})
	}
	_ = eg.Wait()

	h := sha256.New()
	signals := make(map[string]string, len(g.collectors))
	collected := 0
	for i, c := range g.collectors {
		fmt.Fprintf(h, "%s=%s\n", c.Name, values[i])
		if ok[i] {
			signals[c.Name] = values[i]
			collected++
		}
	}

	now := g.now().UTC()
	return &domain.DeviceFingerprint{
		ID:         hex.EncodeToString(h.Sum(nil)),
		Signals:    signals,
		Confidence: float64(collected) / float64(len(g.collectors)),
		FirstSeen:  now,
		LastSeen:   now,
	}
}

func runCollector(ctx context.Context, c Collector, s domain.ClientSignals) (string, error) {
	type result struct {
		v   string
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("collector %s panicked: %v", c.Name, r)}
			}
		}()
		v, err := c.Collect(ctx, s)
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func collectPlatform(_ context.Context, s domain.ClientSignals) (string, error) {
	if s.UserAgent == "" && s.Platform == "" {
		return "", errNoSignal
	}
	return strings.Join([]string{s.UserAgent, s.Platform, s.Language, s.Timezone, s.ScreenResolution, fmt.Sprint(s.ColorDepth)}, "|"), nil
}

func collectRendering(_ context.Context, s domain.ClientSignals) (string, error) {
	if s.CanvasHash == "" && s.WebGLRenderer == "" {
		return "", errNoSignal
	}
	return s.CanvasHash + "|" + s.WebGLRenderer, nil
}

func collectAudio(_ context.Context, s domain.ClientSignals) (string, error) {
	if s.AudioHash == "" {
		return "", errNoSignal
	}
	return s.AudioHash, nil
}

func collectFonts(_ context.Context, s domain.ClientSignals) (string, error) {
	return sortedList(s.Fonts)
}

func collectPlugins(_ context.Context, s domain.ClientSignals) (string, error) {
	return sortedList(s.Plugins)
}

func collectStorage(_ context.Context, s domain.ClientSignals) (string, error) {
	return fmt.Sprintf("ls=%t,ss=%t,idb=%t", s.LocalStorage, s.SessionStorage, s.IndexedDB), nil
}

func collectNetwork(_ context.Context, s domain.ClientSignals) (string, error) {
	if s.ConnectionType == "" && s.RTTMillis == 0 {
		return "", errNoSignal
	}
	return fmt.Sprintf("%s|%.1f|%d", s.ConnectionType, s.DownlinkMbps, s.RTTMillis), nil
}

func collectHardware(_ context.Context, s domain.ClientSignals) (string, error) {
	if s.CPUCores == 0 && s.DeviceMemoryGB == 0 && s.TouchPoints == 0 {
		return "", errNoSignal
	}
	return fmt.Sprintf("cores=%d,mem=%g,touch=%d", s.CPUCores, s.DeviceMemoryGB, s.TouchPoints), nil
}

func collectInteraction(_ context.Context, s domain.ClientSignals) (string, error) {
	if s.PointerType == "" {
		return "", errNoSignal
	}
	return fmt.Sprintf("%s|hover=%t", s.PointerType, s.HoverCapable), nil
}

func sortedList(in []string) (string, error) {
	if len(in) == 0 {
		return "", errNoSignal
	}
	cp := append([]string(nil), in...)
	sort.Strings(cp)
	return strings.Join(cp, ","), nil
}
