package malgo

import (
	"context"
	"runtime"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/patrickmn/go-cache"

	"github.com/duorec/duorec/internal/audiocore"
	"github.com/duorec/duorec/internal/errors"
	"github.com/duorec/duorec/internal/logger"
)

// DefaultProbeCacheTTL bounds how long a probe answer is reused
const DefaultProbeCacheTTL = 30 * time.Second

const probeCacheKey = "loopback"

// ProberOptions configures a Prober
type ProberOptions struct {
	Backend  string
	Device   string
	CacheTTL time.Duration
	Logger   logger.Logger
}

// Prober reports whether system loopback capture can be started. Available
// and Unavailable answers are cached; Denied is not, so a permission granted
// later is picked up by the next session.
type Prober struct {
	opts   ProberOptions
	log    logger.Logger
	cache  *cache.Cache
	detect func() audiocore.Availability
}

// NewProber returns a Prober for the configured backend and device
func NewProber(opts ProberOptions) *Prober {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultProbeCacheTTL
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global().Module("audio")
	}

	p := &Prober{
		opts: opts,
		log:  log.Module(componentMalgo),
		// no janitor goroutine; Get ignores expired items
		cache: cache.New(opts.CacheTTL, 0),
	}
	p.detect = p.detectLoopback
	return p
}

// Probe answers from cache or runs detection. Detection cannot be
// interrupted; when ctx ends first Probe returns Unavailable and the
// detection result is still cached for the next caller.
func (p *Prober) Probe(ctx context.Context) audiocore.Availability {
	if cached, found := p.cache.Get(probeCacheKey); found {
		if availability, ok := cached.(audiocore.Availability); ok {
			return availability
		}
	}

	result := make(chan audiocore.Availability, 1)
	go func() {
		availability := p.detect()
		if availability != audiocore.Denied {
			p.cache.Set(probeCacheKey, availability, cache.DefaultExpiration)
		}
		result <- availability
	}()

	select {
	case availability := <-result:
		p.log.Debug("system audio probed", logger.String("availability", availability.String()))
		return availability
	case <-ctx.Done():
		return audiocore.Unavailable
	}
}

// Invalidate drops the cached answer, e.g. after devices changed
func (p *Prober) Invalidate() {
	p.cache.Flush()
}

func (p *Prober) detectLoopback() audiocore.Availability {
	if runtime.GOOS == "darwin" {
		return audiocore.Unavailable
	}

	backends, err := Backends(p.opts.Backend, audiocore.KindSystemLoopback)
	if err != nil {
		return p.availabilityFor(err)
	}
	mctx, err := initContext(backends, nil)
	if err != nil {
		return p.availabilityFor(err)
	}
	defer releaseContext(mctx)

	if runtime.GOOS == "windows" {
		// WASAPI loopback needs a render endpoint to attach to
		infos, err := mctx.Devices(malgo.Playback)
		if err != nil {
			return p.availabilityFor(err)
		}
		if len(infos) == 0 {
			return audiocore.Unavailable
		}
		return audiocore.Available
	}

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return p.availabilityFor(err)
	}
	if _, err := selectDevice(describe(infos), p.opts.Device, true); err != nil {
		p.log.Info("no sink monitor found for system audio", logger.String("device", p.opts.Device))
		return audiocore.Unavailable
	}
	return audiocore.Available
}

func (p *Prober) availabilityFor(err error) audiocore.Availability {
	p.log.Debug("system audio probe failed", logger.Error(err))
	if errors.Is(err, audiocore.ErrPermissionDenied) {
		return audiocore.Denied
	}
	return audiocore.Unavailable
}
