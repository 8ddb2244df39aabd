package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

var (
	DefaultOpts = Opts{
		MaxTabs:           24,
		NavigationTimeout: 60 * time.Second,
		SettleTime:        3 * time.Second,
		ProbeTimeout:      5 * time.Second,
	}
	BrowserUnavailableErr = errors.New("browser is not available")
)

type Config struct {
	ExecPath      string `yaml:"exec-path"`
	Proxy         string `yaml:"proxy"`
	ProxyUser     string `yaml:"proxy-user"`
	ProxyPassword string `yaml:"proxy-password"`
	ShowBrowser   bool   `yaml:"show-browser"`
}

type Opts struct {
	MaxTabs           int64
	NavigationTimeout time.Duration
	SettleTime        time.Duration
	ProbeTimeout      time.Duration
}

type instance struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

func (i *instance) close() {
	i.cancel()
	i.allocCancel()
}

// Pool owns a single lazily started browser process and hands out tabs on it.
// A dead browser is replaced on the next acquisition, concurrent callers wait for the
// one in-flight launch instead of starting their own.
type Pool struct {
	conf  Config
	opts  Opts
	m     sync.Mutex
	inst  *instance
	group singleflight.Group
	tabs  *semaphore.Weighted
}

func NewPool(conf Config, opts Opts) *Pool {
	if opts.MaxTabs <= 0 {
		opts.MaxTabs = DefaultOpts.MaxTabs
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = DefaultOpts.NavigationTimeout
	}
	if opts.SettleTime <= 0 {
		opts.SettleTime = DefaultOpts.SettleTime
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultOpts.ProbeTimeout
	}
	return &Pool{
		conf: conf,
		opts: opts,
		tabs: semaphore.NewWeighted(opts.MaxTabs),
	}
}

func (p *Pool) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if p.conf.ShowBrowser {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.WindowSize(1920, 1080),
	)
	if p.conf.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(p.conf.ExecPath))
	}
	if p.conf.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(p.conf.Proxy))
	}
	return opts
}

func (p *Pool) launch() (*instance, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), p.allocatorOptions()...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	// starts the browser process
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, errors.Wrap(err, "start browser")
	}
	return &instance{
		ctx:         ctx,
		cancel:      cancel,
		allocCancel: allocCancel,
	}, nil
}

// alive opens and closes a throwaway tab
func (p *Pool) alive(inst *instance) bool {
	if inst.ctx.Err() != nil {
		return false
	}
	tabCtx, cancel := chromedp.NewContext(inst.ctx)
	defer cancel()
	probeCtx, probeCancel := context.WithTimeout(tabCtx, p.opts.ProbeTimeout)
	defer probeCancel()
	return chromedp.Run(probeCtx) == nil
}

func (p *Pool) current() *instance {
	p.m.Lock()
	defer p.m.Unlock()
	return p.inst
}

func (p *Pool) acquire() (*instance, error) {
	if inst := p.current(); inst != nil && p.alive(inst) {
		return inst, nil
	}

	v, err, _ := p.group.Do("browser", func() (interface{}, error) {
		p.m.Lock()
		old := p.inst
		p.m.Unlock()

		// another caller may have replaced the browser while we were probing
		if old != nil && p.alive(old) {
			return old, nil
		}
		if old != nil {
			log.Warn().Msgf("browser is unresponsive, restarting")
			old.close()
		}

		inst, err := p.launch()
		if err != nil {
			return nil, err
		}
		p.m.Lock()
		p.inst = inst
		p.m.Unlock()
		log.Debug().Msgf("browser started")
		return inst, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "acquire browser")
	}
	return v.(*instance), nil
}

// invalidate drops the instance if it is still the current one, so the next acquisition restarts it
func (p *Pool) invalidate(inst *instance) {
	p.m.Lock()
	defer p.m.Unlock()
	if p.inst == inst {
		inst.close()
		p.inst = nil
	}
}

func (p *Pool) Close() error {
	p.m.Lock()
	defer p.m.Unlock()
	if p.inst != nil {
		p.inst.close()
		p.inst = nil
	}
	return nil
}
