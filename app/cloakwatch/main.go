package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aau-network-security/cloakwatch/alert"
	"github.com/aau-network-security/cloakwatch/app"
	"github.com/aau-network-security/cloakwatch/browser"
	"github.com/aau-network-security/cloakwatch/classify"
	"github.com/aau-network-security/cloakwatch/discovery"
	"github.com/aau-network-security/cloakwatch/hunt"
	"github.com/aau-network-security/cloakwatch/metrics"
	"github.com/aau-network-security/cloakwatch/monitor"
	"github.com/aau-network-security/cloakwatch/report"
	"github.com/aau-network-security/cloakwatch/resolver"
	"github.com/aau-network-security/cloakwatch/scheduler"
	"github.com/aau-network-security/cloakwatch/store"
	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/aau-network-security/cloakwatch/takedown"
	"github.com/aau-network-security/cloakwatch/verify"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func openRepository(conf config) (store.Repository, error) {
	if conf.InMemory {
		log.Warn().Msg("using in-memory store, nothing is persisted")
		return store.NewMemory(), nil
	}
	return store.NewStore(conf.Store, store.DefaultOpts)
}

func newAllowList(ctx context.Context, conf allowList) classify.AllowList {
	lists := classify.MultiAllowList{classify.NewStaticAllowList(conf.Domains...)}
	if conf.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Address,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		rl := classify.NewRedisAllowList(rdb, conf.Redis.Key)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Msgf("redis allow-list unreachable: %s", err)
		} else if len(conf.Domains) > 0 {
			// share the configured domains with other instances
			if err := rl.Add(ctx, conf.Domains...); err != nil {
				log.Warn().Msgf("failed to seed redis allow-list: %s", err)
			}
		}
		lists = append(lists, rl)
	}
	return lists
}

func main() {
	ctx := context.Background()

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	confFile := flag.String("config", "config/config.yml", "location of configuration file")
	addSource := flag.String("add-source", "", "register a source url and exit")
	sourceType := flag.String("type", "header", "redirect type of the source to register")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	conf, err := readConfig(*confFile)
	if err != nil {
		log.Fatal().Msgf("error while reading configuration: %s", err)
	}
	if err := conf.IsValid(); err != nil {
		log.Fatal().Msgf("invalid configuration: %s", err)
	}

	el, err := app.NewErrLogger(conf.Meta, conf.Sentry, zerolog.ErrorLevel)
	if err != nil {
		log.Fatal().Msgf("error while creating error logger: %s", err)
	}

	repo, err := openRepository(conf)
	if err != nil {
		log.Fatal().Msgf("error while opening store: %s", err)
	}
	defer repo.Close()

	if *addSource != "" {
		t, err := resolver.ParseType(*sourceType)
		if err != nil {
			log.Fatal().Msgf("%s", err)
		}
		added, err := store.AddSource(repo, &models.Source{Url: *addSource, ResolutionType: t.String()})
		if err != nil {
			log.Fatal().Msgf("error while adding source: %s", err)
		}
		log.Info().Str("url", *addSource).Bool("added", added).Msg("source registered")
		return
	}

	mr, err := metrics.New(conf.Metrics)
	if err != nil {
		log.Fatal().Msgf("error while creating metrics recorder: %s", err)
	}
	defer mr.Close()

	pool := browser.NewPool(conf.Browser, browser.DefaultOpts)
	defer pool.Close()

	res, err := resolver.New(conf.Resolver, resolver.DefaultOpts, pool)
	if err != nil {
		log.Fatal().Msgf("error while creating resolver: %s", err)
	}

	engine := classify.NewEngine(newAllowList(ctx, conf.AllowList))
	verifier := verify.New(pool, classify.NewHttpClassifier(conf.Classifier), engine, verify.DefaultOpts)

	queue, err := report.New(conf.Report, report.WithMetrics(mr), report.WithErrLogger(el))
	if err != nil {
		log.Fatal().Msgf("error while creating report queue: %s", err)
	}

	threshold := conf.Threshold
	if threshold == 0 {
		threshold = monitor.DefaultOpts.Threshold
	}
	recorder := discovery.NewRecorder(repo, alert.New(conf.Alert),
		discovery.WithEnroller(discovery.NewEnroller(res, verifier, threshold)),
		discovery.WithReporter(queue),
		discovery.WithMetrics(mr),
	)

	dns, err := takedown.NewDNSChecker(conf.Takedown.DNS)
	if err != nil {
		log.Fatal().Msgf("error while creating dns checker: %s", err)
	}

	mopts := monitor.DefaultOpts
	mopts.Threshold = threshold
	mon := monitor.New(repo, res, verifier, recorder, dns, mopts,
		monitor.WithErrLogger(el),
		monitor.WithMetrics(mr),
	)

	topts := takedown.DefaultOpts
	if conf.Takedown.Concurrency > 0 {
		topts.Concurrency = conf.Takedown.Concurrency
	}
	tm := takedown.NewMonitor(repo,
		takedown.NewSafeBrowsing(conf.Takedown.SafeBrowsing, topts.ChunkSize),
		takedown.NewNetcraft(conf.Takedown.Netcraft),
		takedown.NewSmartScreen(conf.Takedown.SmartScreen),
		dns,
		topts,
		takedown.WithErrLogger(el),
		takedown.WithMetrics(mr),
		takedown.WithFlagger(queue),
	)

	feeds, err := conf.Hunt.Feeds(dns)
	if err != nil {
		log.Fatal().Msgf("error while creating hunt feeds: %s", err)
	}
	hopts := hunt.DefaultOpts
	if conf.Hunt.Threshold > 0 {
		hopts.Threshold = conf.Hunt.Threshold
	}
	hopts.Concurrency = conf.Hunt.Concurrency
	hunter := hunt.NewHunter(feeds, verifier, recorder, hopts,
		hunt.WithErrLogger(el),
		hunt.WithMetrics(mr),
	)

	sched := scheduler.New(el, queue,
		&scheduler.Loop{
			Name:     "recheck",
			Interval: minutes(conf.Schedule.Recheck),
			Task: func(ctx context.Context) error {
				_, err := mon.Recheck(ctx)
				return err
			},
		},
		&scheduler.Loop{
			Name:      "takedown-sweep",
			Interval:  minutes(conf.Schedule.Sweep),
			NoOverlap: true,
			Task: func(ctx context.Context) error {
				_, err := tm.Sweep(ctx)
				return err
			},
		},
		&scheduler.Loop{
			Name:     "report-flush",
			Interval: time.Duration(conf.Report.Interval) * time.Second,
			Task:     queue.Flush,
		},
		&scheduler.Loop{
			Name:      "prune",
			Interval:  minutes(conf.Schedule.Prune),
			NoOverlap: true,
			Task: func(ctx context.Context) error {
				_, err := mon.Prune(ctx)
				return err
			},
		},
		&scheduler.Loop{
			Name:      "hunt",
			Interval:  time.Duration(conf.Hunt.Interval) * time.Second,
			NoOverlap: true,
			Task: func(ctx context.Context) error {
				_, err := hunter.Run(ctx)
				return err
			},
		},
	)

	if err := sched.Start(ctx); err != nil {
		log.Fatal().Msgf("error while starting scheduler: %s", err)
	}
	log.Info().Msg("cloakwatch started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		log.Error().Msgf("error while stopping scheduler: %s", err)
	}
}
