package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/aau-network-security/cloakwatch/app"
	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/go-pg/pg"
	"github.com/go-pg/pg/orm"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jinzhu/gorm"
	_ "github.com/lib/pq"
	errs "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	DefaultCacheOpts = CacheOpts{
		DestinationSize: 10000,
		DetectionSize:   10000,
	}
	DefaultOpts = Opts{
		CacheOpts: DefaultCacheOpts,
	}
)

type InvalidServiceErr struct {
	Service models.Service
}

func (err InvalidServiceErr) Error() string {
	return fmt.Sprintf("unknown takedown service: %q", err.Service)
}

// a takedown status already exists for the destination
type DuplicateStatusErr struct {
	DestinationID uint
}

func (err DuplicateStatusErr) Error() string {
	return fmt.Sprintf("takedown status for destination %d exists", err.DestinationID)
}

type Config struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DBName   string `yaml:"dbname"`
	Debug    bool   `yaml:"debug"`

	d *gorm.DB
}

func (c *Config) IsValid() error {
	ce := app.NewConfigErr()
	if c.Host == "" {
		ce.Add("database host cannot be empty")
	}
	if c.Port == 0 {
		ce.Add("database port cannot be empty")
	}
	if c.DBName == "" {
		ce.Add("database name cannot be empty")
	}
	if ce.IsError() {
		return &ce
	}
	return nil
}

func (c *Config) Open() (*gorm.DB, error) {
	var err error
	if c.d == nil {
		c.d, err = gorm.Open("postgres", c.DSN())
	}
	return c.d, err
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

type CacheOpts struct {
	DestinationSize int
	DetectionSize   int
}

type Opts struct {
	CacheOpts CacheOpts
}

type debugHook struct{}

func (hook *debugHook) BeforeQuery(qe *pg.QueryEvent) {
	fq, err := qe.FormattedQuery()
	if err != nil {
		return
	}
	log.Debug().Msgf("%s", fq)
}

func (hook *debugHook) AfterQuery(qe *pg.QueryEvent) {}

type cache struct {
	destinationByUrl *lru.Cache //map[string]*models.Destination
	detectionByUrl   *lru.Cache //map[string]*models.Detection
}

func newLRUCache(cacheSize int) *lru.Cache {
	c, err := lru.New(cacheSize)
	if err != nil {
		log.Error().Msgf("Error Creating LRU Cache: %s", err)
		c, _ = lru.New(1)
	}
	return c
}

func newCache(opts CacheOpts) cache {
	return cache{
		destinationByUrl: newLRUCache(opts.DestinationSize),
		detectionByUrl:   newLRUCache(opts.DetectionSize),
	}
}

func destinationKey(sourceID uint, normalized string) string {
	return fmt.Sprintf("%d|%s", sourceID, normalized)
}

func detectionKey(huntType string, normalized string) string {
	return huntType + "|" + normalized
}

// name of the lock a transaction holds while matching a dedup key
func lockName(kind string, key string) string {
	return kind + ":" + key
}

type Store struct {
	conf  Config
	db    *pg.DB
	cache cache
	m     *sync.Mutex
}

func NewStore(conf Config, opts Opts) (*Store, error) {
	if opts.CacheOpts.DestinationSize == 0 {
		opts.CacheOpts = DefaultCacheOpts
	}
	pgOpts := pg.Options{
		User:     conf.User,
		Password: conf.Password,
		Addr:     fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		Database: conf.DBName,
	}

	db := pg.Connect(&pgOpts)
	if conf.Debug {
		db.AddQueryHook(&debugHook{})
	}

	s := Store{
		conf:  conf,
		db:    db,
		cache: newCache(opts.CacheOpts),
		m:     &sync.Mutex{},
	}

	if err := s.migrate(); err != nil {
		return nil, errs.Wrap(err, "migrate models")
	}

	return &s, nil
}

// use Gorm's auto migrate functionality
func (s *Store) migrate() error {
	g, err := s.conf.Open()
	if err != nil {
		return err
	}
	return Migrate(g)
}

func Migrate(g *gorm.DB) error {
	for _, ex := range models.All() {
		if err := g.AutoMigrate(ex).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.conf.d != nil {
		if err := s.conf.d.Close(); err != nil {
			log.Debug().Msgf("failed to close gorm connection: %s", err)
		}
	}
	return s.db.Close()
}

func (s *Store) Transact(fn func(Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	ptx := &pgTx{
		tx:    tx,
		cache: &s.cache,
	}
	if err := fn(ptx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(err, "committing transaction")
	}

	// only committed rows enter the cache
	for k, v := range ptx.destinations {
		s.cache.destinationByUrl.Add(k, v)
	}
	for k, v := range ptx.detections {
		s.cache.detectionByUrl.Add(k, v)
	}
	return nil
}

func (s *Store) Sources() ([]*models.Source, error) {
	var sources []*models.Source
	if err := s.db.Model(&sources).Order("id ASC").Select(); err != nil {
		return nil, errs.Wrap(err, "select sources")
	}
	return sources, nil
}

func (s *Store) DeleteSource(id uint) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM takedown_statuses WHERE destination_id IN (SELECT id FROM destinations WHERE source_id = ?)", id); err != nil {
		return errs.Wrap(err, "delete takedown statuses")
	}
	if _, err := tx.Model((*models.Destination)(nil)).Where("source_id = ?", id).Delete(); err != nil {
		return errs.Wrap(err, "delete destinations")
	}
	if _, err := tx.Model((*models.Source)(nil)).Where("id = ?", id).Delete(); err != nil {
		return errs.Wrap(err, "delete source")
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(err, "committing transaction")
	}

	// cached destinations of the source are gone
	s.cache.destinationByUrl.Purge()
	return nil
}

func (s *Store) LastScamActivity(sourceID uint) (time.Time, error) {
	var last pg.NullTime
	_, err := s.db.QueryOne(pg.Scan(&last), "SELECT max(last_seen) FROM destinations WHERE source_id = ? AND is_scam", sourceID)
	if err != nil {
		return time.Time{}, errs.Wrap(err, "select last scam activity")
	}
	return last.Time, nil
}

func (s *Store) ActiveDestinations() ([]*models.MonitoredDestination, error) {
	var statuses []*models.TakedownStatus
	if err := s.db.Model(&statuses).Where("check_active = ?", true).Order("id ASC").Select(); err != nil {
		return nil, errs.Wrap(err, "select takedown statuses")
	}
	if len(statuses) == 0 {
		return nil, nil
	}

	var ids []uint
	for _, st := range statuses {
		ids = append(ids, st.DestinationID)
	}
	var dests []*models.Destination
	if err := s.db.Model(&dests).Where("id IN (?)", pg.In(ids)).Select(); err != nil {
		return nil, errs.Wrap(err, "select destinations")
	}
	destById := make(map[uint]*models.Destination)
	for _, d := range dests {
		destById[d.ID] = d
	}

	var res []*models.MonitoredDestination
	for _, st := range statuses {
		d, ok := destById[st.DestinationID]
		if !ok {
			continue
		}
		res = append(res, &models.MonitoredDestination{
			Destination: *d,
			Status:      *st,
		})
	}
	return res, nil
}

func flagColumn(svc models.Service) (string, error) {
	switch svc {
	case models.SafeBrowsing:
		return "safebrowsing_flagged_at", nil
	case models.Netcraft:
		return "netcraft_flagged_at", nil
	case models.SmartScreen:
		return "smartscreen_flagged_at", nil
	}
	return "", InvalidServiceErr{Service: svc}
}

func affected(res orm.Result) bool {
	return res != nil && res.RowsAffected() > 0
}

func (s *Store) FlagDestination(destID uint, svc models.Service, t time.Time) (bool, error) {
	col, err := flagColumn(svc)
	if err != nil {
		return false, err
	}
	res, err := s.db.Model((*models.TakedownStatus)(nil)).
		Set(col+" = ?", t).
		Where("destination_id = ?", destID).
		Where(col + " IS NULL").
		Update()
	if err != nil {
		return false, errs.Wrapf(err, "flag destination %d for %s", destID, svc)
	}
	return affected(res), nil
}

func (s *Store) MarkUnresolvable(destID uint, t time.Time) (bool, error) {
	res, err := s.db.Model((*models.TakedownStatus)(nil)).
		Set("dns_unresolvable_at = ?", t).
		Set("check_active = ?", false).
		Where("destination_id = ?", destID).
		Where("dns_unresolvable_at IS NULL").
		Update()
	if err != nil {
		return false, errs.Wrapf(err, "mark destination %d unresolvable", destID)
	}
	return affected(res), nil
}

func (s *Store) TouchChecked(destID uint, t time.Time) error {
	_, err := s.db.Model((*models.TakedownStatus)(nil)).
		Set("last_checked = ?", t).
		Where("destination_id = ?", destID).
		Update()
	return errs.Wrapf(err, "update last checked of destination %d", destID)
}
