package hunt

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/weppos/publicsuffix-go/publicsuffix"
	"golang.org/x/sync/semaphore"
)

var (
	DefaultSwapTlds = []string{"com", "net", "org", "info", "co", "online", "support", "help"}

	qwertyRows = []string{
		"1234567890",
		"qwertyuiop",
		"asdfghjkl",
		"zxcvbnm",
	}
	adjacentKeys = map[byte]string{}
)

func init() {
	for r, row := range qwertyRows {
		for c := 0; c < len(row); c++ {
			var keys []byte
			if c > 0 {
				keys = append(keys, row[c-1])
			}
			if c < len(row)-1 {
				keys = append(keys, row[c+1])
			}
			for _, other := range []int{r - 1, r + 1} {
				if other < 0 || other >= len(qwertyRows) {
					continue
				}
				o := qwertyRows[other]
				if c < len(o) {
					keys = append(keys, o[c])
				}
			}
			adjacentKeys[row[c]] = string(keys)
		}
	}
}

type TyposquatConfig struct {
	Brands []string `yaml:"brands"` // registered domains, e.g. microsoft.com
	Tlds   []string `yaml:"tlds"`
}

type Resolver interface {
	Resolvable(ctx context.Context, host string) (bool, error)
}

// TyposquatFeed generates lookalikes of brand domains and keeps the ones that resolve
type TyposquatFeed struct {
	brands      []string
	tlds        []string
	dns         Resolver
	concurrency int64
}

func NewTyposquatFeed(conf TyposquatConfig, dns Resolver, concurrency int) *TyposquatFeed {
	tlds := conf.Tlds
	if len(tlds) == 0 {
		tlds = DefaultSwapTlds
	}
	if concurrency <= 0 {
		concurrency = 20
	}
	return &TyposquatFeed{
		brands:      conf.Brands,
		tlds:        tlds,
		dns:         dns,
		concurrency: int64(concurrency),
	}
}

func (tf *TyposquatFeed) Name() string {
	return "typosquat"
}

func validLabel(l string) bool {
	if l == "" || len(l) > 63 || l[0] == '-' || l[len(l)-1] == '-' {
		return false
	}
	for i := 0; i < len(l); i++ {
		c := l[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return true
}

// labelVariants returns omission, repetition, transposition and adjacent key typos of a label
func labelVariants(l string) []string {
	var res []string
	for i := 0; i < len(l); i++ {
		res = append(res, l[:i]+l[i+1:])
		res = append(res, l[:i+1]+l[i:])
		if i < len(l)-1 && l[i] != l[i+1] {
			res = append(res, l[:i]+string(l[i+1])+string(l[i])+l[i+2:])
		}
		for j := 0; j < len(adjacentKeys[l[i]]); j++ {
			res = append(res, l[:i]+string(adjacentKeys[l[i]][j])+l[i+1:])
		}
	}
	return res
}

// Typosquats returns the lookalike domains of a registered domain, sorted
func Typosquats(domain string, tlds []string) ([]string, error) {
	dn, err := publicsuffix.Parse(strings.ToLower(strings.TrimSuffix(domain, ".")))
	if err != nil {
		return nil, errors.Wrapf(err, "parse domain %s", domain)
	}
	apex := dn.SLD + "." + dn.TLD

	seen := map[string]struct{}{apex: {}}
	var res []string
	add := func(d string) {
		if _, ok := seen[d]; ok {
			return
		}
		seen[d] = struct{}{}
		res = append(res, d)
	}

	for _, v := range labelVariants(dn.SLD) {
		if validLabel(v) {
			add(v + "." + dn.TLD)
		}
	}
	for _, tld := range tlds {
		add(dn.SLD + "." + strings.TrimPrefix(tld, "."))
	}
	sort.Strings(res)
	return res, nil
}

// Candidates returns the resolvable typosquats of every brand. Lookups that fail
// are dropped with the unresolvable ones.
func (tf *TyposquatFeed) Candidates(ctx context.Context) ([]string, error) {
	var domains []string
	for _, b := range tf.brands {
		ts, err := Typosquats(b, tf.tlds)
		if err != nil {
			return nil, err
		}
		domains = append(domains, ts...)
	}
	log.Debug().Msgf("checking %d typosquat domains", len(domains))

	var (
		m         sync.Mutex
		wg        sync.WaitGroup
		sem       = semaphore.NewWeighted(tf.concurrency)
		resolving = make(map[string]bool)
	)
	for _, d := range domains {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(d string) {
			defer sem.Release(1)
			defer wg.Done()
			ok, err := tf.dns.Resolvable(ctx, d)
			if err != nil {
				log.Debug().Msgf("resolve %s: %s", d, err)
				return
			}
			if ok {
				m.Lock()
				resolving[d] = true
				m.Unlock()
			}
		}(d)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res []string
	for _, d := range domains {
		if resolving[d] {
			res = append(res, candidateUrl(d))
		}
	}
	return res, nil
}
