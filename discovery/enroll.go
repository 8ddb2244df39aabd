package discovery

import (
	"context"
	"time"

	"github.com/aau-network-security/cloakwatch/resolver"
	"github.com/aau-network-security/cloakwatch/store"
	"github.com/aau-network-security/cloakwatch/store/models"
	"github.com/aau-network-security/cloakwatch/verify"
	"github.com/rs/zerolog/log"
)

type Resolver interface {
	Resolve(ctx context.Context, t resolver.Type, src string) (string, error)
}

type Verifier interface {
	Verify(ctx context.Context, url string, threshold float64) (*verify.Result, error)
}

// Enroller tries every redirect mechanism on a candidate, in enrollment order, until one
// leads to a destination that verifies as scam
type Enroller struct {
	resolver  Resolver
	verifier  Verifier
	threshold float64
	order     []resolver.Type
}

func NewEnroller(r Resolver, v Verifier, threshold float64) *Enroller {
	return &Enroller{
		resolver:  r,
		verifier:  v,
		threshold: threshold,
		order:     resolver.EnrollmentOrder,
	}
}

// Enroll returns the new source, or nil if no mechanism succeeded or the candidate is
// already a source
func (e *Enroller) Enroll(ctx context.Context, tx store.Tx, candidate string) (*models.Source, error) {
	existing, err := tx.FindSource(candidate)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	for _, t := range e.order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dest, err := e.resolver.Resolve(ctx, t, candidate)
		if err != nil {
			log.Debug().Msgf("enroll %s with %s: %s", candidate, t, err)
			continue
		}
		if dest == "" {
			continue
		}
		res, err := e.verifier.Verify(ctx, dest, e.threshold)
		if err != nil {
			log.Debug().Msgf("enroll %s with %s: verify %s: %s", candidate, t, dest, err)
			continue
		}
		if !res.IsScam() {
			continue
		}

		src := &models.Source{
			Url:            candidate,
			ResolutionType: t.String(),
			CreatedAt:      time.Now(),
		}
		if err := tx.InsertSource(src); err != nil {
			return nil, err
		}
		return src, nil
	}
	return nil, nil
}
