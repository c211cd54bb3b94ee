// Package eligibility decides which contractors may receive an offer for a job
// and in which order they should be tried.
package eligibility

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuongbtq/jobrouter/internal/domain"
)

// Reason names the gate a contractor failed
type Reason string

const (
	ReasonEligible           Reason = ""
	ReasonInactive           Reason = "inactive_or_unapproved"
	ReasonCategory           Reason = "trade_category_mismatch"
	ReasonAutomotive         Reason = "automotive_capability_missing"
	ReasonJurisdiction       Reason = "jurisdiction_mismatch"
	ReasonMissingCoordinates Reason = "missing_coordinates"
	ReasonDistance           Reason = "outside_service_radius"
)

// Result is the outcome of evaluating one contractor against one job
type Result struct {
	ContractorID string
	Eligible     bool
	Reason       Reason
	DistanceKm   float64
	LimitKm      float64
}

// Err returns nil for an eligible result and a wrapped ErrNotEligible otherwise
func (r Result) Err() error {
	if r.Eligible {
		return nil
	}
	return fmt.Errorf("%w: contractor %s: %s", domain.ErrNotEligible, r.ContractorID, r.Reason)
}

// RadiusPolicy holds per job-type service radii
type RadiusPolicy struct {
	UrbanMiles float64
	RuralMiles float64
	UrbanKm    float64
	RuralKm    float64
	// MileCountries use the mile radii, every other country uses km
	MileCountries []string
}

// DefaultRadiusPolicy returns the production radii
func DefaultRadiusPolicy() RadiusPolicy {
	return RadiusPolicy{
		UrbanMiles:    30,
		RuralMiles:    60,
		UrbanKm:       50,
		RuralKm:       100,
		MileCountries: []string{"US"},
	}
}

// LimitKm returns the job-type radius for a country in kilometres
func (p RadiusPolicy) LimitKm(country, jobType string) float64 {
	rural := jobType == domain.JobTypeRural
	for _, mc := range p.MileCountries {
		if NormalizeJurisdiction(mc) == NormalizeJurisdiction(country) {
			if rural {
				return p.RuralMiles * KmPerMile
			}
			return p.UrbanMiles * KmPerMile
		}
	}
	if rural {
		return p.RuralKm
	}
	return p.UrbanKm
}

// Matcher evaluates contractors against jobs
type Matcher struct {
	policy RadiusPolicy
}

// NewMatcher creates a matcher with the given radius policy
func NewMatcher(policy RadiusPolicy) *Matcher {
	return &Matcher{policy: policy}
}

// Evaluate applies the gates in order and stops at the first one that fails
func (m *Matcher) Evaluate(job *domain.Job, c *domain.Contractor) Result {
	res := Result{ContractorID: c.ID}

	if !c.Active || !c.Approved {
		res.Reason = ReasonInactive
		return res
	}

	if !c.HasCategory(job.TradeCategory) {
		res.Reason = ReasonCategory
		return res
	}
	if job.TradeCategory == domain.CategoryAutomotive && !c.AutomotiveCapable {
		res.Reason = ReasonAutomotive
		return res
	}

	if !SameJurisdiction(job.Country, job.RegionCode, c.Country, c.RegionCode) {
		res.Reason = ReasonJurisdiction
		return res
	}

	if c.Latitude == nil || c.Longitude == nil || job.Latitude == nil || job.Longitude == nil {
		res.Reason = ReasonMissingCoordinates
		return res
	}

	limit := m.policy.LimitKm(job.Country, job.JobType)
	if c.ServiceRadiusKm != nil && *c.ServiceRadiusKm > 0 && *c.ServiceRadiusKm < limit {
		limit = *c.ServiceRadiusKm
	}
	res.LimitKm = limit
	res.DistanceKm = HaversineKm(*job.Latitude, *job.Longitude, *c.Latitude, *c.Longitude)

	if res.DistanceKm > limit {
		res.Reason = ReasonDistance
		return res
	}

	res.Eligible = true
	return res
}

// Candidate is an eligible contractor with the facts used for ranking
type Candidate struct {
	Contractor *domain.Contractor
	DistanceKm float64
	Busy       bool
}

// Rank orders candidates: available before busy, then longest idle since the
// last completion, then nearest. A contractor who never completed a job counts
// as idle the longest.
func Rank(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Busy != b.Busy {
			return !a.Busy
		}
		ai, bi := idleSince(a.Contractor), idleSince(b.Contractor)
		if !ai.Equal(bi) {
			return ai.Before(bi)
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.Contractor.ID < b.Contractor.ID
	})
}

func idleSince(c *domain.Contractor) time.Time {
	if c.LastCompletedAt == nil {
		return time.Time{}
	}
	return *c.LastCompletedAt
}

// Match evaluates the pool, keeps eligible contractors and ranks them.
// busy holds the ids of contractors currently mid-job.
func (m *Matcher) Match(job *domain.Job, pool []*domain.Contractor, busy map[string]bool) ([]Candidate, []Result) {
	var (
		eligible []Candidate
		rejected []Result
	)

	for _, c := range pool {
		res := m.Evaluate(job, c)
		if !res.Eligible {
			rejected = append(rejected, res)
			continue
		}
		eligible = append(eligible, Candidate{
			Contractor: c,
			DistanceKm: res.DistanceKm,
			Busy:       busy[c.ID],
		})
	}

	Rank(eligible)
	return eligible, rejected
}
