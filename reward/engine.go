// Package reward computes the weekly UEM rewards of the hubs connected to WoM from the engagement reports they
// send, and follows the transactions distributing them.
//
// The reward index of a hub report is (ed/ew) * dr * ds * mp where ed is the engagement rate of the hub
// (achievements per participant), ew the sum of the engagement rates of the period, dr and ds the reward ratio and
// sending frequency since the last rewarded report of the hub, and mp the minting power of its deed. The period
// amount is split between the reports in proportion to their index.
package reward

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/tarancss/deeds/eventbus"
	"github.com/tarancss/deeds/hub"
	"github.com/tarancss/deeds/lib/block"
	"github.com/tarancss/deeds/lib/block/types"
	"github.com/tarancss/deeds/lib/config"
	"github.com/tarancss/deeds/lib/errs"
	"github.com/tarancss/deeds/lib/metrics"
	"github.com/tarancss/deeds/lib/store"
	"github.com/tarancss/deeds/lib/util"
)

// Reward events.
const (
	EventReportSaved           = "uem.hubReport.saved"
	EventReportRewardComputed  = "uem.HubReportReward.computed"
	EventRewardComputed        = "uem.Reward.computed"
	EventRewardTransactionSent = "uem.reward.transactionSent"
	EventRewardStatusChanged   = "uem.reward.statusChanged"
)

// Defaults of the engine.
const (
	DefaultAmountCacheTTL    = time.Hour
	DefaultMaxReportAgeWeeks = 4
)

var (
	ErrReportTooOld     = errs.Request("uem.reportTooOld")
	ErrHubUnknown       = errs.Request("uem.hubUnknown")
	ErrReportIDRequired = errs.Request("uem.reportIdMandatory")
	ErrHashMandatory    = errs.Request("uem.transactionHashMandatory")
	ErrRewardNotFound   = errs.NotFound("uem.rewardNotFound")
	ErrReportNotFound   = errs.NotFound("uem.reportNotFound")
)

// statuses of the reports taking part in a reward.
var validStatuses = []interface{}{ //nolint:gochecknoglobals // constant list
	store.ReportNone, store.ReportSent, store.ReportPendingReward, store.ReportRewarded,
}

const precision = 256

// Engine computes and follows the weekly rewards.
type Engine struct {
	chain block.Chain
	bus   *eventbus.Bus

	mu       sync.Mutex
	conf     config.RewardConfig
	amount   float64
	amountAt time.Time

	reports *store.Repo[store.HubReport]
	rewards *store.Repo[store.UEMReward]
	hubs    *store.Repo[store.Hub]

	now func() time.Time
}

// NewEngine returns a reward engine. conf.UemRewardAmount is used when the UEM contract can't be read.
func NewEngine(db store.DB, chain block.Chain, bus *eventbus.Bus, conf config.RewardConfig) *Engine {
	e := &Engine{
		chain:   chain,
		bus:     bus,
		reports: store.NewRepo[store.HubReport](db, store.HubReports),
		rewards: store.NewRepo[store.UEMReward](db, store.UEMRewards),
		hubs:    store.NewRepo[store.Hub](db, store.Hubs),
		now:     time.Now,
	}
	e.SetConfig(conf)

	return e
}

// SetConfig changes the tunables of the engine and drops the cached period amount.
func (e *Engine) SetConfig(conf config.RewardConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if conf.AmountCacheTTL <= 0 {
		conf.AmountCacheTTL = DefaultAmountCacheTTL
	}

	if conf.MaxReportAgeWeeks <= 0 {
		conf.MaxReportAgeWeeks = DefaultMaxReportAgeWeeks
	}

	e.conf = conf
	e.amountAt = time.Time{}
}

// SaveReport stores a report sent by a connected hub.
func (e *Engine) SaveReport(ctx context.Context, report store.HubReport) (store.HubReport, error) {
	report.ReportID = util.Lower(report.ReportID)
	if report.ReportID == "" {
		return store.HubReport{}, ErrReportIDRequired
	}

	report.HubAddress = util.Lower(report.HubAddress)

	h, err := e.hubs.Get(ctx, report.HubAddress)
	if errors.Is(err, store.ErrDataNotFound) || (err == nil && !h.Enabled) {
		return store.HubReport{}, ErrHubUnknown
	}

	if err != nil {
		return store.HubReport{}, err
	}

	e.mu.Lock()
	maxAge := e.conf.MaxReportAgeWeeks
	e.mu.Unlock()

	now := e.now().UTC()
	if PeriodOf(now).weeksSince(PeriodOf(report.ToDate.Add(-time.Nanosecond))) > float64(maxAge) {
		return store.HubReport{}, ErrReportTooOld
	}

	existing, err := e.reports.Get(ctx, report.ReportID)

	switch {
	case err == nil && existing.RewardTransactionHash != "":
		log.Printf("[rewards] report %s already rewarded with %s, not updated", existing.ReportID,
			existing.RewardTransactionHash)

		return existing, nil
	case err != nil && !errors.Is(err, store.ErrDataNotFound):
		return store.HubReport{}, err
	}

	if report.DeedID == 0 {
		report.DeedID = h.DeedID
	}

	if report.SentDate.IsZero() {
		report.SentDate = now
	}

	report.Status = store.ReportSent
	report.Error = ""

	if err = e.reports.Put(ctx, report.ReportID, report); err != nil {
		return store.HubReport{}, fmt.Errorf("saving report %s: %w", report.ReportID, err)
	}

	if h.UsersCount != report.UsersCount {
		h.UsersCount = report.UsersCount
		h.UpdatedDate = now

		if err = e.hubs.Put(ctx, h.Address, h); err != nil {
			return store.HubReport{}, fmt.Errorf("saving hub %s: %w", h.Address, err)
		}

		e.publish(ctx, hub.EventStatusChanged, h.Address)
	}

	e.publish(ctx, EventReportSaved, report.ReportID)

	return report, nil
}

// Report returns the report id.
func (e *Engine) Report(ctx context.Context, id string) (store.HubReport, error) {
	r, err := e.reports.Get(ctx, util.Lower(id))
	if errors.Is(err, store.ErrDataNotFound) {
		return store.HubReport{}, ErrReportNotFound
	}

	return r, err
}

// Get returns the reward id.
func (e *Engine) Get(ctx context.Context, id string) (store.UEMReward, error) {
	r, err := e.rewards.Get(ctx, id)
	if errors.Is(err, store.ErrDataNotFound) {
		return store.UEMReward{}, ErrRewardNotFound
	}

	return r, err
}

// Pending returns the rewards whose transactions are not all mined yet.
func (e *Engine) Pending(ctx context.Context) ([]store.UEMReward, error) {
	return e.rewards.Find(ctx, store.Where(store.Eq("status", store.RewardPending)).OrderBy("fromDate", false))
}

// ComputePending computes the reward of the previous week, unless it was already sent.
func (e *Engine) ComputePending(ctx context.Context) (*store.UEMReward, error) {
	return e.Compute(ctx, PeriodOf(e.now()).Previous())
}

// Compute computes the reward of period p from the reports of its hubs and saves it. A reward already sent is
// returned unchanged, and a period without reports has no reward.
func (e *Engine) Compute(ctx context.Context, p Period) (*store.UEMReward, error) {
	existing, err := e.rewards.Get(ctx, p.ID())
	found := err == nil

	switch {
	case err != nil && !errors.Is(err, store.ErrDataNotFound):
		return nil, err
	case found && len(existing.TransactionHashes) > 0:
		return &existing, nil
	}

	reports, err := e.periodReports(ctx, p)
	if err != nil {
		return nil, err
	}

	if len(reports) == 0 {
		log.Printf("[rewards] no reports for period %s", p.ID())

		return nil, nil //nolint:nilnil // no reward
	}

	amount := e.periodAmount(ctx)

	reward := existing
	if !found {
		reward = store.UEMReward{
			ID:          p.ID(),
			FromDate:    p.From,
			ToDate:      p.To,
			PeriodType:  PeriodType,
			Status:      store.RewardNone,
			CreatedDate: e.now().UTC(),
		}
	}

	ew := 0.0
	reward.AchievementsCount = 0
	reward.HubRewardsAmount = 0

	for i := range reports {
		r := &reports[i]
		r.Ed = 0

		if r.AchievementsCount > 0 && r.ParticipantsCount > 0 {
			r.Ed = float64(r.AchievementsCount) / float64(r.ParticipantsCount)
		}

		ew += r.Ed
		reward.AchievementsCount += r.AchievementsCount
		reward.HubRewardsAmount += r.HubRewardAmount
	}

	indices := make([]*big.Float, len(reports))
	total := new(big.Float).SetPrec(precision)

	for i := range reports {
		r := &reports[i]
		r.RewardID = reward.ID

		if err = e.lastPeriodFactors(ctx, p, r); err != nil {
			return nil, err
		}

		card, errC := e.chain.DeedCardType(ctx, r.DeedID)
		if errC != nil {
			return nil, fmt.Errorf("reading card type of deed %d: %w", r.DeedID, errC)
		}

		if r.Mp, err = types.MintingPower(card); err != nil {
			return nil, fmt.Errorf("report %s of deed %d: %w", r.ReportID, r.DeedID, err)
		}

		index := new(big.Float).SetPrec(precision)
		if ew > 0 && !r.Fraud {
			index.Quo(big.NewFloat(r.Ed), big.NewFloat(ew))
			index.Mul(index, big.NewFloat(r.Dr))
			index.Mul(index, big.NewFloat(r.Ds))
			index.Mul(index, big.NewFloat(r.Mp))
		}

		indices[i] = index
		r.UemRewardIndex, _ = index.Float64()
		total.Add(total, index)
	}

	reward.GlobalEngagementRate = ew
	reward.UemRewardIndex, _ = total.Float64()
	reward.UemRewardAmount = amount
	reward.ReportRewards = make(map[string]float64, len(reports))
	reward.ReportIDs = make([]string, 0, len(reports))
	reward.HubAddresses = make([]string, 0, len(reports))

	for i := range reports {
		r := &reports[i]
		r.UemRewardAmount = 0

		if total.Sign() > 0 {
			share := new(big.Float).SetPrec(precision).Mul(indices[i], big.NewFloat(amount))
			r.UemRewardAmount, _ = share.Quo(share, total).Float64()
		}

		reward.ReportRewards[r.ReportID] = r.UemRewardAmount
		reward.ReportIDs = append(reward.ReportIDs, r.ReportID)
		reward.HubAddresses = append(reward.HubAddresses, r.HubAddress)
	}

	sort.Strings(reward.ReportIDs)
	sort.Strings(reward.HubAddresses)
	reward.Hash = MerkleRoot(reward.ReportIDs)
	reward.UpdatedDate = e.now().UTC()

	for i := range reports {
		if err = e.reports.Put(ctx, reports[i].ReportID, reports[i]); err != nil {
			return nil, fmt.Errorf("saving report %s: %w", reports[i].ReportID, err)
		}

		e.publish(ctx, EventReportRewardComputed, reports[i].ReportID)
	}

	if err = e.rewards.Put(ctx, reward.ID, reward); err != nil {
		return nil, fmt.Errorf("saving reward %s: %w", reward.ID, err)
	}

	metrics.RewardsComputed.Inc()
	log.Printf("[rewards] reward %s computed for %d hubs, %.4f distributed", reward.ID, len(reports),
		reward.UemRewardAmount)
	e.publish(ctx, EventRewardComputed, reward.ID)

	return &reward, nil
}

// periodReports returns the valid reports of p, one per hub. Older reports of a hub are rejected.
func (e *Engine) periodReports(ctx context.Context, p Period) ([]store.HubReport, error) {
	all, err := e.reports.Find(ctx, store.Where(
		store.Gte("fromDate", p.From),
		store.Lte("toDate", p.To),
		store.In("status", validStatuses...),
	).OrderBy("sentDate", true))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(all))
	reports := make([]store.HubReport, 0, len(all))

	for i := range all {
		address := util.Lower(all[i].HubAddress)
		if !seen[address] {
			seen[address] = true
			all[i].HubAddress = address
			reports = append(reports, all[i])

			continue
		}

		log.Printf("[rewards] rejecting report %s of hub %s, a newer one was sent", all[i].ReportID, address)

		all[i].Status = store.ReportRejected
		if err = e.reports.Put(ctx, all[i].ReportID, all[i]); err != nil {
			return nil, fmt.Errorf("saving report %s: %w", all[i].ReportID, err)
		}
	}

	return reports, nil
}

// lastPeriodFactors sets dr and ds of r from the last rewarded report of its hub. The weeks since the last
// reward are counted from the reward of the period the previous report was sent in; none when that reward is
// unknown.
func (e *Engine) lastPeriodFactors(ctx context.Context, p Period, r *store.HubReport) error {
	last, err := e.reports.Find(ctx, store.Where(
		store.Eq("hubAddress", r.HubAddress),
		store.Eq("status", store.ReportRewarded),
		store.Ne("reportId", r.ReportID),
		store.Lt("fromDate", p.From),
	).OrderBy("sentDate", true).Take(1))
	if err != nil {
		return err
	}

	if len(last) == 0 {
		r.Dr, r.Ds = 1, 1
		r.LastPeriodUemRewardAmount = 0
		r.LastPeriodUemDiff = 0
		r.LastPeriodUemRewardAmountPerPeriod = 0
		r.HubRewardLastPeriodDiff = 1
		r.HubRewardAmountPerPeriod = perWeek(r.HubRewardAmount, r.ToDate.Sub(r.FromDate).Hours()/24/7)

		return nil
	}

	prev := last[0]
	weeks := 0.0

	sent, err := e.rewards.Get(ctx, PeriodOf(prev.SentDate).ID())

	switch {
	case err == nil:
		weeks = p.weeksSince(PeriodOf(sent.FromDate))
	case !errors.Is(err, store.ErrDataNotFound):
		return fmt.Errorf("reading reward of report %s: %w", prev.ReportID, err)
	}

	r.LastPeriodUemRewardAmount = prev.UemRewardAmount
	r.LastPeriodUemDiff = weeks
	r.LastPeriodUemRewardAmountPerPeriod = perWeek(prev.UemRewardAmount, weeks)
	r.HubRewardLastPeriodDiff = weeks
	r.HubRewardAmountPerPeriod = perWeek(r.HubRewardAmount, weeks)

	if weeks == 0 {
		r.HubRewardAmountPerPeriod = perWeek(r.HubRewardAmount, r.ToDate.Sub(r.FromDate).Hours()/24/7)
	}

	r.Ds = 1 / maxFloat(1, weeks)
	r.Dr = 1

	if r.LastPeriodUemRewardAmountPerPeriod != 0 {
		r.Dr = r.HubRewardAmountPerPeriod / r.LastPeriodUemRewardAmountPerPeriod
	}

	return nil
}

// periodAmount returns the amount distributed per period, read from the UEM contract at most once per cache TTL.
func (e *Engine) periodAmount(ctx context.Context) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.amountAt.IsZero() && e.now().Sub(e.amountAt) < e.conf.AmountCacheTTL {
		return e.amount
	}

	amount, err := e.chain.UemRewardAmount(ctx)
	if err != nil || amount <= 0 {
		log.Printf("[rewards] cannot read the UEM reward amount (%v), using %.4f", err, e.conf.UemRewardAmount)

		return e.conf.UemRewardAmount
	}

	e.amount, e.amountAt = amount, e.now()

	return amount
}

// SaveTransactionHash records the transaction sending the reward id.
func (e *Engine) SaveTransactionHash(ctx context.Context, id, txHash string) (store.UEMReward, error) {
	hash := util.Lower(txHash)
	if hash == "" {
		return store.UEMReward{}, ErrHashMandatory
	}

	reward, err := e.Get(ctx, id)
	if err != nil {
		return store.UEMReward{}, err
	}

	for _, rid := range reward.ReportIDs {
		r, errR := e.reports.Get(ctx, rid)
		if errR != nil {
			return store.UEMReward{}, fmt.Errorf("reading report %s of reward %s: %w", rid, id, errR)
		}

		r.RewardTransactionHash = hash
		r.Status = store.ReportPendingReward

		if err = e.reports.Put(ctx, rid, r); err != nil {
			return store.UEMReward{}, fmt.Errorf("saving report %s: %w", rid, err)
		}
	}

	reward.TransactionHashes = util.AddUnique(reward.TransactionHashes, hash)
	reward.Status = store.RewardPending
	reward.UpdatedDate = e.now().UTC()

	if err = e.rewards.Put(ctx, reward.ID, reward); err != nil {
		return store.UEMReward{}, fmt.Errorf("saving reward %s: %w", reward.ID, err)
	}

	e.publish(ctx, EventRewardTransactionSent, reward.ID)

	return reward, nil
}

// RefreshStatus updates the reports of the reward id from the status of their transactions, then the status of
// the reward.
func (e *Engine) RefreshStatus(ctx context.Context, id string) (store.UEMReward, error) {
	reward, err := e.Get(ctx, id)
	if err != nil {
		return store.UEMReward{}, err
	}

	var rewarded, failed, pending, notSent int

	for _, rid := range reward.ReportIDs {
		r, errR := e.reports.Get(ctx, rid)
		if errR != nil {
			return store.UEMReward{}, fmt.Errorf("reading report %s of reward %s: %w", rid, id, errR)
		}

		if r.RewardTransactionHash == "" {
			notSent++

			continue
		}

		status := r.Status

		st, errS := e.chain.TxStatus(ctx, r.RewardTransactionHash)
		if errS != nil {
			return store.UEMReward{}, fmt.Errorf("reading status of %s: %w", r.RewardTransactionHash, errS)
		}

		switch st {
		case types.TrxSuccess:
			status = store.ReportRewarded
		case types.TrxFailed:
			status = store.ReportRewardTransactionError
		}

		switch status {
		case store.ReportRewarded:
			rewarded++
		case store.ReportRewardTransactionError:
			failed++
		default:
			pending++
		}

		if status != r.Status {
			r.Status = status
			if err = e.reports.Put(ctx, rid, r); err != nil {
				return store.UEMReward{}, fmt.Errorf("saving report %s: %w", rid, err)
			}
		}
	}

	status := reward.Status

	switch {
	case len(reward.ReportIDs) > 0 && rewarded == len(reward.ReportIDs):
		status = store.RewardRewarded
	case failed > 0:
		status = store.RewardTransactionError
	case pending > 0:
		status = store.RewardPending
	case rewarded > 0 && notSent > 0:
		status = store.RewardPartial
	}

	if status == reward.Status {
		return reward, nil
	}

	log.Printf("[rewards] reward %s status %s -> %s", reward.ID, reward.Status, status)

	reward.Status = status
	reward.UpdatedDate = e.now().UTC()

	if err = e.rewards.Put(ctx, reward.ID, reward); err != nil {
		return store.UEMReward{}, fmt.Errorf("saving reward %s: %w", reward.ID, err)
	}

	e.publish(ctx, EventRewardStatusChanged, reward.ID)

	return reward, nil
}

func (e *Engine) publish(ctx context.Context, name, id string) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, name, id); err != nil {
		log.Printf("[rewards] cannot publish %s: %v", name, err)
	}
}

func perWeek(amount, weeks float64) float64 {
	if weeks <= 0 {
		return 0
	}

	return amount / weeks
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}

	return b
}
