package journal

import (
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jobescrow/core/types"
	"jobescrow/native/escrow"
)

type reputationDelta struct {
	jobsPosted    uint64
	jobsCompleted uint64
	earned        uint64
	spent         uint64
	disputeWins   uint64
	disputeLosses uint64
}

func (d reputationDelta) zero() bool {
	return d == reputationDelta{}
}

// reputationDeltas derives the per-identity counter changes carried by evt.
func reputationDeltas(evt *types.Event) map[string]reputationDelta {
	poster := evt.Attr("poster")
	worker := evt.Attr("worker")
	out := make(map[string]reputationDelta)
	add := func(id string, d reputationDelta) {
		if id == "" || d.zero() {
			return
		}
		cur := out[id]
		cur.jobsPosted += d.jobsPosted
		cur.jobsCompleted += d.jobsCompleted
		cur.earned += d.earned
		cur.spent += d.spent
		cur.disputeWins += d.disputeWins
		cur.disputeLosses += d.disputeLosses
		out[id] = cur
	}
	jury := evt.Attr("path") == escrow.ResolutionJury.String()

	switch evt.Type {
	case escrow.EventTypeEscrowInitialized:
		add(poster, reputationDelta{jobsPosted: 1})
	case escrow.EventTypePaymentReleased:
		amount := attrUint(evt, "amount")
		add(poster, reputationDelta{spent: amount})
		add(worker, reputationDelta{jobsCompleted: 1, earned: attrUint(evt, "workerAmount")})
		if jury {
			add(worker, reputationDelta{disputeWins: 1})
			add(poster, reputationDelta{disputeLosses: 1})
		}
	case escrow.EventTypePaymentRefunded:
		amount := attrUint(evt, "amount")
		returned := attrUint(evt, "posterAmount")
		if amount > returned {
			add(poster, reputationDelta{spent: amount - returned})
		}
		if jury {
			add(poster, reputationDelta{disputeWins: 1})
			add(worker, reputationDelta{disputeLosses: 1})
		}
	}
	return out
}

func applyReputation(tx *gorm.DB, evt *types.Event, now time.Time) error {
	for id, d := range reputationDeltas(evt) {
		seed := Reputation{Identity: id, UpdatedAt: now}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		err := tx.Model(&Reputation{}).Where("identity = ?", id).Updates(map[string]interface{}{
			"jobs_posted":    gorm.Expr("jobs_posted + ?", d.jobsPosted),
			"jobs_completed": gorm.Expr("jobs_completed + ?", d.jobsCompleted),
			"total_earned":   gorm.Expr("total_earned + ?", d.earned),
			"total_spent":    gorm.Expr("total_spent + ?", d.spent),
			"dispute_wins":   gorm.Expr("dispute_wins + ?", d.disputeWins),
			"dispute_losses": gorm.Expr("dispute_losses + ?", d.disputeLosses),
			"updated_at":     now,
		}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func attrUint(evt *types.Event, key string) uint64 {
	v, err := strconv.ParseUint(evt.Attr(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
