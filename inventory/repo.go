// Package inventory stores seller consignments and selects the best-fit
// record for a requested token/amount/terms combination.
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kewi-labs-io/otc-agent-sub003/deskerr"
	"github.com/kewi-labs-io/otc-agent-sub003/models"
)

// Repo provides consignment persistence on top of GORM.
type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepo constructs a consignment repository.
func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db, now: time.Now}
}

// SetNowFunc overrides the time source, primarily used in tests.
func (r *Repo) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.now = now
}

// Create persists a new consignment record.
func (r *Repo) Create(ctx context.Context, c *models.Consignment) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = models.ConsignmentActive
	}
	if c.RemainingAmount == 0 {
		c.RemainingAmount = c.TotalAmount
	}
	now := r.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	return r.db.WithContext(ctx).Create(c).Error
}

// Get loads a consignment by identifier.
func (r *Repo) Get(ctx context.Context, id uuid.UUID) (*models.Consignment, error) {
	var c models.Consignment
	if err := r.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, deskerr.NotFoundf("consignment %s not found", id)
		}
		return nil, err
	}
	return &c, nil
}

// ActiveByToken returns active consignments for the token in stable insertion
// order.
func (r *Repo) ActiveByToken(ctx context.Context, tokenID string) ([]models.Consignment, error) {
	var rows []models.Consignment
	err := r.db.WithContext(ctx).
		Where("token_id = ? AND status = ?", tokenID, models.ConsignmentActive).
		Order("created_at asc, id asc").
		Find(&rows).Error
	return rows, err
}

// Reserve decrements remaining inventory for an offer under a row lock. The
// consignment flips to exhausted when nothing remains.
func (r *Repo) Reserve(ctx context.Context, id uuid.UUID, amount uint64) error {
	if amount == 0 {
		return deskerr.Validationf("reserve amount must be positive")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Consignment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&c, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return deskerr.NotFoundf("consignment %s not found", id)
			}
			return err
		}
		if c.Status != models.ConsignmentActive {
			return deskerr.Statef("consignment %s is %s", id, c.Status)
		}
		if amount > c.RemainingAmount {
			return deskerr.Chainf(deskerr.ChainInsufficientInv, "requested %d exceeds remaining %d", amount, c.RemainingAmount)
		}
		c.RemainingAmount -= amount
		if c.RemainingAmount == 0 {
			c.Status = models.ConsignmentExhausted
		}
		c.UpdatedAt = r.now()
		return tx.Save(&c).Error
	})
}

// Release returns inventory to the consignment after a cancelled or refunded
// offer.
func (r *Repo) Release(ctx context.Context, id uuid.UUID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Consignment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&c, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return deskerr.NotFoundf("consignment %s not found", id)
			}
			return err
		}
		if c.Status == models.ConsignmentWithdrawn {
			return deskerr.Statef("consignment %s already withdrawn", id)
		}
		c.RemainingAmount += amount
		if c.RemainingAmount > c.TotalAmount {
			return deskerr.Statef("release would exceed total amount for %s", id)
		}
		if c.Status == models.ConsignmentExhausted {
			c.Status = models.ConsignmentActive
		}
		c.UpdatedAt = r.now()
		return tx.Save(&c).Error
	})
}

// MarkWithdrawn zeroes remaining inventory when the seller reclaims it and
// returns the amount withdrawn. A zero-remaining consignment is a no-op.
func (r *Repo) MarkWithdrawn(ctx context.Context, id uuid.UUID, txID string) (uint64, error) {
	var withdrawn uint64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Consignment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&c, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return deskerr.NotFoundf("consignment %s not found", id)
			}
			return err
		}
		if c.RemainingAmount == 0 {
			withdrawn = 0
			return nil
		}
		withdrawn = c.RemainingAmount
		c.RemainingAmount = 0
		c.Status = models.ConsignmentWithdrawn
		c.WithdrawTxID = txID
		c.UpdatedAt = r.now()
		return tx.Save(&c).Error
	})
	return withdrawn, err
}
