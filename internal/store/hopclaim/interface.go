package hopclaim

import (
	"time"

	"gorm.io/gorm"

	"github.com/dwarvesf/escrow-settlement/internal/model"
)

type IStore interface {
	// Acquire inserts the claim, or takes over one that expired by now.
	// It reports false while another holder's claim is live.
	Acquire(tx *gorm.DB, claim *model.HopClaim, now time.Time) (bool, error)
	Release(tx *gorm.DB, paymentID string, hop model.Hop, holder string) error
	Get(tx *gorm.DB, paymentID string, hop model.Hop) (*model.HopClaim, error)
}
