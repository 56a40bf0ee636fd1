package models

import "time"

type ModelType string

const (
	ModelSeedanceLite ModelType = "seedance-lite"
	ModelSeedancePro  ModelType = "seedance-pro"
	ModelVeo3         ModelType = "veo3"
	ModelVeo3Fast     ModelType = "veo3-fast"
)

type ModelFamily string

const (
	FamilySeedance ModelFamily = "seedance"
	FamilyVeo3     ModelFamily = "veo3"
)

// Family returns the provider model family, or "" for unknown tags.
func (m ModelType) Family() ModelFamily {
	switch m {
	case ModelSeedanceLite, ModelSeedancePro:
		return FamilySeedance
	case ModelVeo3, ModelVeo3Fast:
		return FamilyVeo3
	default:
		return ""
	}
}

// Veo3Duration is the only clip length the Veo3 family produces.
const Veo3Duration = 8

type Mode string

const (
	ModeTextToVideo  Mode = "t2v"
	ModeImageToVideo Mode = "i2v"
)

type User struct {
	ID                   int64
	TelegramID           int64
	Username             string
	FirstName            string
	LastName             string
	Language             string
	Balance              int64
	CreditsBought        int64
	CreditsSpent         int64
	BonusCreditsReceived int64
	WelcomeBonus         int64
	IsBanned             bool
	CreatedAt            time.Time
	LastActiveAt         time.Time
}

type Generation struct {
	ID             int64
	UserID         int64
	Mode           Mode
	Model          ModelType
	Resolution     string
	Duration       int
	AspectRatio    string
	GenerateAudio  bool
	Prompt         string
	InputImageURL  string
	Cost           int64
	BonusFunded    bool
	ProviderTaskID string
	Status         GenerationStatus
	Progress       int
	ErrorKind      ErrorKind
	ErrorMessage   string
	ArtifactURL    string
	TelegramFileID string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

type TransactionKind string

const (
	TxPurchase   TransactionKind = "purchase"
	TxBonus      TransactionKind = "bonus"
	TxReferral   TransactionKind = "referral"
	TxAdminGift  TransactionKind = "admin_gift"
	TxGeneration TransactionKind = "generation"
	TxRefund     TransactionKind = "refund"
)

// IsBonus reports whether credits of this kind were given for free rather than bought.
func (k TransactionKind) IsBonus() bool {
	switch k {
	case TxBonus, TxReferral, TxAdminGift:
		return true
	default:
		return false
	}
}

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusFailed    TransactionStatus = "failed"
	TxStatusCancelled TransactionStatus = "cancelled"
	TxStatusRefunded  TransactionStatus = "refunded"
)

// Applied reports whether the transaction amount is reflected in the user balance.
func (s TransactionStatus) Applied() bool {
	switch s {
	case TxStatusPending, TxStatusCompleted, TxStatusRefunded:
		return true
	default:
		return false
	}
}

type Transaction struct {
	ID            int64
	UserID        int64
	GenerationID  *int64
	Kind          TransactionKind
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	Status        TransactionStatus
	RefundOf      *int64
	Description   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type PromoCode struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	MaxUses   int       `json:"max_uses"`
	Uses      int       `json:"uses"`
	CreatedAt time.Time `json:"created_at"`
}
